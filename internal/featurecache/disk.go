package featurecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/loqalabs/loqa-speech/internal/features"
)

const keyPrefix = "features/"

// Disk persists vectors in badger with a per-entry TTL.
type Disk struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenDisk opens (or creates) the store under dir. An empty dir runs badger
// in memory, which tests use.
func OpenDisk(dir string, ttl time.Duration, logger *slog.Logger) (*Disk, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open feature cache: %w", err)
	}
	return &Disk{db: db, ttl: ttl}, nil
}

func (d *Disk) Get(_ context.Context, key string) (features.Vector, bool, error) {
	var val []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := decode(val)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (d *Disk) Set(_ context.Context, key string, v features.Vector) error {
	b, err := encode(v)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), b)
		if d.ttl > 0 {
			e = e.WithTTL(d.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (d *Disk) Close() error {
	return d.db.Close()
}

// badgerLogger forwards warnings and errors to slog and drops the rest.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...), slog.String("source", "badger"))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...), slog.String("source", "badger"))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
