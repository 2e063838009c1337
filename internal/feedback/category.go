package feedback

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCategory is returned by ParseCategory for unrecognized input.
var ErrUnknownCategory = errors.New("unknown question category")

// Category is the kind of interview question being answered. The zero
// value General applies when the caller gives none.
type Category int

const (
	General Category = iota
	Technical
	Behavioral
	Situational
	numCategories
)

var categoryNames = [numCategories]string{"general", "technical", "behavioral", "situational"}

func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

func (c Category) MarshalText() ([]byte, error) {
	if c < 0 || c >= numCategories {
		return nil, fmt.Errorf("%d: %w", int(c), ErrUnknownCategory)
	}
	return []byte(categoryNames[c]), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory accepts a category name in any case. The empty string
// maps to General.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return General, nil
	}
	for i, name := range categoryNames {
		if s == name {
			return Category(i), nil
		}
	}
	return General, fmt.Errorf("%q: %w", s, ErrUnknownCategory)
}

// Dimension is one of the five scored delivery qualities.
type Dimension int

const (
	Nervousness Dimension = iota
	Confidence
	Fluency
	Pace
	Tone
	numDimensions
)

var dimensionNames = [numDimensions]string{"nervousness", "confidence", "fluency", "pace", "tone"}

// Dimensions lists every dimension in prediction order.
func Dimensions() []Dimension {
	return []Dimension{Nervousness, Confidence, Fluency, Pace, Tone}
}

func (d Dimension) String() string {
	if d < 0 || d >= numDimensions {
		return fmt.Sprintf("dimension(%d)", int(d))
	}
	return dimensionNames[d]
}

// LowerIsBetter is true for nervousness.
func (d Dimension) LowerIsBetter() bool { return d == Nervousness }

func parseDimension(s string) (Dimension, bool) {
	for i, name := range dimensionNames {
		if s == name {
			return Dimension(i), true
		}
	}
	return 0, false
}
