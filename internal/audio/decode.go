package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/wav"
)

// Sniff guesses the container format from leading bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && string(data[0:4]) == "fLaC":
		return FormatFLAC
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	case len(data) >= 8 && string(data[4:8]) == "ftyp":
		return FormatM4A
	default:
		return FormatAuto
	}
}

// Decode turns input bytes into a Clip. Containers are sniffed first; the
// declared format is only trusted for headerless PCM.
func Decode(in Input) (Clip, error) {
	format := Sniff(in.Data)
	if in.Format == FormatPCM16 && format != FormatWAV {
		// raw samples can look like an MPEG frame sync
		format = FormatPCM16
	}
	if format == FormatAuto {
		format = in.Format
	}
	switch format {
	case FormatWAV:
		return decodeWAV(in.Data)
	case FormatPCM16:
		return decodePCM16(in.Data, in.SampleRate, in.Channels)
	case FormatAuto:
		return Clip{}, fmt.Errorf("unrecognized audio data: %w", ErrUnsupportedFormat)
	default:
		return Clip{}, fmt.Errorf("%s decoding not available: %w", format, ErrUnsupportedFormat)
	}
}

func decodeWAV(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("invalid wav file: %w", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != 1 {
		return Clip{}, fmt.Errorf("wav encoding %d is not integer PCM: %w", dec.WavAudioFormat, ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read wav samples: %v: %w", err, ErrUnsupportedFormat)
	}
	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	depth := int(dec.BitDepth)
	if channels <= 0 || rate <= 0 || depth <= 0 {
		return Clip{}, fmt.Errorf("wav header incomplete: %w", ErrUnsupportedFormat)
	}

	samples := make([]float64, len(buf.Data))
	if depth == 8 {
		// 8-bit WAV is unsigned
		for i, v := range buf.Data {
			samples[i] = float64(v-128) / 128
		}
	} else {
		scale := float64(int64(1) << (depth - 1))
		for i, v := range buf.Data {
			samples[i] = float64(v) / scale
		}
	}
	return Clip{Samples: samples, SampleRate: rate, Channels: channels}, nil
}

func decodePCM16(data []byte, rate, channels int) (Clip, error) {
	if rate <= 0 {
		return Clip{}, fmt.Errorf("pcm input requires a sample rate: %w", ErrUnsupportedFormat)
	}
	if channels <= 0 {
		channels = 1
	}
	if len(data)%(2*channels) != 0 {
		return Clip{}, fmt.Errorf("pcm payload not aligned to %d channel frames: %w", channels, ErrUnsupportedFormat)
	}
	samples := make([]float64, len(data)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return Clip{Samples: samples, SampleRate: rate, Channels: channels}, nil
}

// EncodePCM16 converts mono float samples to little-endian 16-bit PCM.
func EncodePCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}
