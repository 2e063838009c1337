package pipeline

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/features"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/fusion"
	"github.com/loqalabs/loqa-speech/internal/model"
)

// Error codes shared by every surface.
const (
	CodeOverloaded        = "overloaded"
	CodeUnsupportedFormat = "unsupported_format"
	CodeTooLarge          = "too_large"
	CodeTooLong           = "too_long"
	CodeInvalidThreshold  = "invalid_threshold"
	CodeUnknownCategory   = "unknown_category"
	CodeModelNotLoaded    = "model_not_loaded"
	CodeDeviceUnavailable = "device_unavailable"
	CodeStreamUnavailable = "stream_unavailable"
	CodeDimensionMismatch = "dimension_mismatch"
	CodeInference         = "inference_failed"
	CodeBatchTooLarge     = "batch_too_large"
	CodeCanceled          = "canceled"
	CodeTimeout           = "timeout"
	CodeInternal          = "internal"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrOverloaded, CodeOverloaded},
	{ErrBatchTooLarge, CodeBatchTooLarge},
	{audio.ErrUnsupportedFormat, CodeUnsupportedFormat},
	{audio.ErrTooLarge, CodeTooLarge},
	{audio.ErrTooLong, CodeTooLong},
	{feedback.ErrInvalidThreshold, CodeInvalidThreshold},
	{feedback.ErrUnknownCategory, CodeUnknownCategory},
	{model.ErrModelNotLoaded, CodeModelNotLoaded},
	{model.ErrDeviceUnavailable, CodeDeviceUnavailable},
	{features.ErrStreamUnavailable, CodeStreamUnavailable},
	{fusion.ErrDimensionMismatch, CodeDimensionMismatch},
	{model.ErrInference, CodeInference},
	{context.DeadlineExceeded, CodeTimeout},
	{context.Canceled, CodeCanceled},
}

// ErrorCode classifies err into a stable machine-readable code.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
