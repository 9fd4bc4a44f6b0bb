package theseus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Every error returned by this package wraps exactly one of these,
// so callers can branch with errors.Is.
var (
	ErrConfig             = errors.New("config error")
	ErrShape              = errors.New("shape error")
	ErrEmptyDataset       = errors.New("empty dataset")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrDevice             = errors.New("device error")
	ErrCorruptCheckpoint  = errors.New("corrupt checkpoint")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrConfig, "ConfigError"},
	{ErrShape, "ShapeError"},
	{ErrEmptyDataset, "EmptyDatasetError"},
	{ErrCheckpointNotFound, "CheckpointNotFoundError"},
	{ErrDevice, "DeviceError"},
	{ErrCorruptCheckpoint, "CorruptCheckpointError"},
}

// ErrorKind names the kind of err, or "Error" if it wraps none of the package sentinels.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Error"
}

// kindf wraps a sentinel with a formatted message and a stack trace.
func kindf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// PhaseError reports which orchestrator phase failed.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed (%s): %v", e.Phase, ErrorKind(e.Err), e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
