package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the caption pipeline. Callers match them with
// errors.Is after any amount of %w wrapping.
var (
	// ErrVideoNotFound means the input path does not exist. Caller error,
	// never retried.
	ErrVideoNotFound = errors.New("video not found")

	// ErrDecode means the file exists but is corrupt, empty, or carries no
	// video stream. Caption generation is aborted for this video.
	ErrDecode = errors.New("video decode failed")

	// ErrModelLoad means the model weight files are absent or unreadable.
	// Environment error: fatal for the request, not for the process.
	ErrModelLoad = errors.New("model load failed")
)

func VideoNotFoundError(path string) error {
	return fmt.Errorf("%w: %s", ErrVideoNotFound, path)
}

func DecodeError(path string, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrDecode, path, reason)
}

func ModelLoadError(detail string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelLoad, detail, err)
	}
	return fmt.Errorf("%w: %s", ErrModelLoad, detail)
}
