// internal/upload/errors.go
package upload

import "errors"

// ErrUploadInProgress rejects an upload while another one runs
var ErrUploadInProgress = errors.New("an upload is already in progress")

// AbortError reports an upload that stopped after bytes may already have
// reached the device. The board can be left in raw mode with a partial
// program buffered; nothing is rolled back.
type AbortError struct {
	Phase Phase
	Err   error
}

func (e *AbortError) Error() string {
	return "Upload failed: " + e.Err.Error()
}

func (e *AbortError) Unwrap() error {
	return e.Err
}
