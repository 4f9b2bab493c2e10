package imessage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDownloadFailed     = errors.New("failed to download file transfer")
	ErrTimeout            = errors.New("timed out")
	ErrUpstreamResolution = errors.New("failed to resolve item from persistence layer")
	ErrClosed             = errors.New("component closed")
)

// TransferWaitError is returned by transfer waits. It always wraps one of the
// sentinel errors above so callers can use errors.Is.
type TransferWaitError struct {
	GUID        string
	Code        int
	Description string
	Err         error
}

func (e *TransferWaitError) Error() string {
	switch {
	case errors.Is(e.Err, ErrNotFound):
		return fmt.Sprintf("unknown transfer with ID %s", e.GUID)
	case e.Description != "":
		return fmt.Sprintf("%s %s: %s", e.Err.Error(), e.GUID, e.Description)
	default:
		return fmt.Sprintf("%s %s", e.Err.Error(), e.GUID)
	}
}

func (e *TransferWaitError) Unwrap() error {
	return e.Err
}

// DownloadFailedError builds the error for a transfer that ended in an error
// state.
func DownloadFailedError(rec *TransferRecord) error {
	return &TransferWaitError{
		GUID:        rec.GUID,
		Code:        rec.ErrorCode,
		Description: rec.FailureDescription(),
		Err:         ErrDownloadFailed,
	}
}

// TransferNotFoundError builds the error for an unknown transfer GUID.
func TransferNotFoundError(guid string) error {
	return &TransferWaitError{GUID: guid, Err: ErrNotFound}
}

// TransferTimeoutError builds the error for a wait that exceeded its bound.
func TransferTimeoutError(guid string) error {
	return &TransferWaitError{GUID: guid, Err: ErrTimeout}
}
