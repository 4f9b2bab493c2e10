package imessage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TransferState is the lifecycle state of a file transfer.
type TransferState int

const (
	TransferArchiving        TransferState = -1
	TransferWaitingForAccept TransferState = 0
	TransferAccepted         TransferState = 1
	TransferPreparing        TransferState = 2
	TransferTransferring     TransferState = 3
	TransferFinalizing       TransferState = 4
	TransferFinished         TransferState = 5
	TransferError            TransferState = 6
	TransferRecoverableError TransferState = 7
	TransferUnknown          TransferState = 8
)

// ParseTransferState converts the raw daemon value, mapping anything out of
// range to TransferUnknown.
func ParseTransferState(raw int) TransferState {
	if raw < int(TransferArchiving) || raw > int(TransferRecoverableError) {
		return TransferUnknown
	}
	return TransferState(raw)
}

func (s TransferState) String() string {
	switch s {
	case TransferArchiving:
		return "archiving"
	case TransferWaitingForAccept:
		return "waitingForAccept"
	case TransferAccepted:
		return "accepted"
	case TransferPreparing:
		return "preparing"
	case TransferTransferring:
		return "transferring"
	case TransferFinalizing:
		return "finalizing"
	case TransferFinished:
		return "finished"
	case TransferError:
		return "error"
	case TransferRecoverableError:
		return "recoverableError"
	default:
		return "unknown"
	}
}

// IsError reports whether the state is one of the two error states.
func (s TransferState) IsError() bool {
	return s == TransferError || s == TransferRecoverableError
}

func (s *TransferState) UnmarshalJSON(data []byte) error {
	var raw int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid transfer state %s: %w", data, err)
	}
	*s = ParseTransferState(raw)
	return nil
}

// transferErrorFileExists is the transfer error the daemon reports for
// attachments that are present and usable.
const transferErrorFileExists = 24

// SandboxPrefix is where the daemon stages files before moving them into the
// attachments folder.
const SandboxPrefix = "/var/folders"

// TransferRecord is a snapshot of a file transfer.
type TransferRecord struct {
	GUID                string        `json:"guid"`
	MessageGUID         string        `json:"message_guid,omitempty"`
	State               TransferState `json:"state"`
	IsIncoming          bool          `json:"is_incoming"`
	IsFinished          bool          `json:"is_finished"`
	ExistsAtLocalPath   bool          `json:"exists_at_local_path"`
	InSandboxedLocation bool          `json:"in_sandboxed_location"`
	LocalPath           string        `json:"local_path,omitempty"`
	CanAutoDownload     bool          `json:"can_auto_download"`
	TotalBytes          int64         `json:"total_bytes"`
	ErrorCode           int           `json:"error,omitempty"`
	ErrorDescription    string        `json:"error_description,omitempty"`
}

// InSandbox reports whether the backing file is still in the temporary
// staging area, either per the daemon's flag or the local path.
func (t *TransferRecord) InSandbox() bool {
	return t.InSandboxedLocation || strings.HasPrefix(t.LocalPath, SandboxPrefix)
}

// IsTrulyFinished reports whether the transfer finished and its file was
// moved out of the sandbox.
func (t *TransferRecord) IsTrulyFinished() bool {
	return t.IsFinished && t.ExistsAtLocalPath && !t.InSandbox()
}

// ActualState is State with the error 24 quirk applied: the daemon reports
// error 24 for files that are present and usable.
func (t *TransferRecord) ActualState() TransferState {
	if t.State == TransferError && t.ErrorCode == transferErrorFileExists && t.ExistsAtLocalPath {
		return TransferFinished
	}
	return t.State
}

// NeedsUnpurging reports whether the transfer was evicted and can be
// downloaded again automatically within the size limit.
func (t *TransferRecord) NeedsUnpurging(maxBytes int64) bool {
	return t.State == TransferWaitingForAccept && t.CanAutoDownload && t.TotalBytes <= maxBytes
}

// FailureDescription is the human readable reason for a failed transfer.
func (t *TransferRecord) FailureDescription() string {
	if t.ErrorDescription != "" {
		return t.ErrorDescription
	}
	return fmt.Sprintf("transfer error %d", t.ErrorCode)
}
