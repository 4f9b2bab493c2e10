package imessage

import (
	"encoding/json"
	"strconv"
)

// ErrorCode is the daemon's message failure code.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorUnknown
	ErrorCancelled
	ErrorTimeout
	ErrorSendFailed
	ErrorInternalFailure
	ErrorNetworkFailure
	ErrorNetworkLookupFailure
	ErrorNetworkConnectionFailure
	ErrorNoNetworkFailure
	ErrorNetworkBusyFailure
	ErrorNetworkDeniedFailure
	ErrorServerSignatureError
	ErrorServerDecodeError
	ErrorServerParseError
	ErrorServerInternalError
	ErrorServerInvalidRequestError
	ErrorServerMalformedRequestError
	ErrorServerUnknownRequestError
	ErrorServerInvalidTokenError
	ErrorServerRejectedError
	ErrorRemoteUserInvalid
	ErrorRemoteUserDoesNotExist
	ErrorRemoteUserIncompatible
	ErrorRemoteUserRejected
	ErrorTranscodingFailure
	ErrorEncryptionFailure
	ErrorDecryptionFailure
	ErrorOTREncryptionFailure
	ErrorOTRDecryptionFailure
	ErrorLocalAccountDisabled
	ErrorLocalAccountDoesNotExist
	ErrorLocalAccountNeedsUpdate
	ErrorLocalAccountInvalid
	ErrorAttachmentUploadFailure
	ErrorAttachmentDownloadFailure
	ErrorMessageAttachmentUploadFailure
	ErrorMessageAttachmentDownloadFailure
	ErrorSystemNeedsUpdate
	ErrorServiceCrashed
	ErrorInvalidLocalCredentials
	ErrorAttachmentDownloadFailureFileNotFound
)

var errorCodeNames = [...]string{
	"noError",
	"unknownError",
	"cancelled",
	"timeout",
	"sendFailed",
	"internalFailure",
	"networkFailure",
	"networkLookupFailure",
	"networkConnectionFailure",
	"noNetworkFailure",
	"networkBusyFailure",
	"networkDeniedFailure",
	"serverSignatureError",
	"serverDecodeError",
	"serverParseError",
	"serverInternalError",
	"serverInvalidRequestError",
	"serverMalformedRequestError",
	"serverUnknownRequestError",
	"serverInvalidTokenError",
	"serverRejectedError",
	"remoteUserInvalid",
	"remoteUserDoesNotExist",
	"remoteUserIncompatible",
	"remoteUserRejected",
	"transcodingFailure",
	"encryptionFailure",
	"decryptionFailure",
	"otrEncryptionFailure",
	"otrDecryptionFailure",
	"localAccountDisabled",
	"localAccountDoesNotExist",
	"localAccountNeedsUpdate",
	"localAccountInvalid",
	"attachmentUploadFailure",
	"attachmentDownloadFailure",
	"messageAttachmentUploadFailure",
	"messageAttachmentDownloadFailure",
	"systemNeedsUpdate",
	"serviceCrashed",
	"invalidLocalCredentials",
	"attachmentDownloadFailureFileNotFound",
}

// Known reports whether the code is one of the documented failure codes.
func (c ErrorCode) Known() bool {
	return c >= 0 && int(c) < len(errorCodeNames)
}

// Normalize maps undocumented codes to ErrorUnknown.
func (c ErrorCode) Normalize() ErrorCode {
	if !c.Known() {
		return ErrorUnknown
	}
	return c
}

func (c ErrorCode) String() string {
	return errorCodeNames[c.Normalize()]
}

// MarshalJSON encodes the code by name, which is what the bridge expects
// in failure payloads.
func (c ErrorCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		for i, known := range errorCodeNames {
			if known == name {
				*c = ErrorCode(i)
				return nil
			}
		}
		*c = ErrorUnknown
		return nil
	}
	num, err := strconv.Atoi(string(data))
	if err != nil {
		return err
	}
	*c = ErrorCode(num).Normalize()
	return nil
}
