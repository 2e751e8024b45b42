package consts

import "errors"

// Protocol errors
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Store errors
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrRecipientNotFound    = errors.New("recipient not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMessageNotFound      = errors.New("message not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrStoreClosed          = errors.New("store closed")

	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrSnapshotChecksum = errors.New("snapshot checksum mismatch")
)
