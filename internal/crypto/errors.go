package crypto

import "errors"

// Sentinel errors for the crypto channel (C2), mapped 1:1 to the wire
// error codes of §4.2. Session supervisors translate these into the
// wire.ErrorCode enumeration; this package stays transport-agnostic.
var (
	ErrDecryptionFailed      = errors.New("DECRYPTION_FAILED")
	ErrInvalidSignature      = errors.New("INVALID_SIGNATURE")
	ErrSessionKeyNotFound    = errors.New("SESSION_KEY_NOT_FOUND")
	ErrInvalidNonceSize      = errors.New("INVALID_NONCE_SIZE")
	ErrInvalidHexEncoding    = errors.New("INVALID_HEX_ENCODING")
	ErrEncryptionNotSupported = errors.New("ENCRYPTION_NOT_SUPPORTED")
)
