package envvault

import "errors"

// Authentication and handshake errors.
var (
	// errAuthRequired indicates no local credential exists.
	errAuthRequired = errors.New("not authenticated; run `envvault login`")

	// errHandshakeFailed indicates the OAuth flow completed with a bad callback.
	errHandshakeFailed = errors.New("authentication failed")

	// errHandshakeTimeout indicates no callback arrived in time.
	errHandshakeTimeout = errors.New("authentication timed out - please try again")
)

// Remote call errors, mapped from server responses.
var (
	// errPermissionDenied indicates the caller lacks push access to the repository.
	errPermissionDenied = errors.New("you do not have push access to this repository")

	// errNotFound indicates the repository or env record does not exist.
	errNotFound = errors.New("not found")

	// errValidation indicates bad or missing input.
	errValidation = errors.New("invalid request")

	// errTransport indicates the remote service could not be reached.
	errTransport = errors.New("could not reach the envvault backend")
)

// Local file and crypto errors.
var (
	// errFileNotFound indicates the env file to push does not exist.
	errFileNotFound = errors.New("file not found")

	// errDecryptFailed indicates a wrong key or corrupted ciphertext. It is
	// deliberately distinct from errNotFound so a bad key never reads as an
	// absent record.
	errDecryptFailed = errors.New("decryption failed - invalid key or corrupted data")
)
