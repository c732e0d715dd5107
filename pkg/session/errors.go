package session

import "errors"

// Sentinel errors for the failure modes components can surface. Callers
// match with errors.Is; wrapped context is added at each layer with
// fmt.Errorf("...: %w", err).
var (
	// ErrPermissionDenied means camera or microphone access was refused
	// by the user or platform.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceNotFound means the requested device ID is not present in
	// the latest enumeration.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrHardwareError means acquisition succeeded but the track ended
	// unexpectedly, or the hardware refused to open.
	ErrHardwareError = errors.New("media hardware error")

	// ErrUnsupportedFormat means no encoder supports any candidate
	// recording format.
	ErrUnsupportedFormat = errors.New("no supported recording format")

	// ErrUnauthorized means the access credential was rejected or has
	// expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNetwork is a transient transport failure, eligible for retry.
	ErrNetwork = errors.New("network error")

	// ErrCryptoFailure means an encrypt or decrypt operation failed.
	// Cryptographic operations fail closed: this error is always
	// surfaced, never swallowed, and plaintext is never passed through.
	ErrCryptoFailure = errors.New("cryptographic failure")
)

// failureReasonFor classifies an error into the coarse reason carried by
// the failed state.
func failureReasonFor(err error) FailureReason {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrPermissionDenied):
		return FailurePermission
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrUnauthorized):
		return FailureNetwork
	default:
		return FailureOther
	}
}
