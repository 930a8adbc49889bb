package cryptoadapter

import "errors"

var (
	// ErrBadPickleKey is returned when a pickle cannot be decrypted with the
	// supplied passphrase, either because the key is wrong or the pickle was
	// corrupted.
	ErrBadPickleKey = errors.New("cryptoadapter: bad pickle key or corrupted pickle")

	// ErrBadSignature is returned by VerifySignature when a signature does
	// not match.
	ErrBadSignature = errors.New("cryptoadapter: signature verification failed")

	// ErrUnsupportedAlgorithm is returned when a wire message names an
	// algorithm this adapter does not implement.
	ErrUnsupportedAlgorithm = errors.New("cryptoadapter: unsupported algorithm")
)
