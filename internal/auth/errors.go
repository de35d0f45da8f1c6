package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrForbidden    = errors.New("auth: forbidden")

	ErrUnauthenticated    = errors.New("auth: not authenticated")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrTokenWrongType     = errors.New("auth: wrong token type")
	ErrTokenRevoked       = errors.New("auth: token revoked")
)

// IsUnauthenticated reports whether err means the caller could not be
// identified, as opposed to an infrastructure failure.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenWrongType) ||
		errors.Is(err, ErrTokenRevoked)
}
