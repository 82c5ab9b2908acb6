package oauth

import "errors"

// Error values double as RFC 6749 error codes.
var (
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidClient        = errors.New("invalid_client")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	ErrInvalidScope         = errors.New("invalid_scope")
	ErrInvalidToken         = errors.New("invalid_token")
	ErrInsufficientScope    = errors.New("insufficient_scope")
)
