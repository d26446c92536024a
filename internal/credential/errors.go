package credential

import "errors"

var (
	ErrInvalidRef = errors.New("invalid credential reference")
	ErrMalformed  = errors.New("malformed credential")
)
