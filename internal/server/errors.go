package server

import "errors"

var (
	ErrServer      = errors.New("server error")
	ErrBadRequest  = errors.New("malformed request")
	ErrUnsupported = errors.New("unsupported address")
)
