package trigger

import "errors"

var (
	ErrShuttingDown = errors.New("service is shutting down")
	ErrCancelled    = errors.New("cancelled by request")
)
