package stage

import "errors"

var (
	ErrCommandFailed = errors.New("command failed")
	ErrUnsafePath    = errors.New("path escapes the workspace")
)
