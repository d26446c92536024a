package config

import "errors"

var (
	ErrInvalid = errors.New("invalid configuration")
	ErrLoad    = errors.New("failed to load configuration")
)
