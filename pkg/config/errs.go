package config

import "github.com/pkg/errors"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")
