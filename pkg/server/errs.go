package server

import "github.com/pkg/errors"

// ErrEmptyName is returned by Listen for an empty socket name.
var ErrEmptyName = errors.New("server: empty socket name")
