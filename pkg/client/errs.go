package client

import "github.com/pkg/errors"

// ErrMalformed indicates a reply that does not follow the line protocol.
var ErrMalformed = errors.New("client: malformed reply")
