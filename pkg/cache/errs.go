package cache

import "github.com/pkg/errors"

var (
	// ErrBadHeader indicates a cache file whose magic, version or geometry is
	// not recognised. Such a file must not be interpreted.
	ErrBadHeader = errors.New("cache: unrecognised header")

	// ErrLocked indicates that another writer holds the cache file.
	ErrLocked = errors.New("cache: file is locked by another writer")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("cache: closed")
)
