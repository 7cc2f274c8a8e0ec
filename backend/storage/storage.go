package storage

import (
	"errors"
)

var (
	ErrCallNotFound = errors.New("call is not found")
	ErrCallExists   = errors.New("call already exists")
)
