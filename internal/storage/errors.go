package storage

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrRunFinished = errors.New("job run already finished")
)
