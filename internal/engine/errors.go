package engine

import "github.com/pkg/errors"

var (
	ErrUnknownEngine = errors.New("unknown engine")
	ErrEngine        = errors.New("engine failed")
)
