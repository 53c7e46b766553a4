package runtime

import "github.com/pkg/errors"

var (
	ErrRuntime    = errors.New("runtime error")
	ErrEmptyIndex = errors.New("empty image index")
)
