package template

import "github.com/pkg/errors"

var (
	ErrMissingParam = errors.New("missing required parameter")
	ErrUnknownParam = errors.New("unknown parameter")
	ErrRender       = errors.New("template render failed")
)
