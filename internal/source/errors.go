package source

import "github.com/pkg/errors"

var (
	ErrStage    = errors.New("staging failed")
	ErrArchive  = errors.New("archive failed")
	ErrChecksum = errors.New("checksum failed")
)
