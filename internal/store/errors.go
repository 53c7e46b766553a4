package store

import "github.com/pkg/errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalid           = errors.New("invalid record")
	ErrInvalidTransition = errors.New("invalid build status transition")
	ErrReferenced        = errors.New("record referenced by active builds")
	ErrUnknownKind       = errors.New("unknown template kind")
	ErrUnknownSourceType = errors.New("unknown source type")
)
