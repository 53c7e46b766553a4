package orchestrator

import "github.com/pkg/errors"

var (
	// The bounded build queue has no room for another submission.
	ErrQueueFull = errors.New("build queue is full")

	// The requested engine cannot run templates of the given kind.
	ErrEngineMismatch = errors.New("engine cannot run this template kind")
)
