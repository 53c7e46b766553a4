// Package orchestrator schedules builds from submission to completion.
//
// Submissions are validated against the metadata store, persisted as
// pending builds, and queued for a fixed pool of workers. Each worker
// claims a build through a pending-to-running status swap, stages the
// package source, renders the build template, and invokes the build's
// engine. Terminal status, artifact path, and artifact checksum are
// recorded back in the store; script output is persisted line by line as
// the build log.
//
// Cancellation is status-driven: a pending build flips straight to
// canceled, a running build has its context canceled and the worker
// records the outcome. On startup, builds left running by a previous
// daemon are marked failed and pending ones are requeued.
package orchestrator
