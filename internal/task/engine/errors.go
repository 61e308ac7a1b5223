package engine

import "errors"

var (
	ErrAlreadyStarted = errors.New("task queue already started")
	ErrNotStarted     = errors.New("task queue not started")
	ErrStopping       = errors.New("task queue stopping")
	ErrRecurringTask  = errors.New("recurring tasks schedule themselves")
	ErrUnknownKind    = errors.New("task kind not registered")
	ErrNotRunning     = errors.New("task queue handle not set")
)
