package jobstream

import "errors"

var (
	// ErrNoSource is returned by New when no notification source is given.
	ErrNoSource = errors.New("jobstream: no notification source configured")

	// ErrAlreadyStarted is returned by Start on a running relay.
	ErrAlreadyStarted = errors.New("jobstream: relay already started")

	// ErrNotStarted is returned by Stop on a relay that never started.
	ErrNotStarted = errors.New("jobstream: relay not started")
)
