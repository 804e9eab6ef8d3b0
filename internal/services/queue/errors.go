package queue

import "errors"

var (
	// ErrReservationMismatch means a worker acknowledged or requeued an id it
	// never reserved. This is a programming error in the embedding code, not
	// a recoverable protocol state.
	ErrReservationMismatch = errors.New("executable was not reserved by this worker")

	// ErrQueueExpired means the build's keys outlived their TTL window and
	// the queue must reject further operations.
	ErrQueueExpired = errors.New("queue TTL expired")

	// ErrMasterLost means this worker was master but a follower took over
	// during setup; the aborted commit must not be retried.
	ErrMasterLost = errors.New("lost master role during setup")

	// ErrMasterTimeout means no master published the queue within the
	// configured init window.
	ErrMasterTimeout = errors.New("master did not become ready in time")
)
