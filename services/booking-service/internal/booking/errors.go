package booking

import "errors"

var (
	ErrMissingFields    = errors.New("missing required fields")
	ErrSlotNotFound     = errors.New("slot not found")
	ErrSlotUnavailable  = errors.New("slot is not available")
	ErrSlotMismatch     = errors.New("slot/provider/service mismatch")
	ErrInvalidTimeRange = errors.New("invalid slot time range")
	ErrNotFound         = errors.New("booking not found")
	ErrForbidden        = errors.New("not allowed")
	ErrNotCancelable    = errors.New("booking is not cancelable")
	ErrDeadlinePassed   = errors.New("cancel deadline passed")
	ErrNotCompletable   = errors.New("booking is not completable")
	ErrInvalidOutcome   = errors.New("outcome must be show or no_show")

	ErrInvalidIdempotencyKey = errors.New("idempotency key too long")

	ErrServiceNotFound = errors.New("service not found")
	ErrInvalidService  = errors.New("invalid service")
)
