package task

// allowedTransitions is the single source of transition truth. No call
// site may duplicate this table with ad hoc status comparisons.
//
// DONE has no outgoing edges while CANCELLED may return to TODO: cancelled
// work can be retried, but completed work is never un-done automatically.
// That asymmetry is deliberate.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusTodo: {
		StatusInProgress: {},
		StatusCancelled:  {},
	},
	StatusInProgress: {
		StatusReview:    {},
		StatusCancelled: {},
	},
	StatusReview: {
		StatusDone:       {},
		StatusInProgress: {},
		StatusCancelled:  {},
	},
	StatusCancelled: {
		StatusTodo: {}, // retry
	},
}

// IsValidTransition reports whether a task currently in current may move
// to requested. Requesting the current status is an idempotent no-op and
// is always valid.
func IsValidTransition(current, requested Status) bool {
	if current == requested {
		return true
	}
	next, ok := allowedTransitions[current]
	if !ok {
		return false
	}
	_, ok = next[requested]
	return ok
}
