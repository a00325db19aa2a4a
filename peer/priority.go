package peer

// Priority orders scheduling. Lower values are drawn first.
type Priority uint8

const (
	// PriorityHigh is for same-NAT candidates and records that retried three times.
	PriorityHigh Priority = iota
	// PriorityMedium is for fresh candidates that are not local.
	PriorityMedium
	// PriorityLow is for fresh candidates discovered on the same host.
	PriorityLow
	// PriorityVeryLow is for records that retried twice.
	PriorityVeryLow
	// PriorityNone is for records that retried once.
	PriorityNone
	// PriorityNotApplicable is assigned to records that must not be scheduled.
	PriorityNotApplicable
)

// NumPriorities is the number of schedulable priority levels.
const NumPriorities = int(PriorityNotApplicable)

// Prioritised reports whether the priority counts towards flush accounting.
func (p Priority) Prioritised() bool {
	return p <= PriorityMedium
}

// Schedulable reports whether a record with this priority may enter the live queue.
func (p Priority) Schedulable() bool {
	return p < PriorityNotApplicable
}

// String returns a lowercase name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityVeryLow:
		return "very_low"
	case PriorityNone:
		return "none"
	case PriorityNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}
