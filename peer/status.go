package peer

import "strings"

// Status is the bit set describing where a record is in its lifecycle.
type Status uint8

const (
	// StatusProven marks a record that connected at least once.
	StatusProven Status = 1 << iota
	// StatusReconnect marks a record that should be re-dialed after it disconnects.
	StatusReconnect
	// StatusBanned marks a record that must never be scheduled again.
	StatusBanned
	// StatusActive marks a record that the scheduler popped and still holds.
	StatusActive
	// StatusTried marks a record that the scheduler popped at least once.
	StatusTried
	// StatusFirewalled marks a record not yet reached over the reliable transport.
	StatusFirewalled
)

const (
	// StatusBannedOrActive excludes a record from scheduling.
	StatusBannedOrActive = StatusBanned | StatusActive
	// StatusActiveOrTried is set together when the scheduler pops a record.
	StatusActiveOrTried = StatusActive | StatusTried
)

// Has reports whether any of the given flags are set.
func (s Status) Has(flags Status) bool {
	return s&flags != 0
}

// BannedOrActive reports whether the record is banned or currently held by the scheduler.
func (s Status) BannedOrActive() bool {
	return s.Has(StatusBannedOrActive)
}

// ActiveOrTried reports whether the record was ever popped by the scheduler.
func (s Status) ActiveOrTried() bool {
	return s.Has(StatusActiveOrTried)
}

var statusNames = []struct {
	flag Status
	name string
}{
	{StatusProven, "proven"},
	{StatusReconnect, "reconnect"},
	{StatusBanned, "banned"},
	{StatusActive, "active"},
	{StatusTried, "tried"},
	{StatusFirewalled, "firewalled"},
}

// String returns the set flags joined by "|", for logging.
func (s Status) String() string {
	if s == 0 {
		return "none"
	}
	parts := make([]string, 0, len(statusNames))
	for _, n := range statusNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
