package peer

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// MaxRetries is the number of consecutive failures after which a record is
// no longer requeued for another attempt.
const MaxRetries = 3

var (
	// ErrBanned is the reason recorded when a record is hard banned.
	ErrBanned = errors.New("peer was banned")
	// ErrSelfConnection is the reason recorded when a record turned out to be ourselves.
	ErrSelfConnection = errors.New("connected to self")
)

// Transport names the transport a record is reachable over.
type Transport uint8

const (
	// TransportTCP is the reliable transport.
	TransportTCP Transport = iota
	// TransportQUIC is the hole-punchable UDP transport.
	TransportQUIC
)

// String returns "tcp" or "quic".
func (t Transport) String() string {
	if t == TransportQUIC {
		return "quic"
	}
	return "tcp"
}

// Stream is the live connection a record owns while connected.
type Stream interface {
	// End gracefully half-closes the stream and releases it once the remote side finishes.
	End() error
	// Close aborts the stream.
	Close() error
	// Closed reports whether the stream has been closed.
	Closed() bool
}

// Owner is notified when a record disconnects so it can release registrations
// held on the record's behalf.
type Owner interface {
	Disconnected(r *Record)
}

// Record is the state machine of one candidate or accepted connection.
type Record struct {
	candidate *Candidate
	owner     Owner

	priority Priority
	status   Status
	retries  int

	client    bool
	stream    Stream
	duplicate bool
	topics    []Topic
	dedup     string

	onTopic     []func(Topic)
	onClose     []func()
	onDuplicate []func()
}

// New creates a record for an outbound candidate.
func New(c Candidate, owner Owner) *Record {
	r := &Record{
		candidate: &c,
		owner:     owner,
		status:    StatusReconnect | StatusFirewalled,
		client:    true,
	}

	switch {
	case c.Local:
		r.priority = PriorityLow
	case c.Referrer != nil && c.Referrer.Host == c.Host:
		// same-NAT hint
		r.priority = PriorityHigh
	default:
		r.priority = PriorityMedium
	}

	if r.priority == PriorityHigh {
		r.retries = MaxRetries
	}

	return r
}

// NewInbound creates a record for an accepted connection.
func NewInbound(owner Owner) *Record {
	return &Record{
		owner:    owner,
		priority: PriorityLow,
		status:   StatusReconnect | StatusFirewalled,
	}
}

// Candidate returns the candidate the record was created from. Inbound records
// have none.
func (r *Record) Candidate() (Candidate, bool) {
	if r.candidate == nil {
		return Candidate{}, false
	}
	return *r.candidate, true
}

// Priority returns the current scheduling priority.
func (r *Record) Priority() Priority { return r.priority }

// Status returns the current status bit set.
func (r *Record) Status() Status { return r.status }

// Retries returns the consecutive failure counter.
func (r *Record) Retries() int { return r.retries }

// Client reports whether the record is a locally initiated candidate.
func (r *Record) Client() bool { return r.client }

// Stream returns the live stream, or nil when disconnected.
func (r *Record) Stream() Stream { return r.stream }

// Duplicate reports whether the record lost a deduplication race.
func (r *Record) Duplicate() bool { return r.duplicate }

// Dedup returns the deduplication pair key, empty until a handshake assigns one.
func (r *Record) Dedup() string { return r.dedup }

// Topics returns the topics attached since the last disconnect.
func (r *Record) Topics() []Topic {
	out := make([]Topic, len(r.topics))
	copy(out, r.topics)
	return out
}

// Prioritised reports whether the record's priority counts towards flush accounting.
func (r *Record) Prioritised() bool { return r.priority.Prioritised() }

// Firewalled reports whether the record was never reached over the reliable transport.
func (r *Record) Firewalled() bool { return r.status.Has(StatusFirewalled) }

// Banned reports whether the record is banned.
func (r *Record) Banned() bool { return r.status.Has(StatusBanned) }

// Type returns the transport the record is reachable over.
func (r *Record) Type() Transport {
	if r.Firewalled() {
		return TransportQUIC
	}
	return TransportTCP
}

// SetDedup assigns the deduplication pair key. The first key assigned is kept.
func (r *Record) SetDedup(key string) {
	if r.dedup == "" {
		r.dedup = key
	}
}

// MarkDuplicate flags the record as the loser of a deduplication race and
// notifies OnDuplicate listeners.
func (r *Record) MarkDuplicate() {
	r.duplicate = true
	for _, fn := range r.onDuplicate {
		fn()
	}
}

// OnTopic registers a listener called for every topic attached until the next disconnect.
func (r *Record) OnTopic(fn func(Topic)) {
	r.onTopic = append(r.onTopic, fn)
}

// OnClose registers a listener called once on the next disconnect.
func (r *Record) OnClose(fn func()) {
	r.onClose = append(r.onClose, fn)
}

// OnDuplicate registers a listener called when the record loses deduplication.
func (r *Record) OnDuplicate(fn func()) {
	r.onDuplicate = append(r.onDuplicate, fn)
}

// Topic attaches a topic to the record.
func (r *Record) Topic(t Topic) {
	if t.IsZero() {
		return
	}
	r.topics = append(r.topics, t)
	for _, fn := range r.onTopic {
		fn(t)
	}
}

// Reconnect sets or clears StatusReconnect.
func (r *Record) Reconnect(enabled bool) {
	if enabled {
		r.status |= StatusReconnect
	} else {
		r.status &^= StatusReconnect
	}
}

// Active marks the record as popped by the scheduler, which also marks it
// tried, or releases it by clearing only StatusActive.
func (r *Record) Active(active bool) {
	if active {
		r.status |= StatusActiveOrTried
	} else {
		r.status &^= StatusActive
	}
}

// Update recomputes schedulability and priority. It returns false when the
// record must stay out of the live queue.
func (r *Record) Update() bool {
	if r.status.BannedOrActive() {
		return false
	}
	if r.retries > MaxRetries {
		return false
	}

	r.priority = r.prioritise()
	return true
}

// Requeue returns the backoff tier for the next attempt, or -1 when the record
// should be dropped. Every call made on behalf of a failure counts one retry.
func (r *Record) Requeue() int {
	if r.status.Has(StatusBanned) {
		return -1
	}
	if !r.status.Has(StatusReconnect) {
		return -1
	}
	if r.retries >= MaxRetries {
		r.retries++
		return -1
	}

	tier := r.retries
	r.retries++
	return tier
}

// Backoff requests a delayed retry for an outbound record. It returns false
// when the record is no longer retryable. Inbound records are left untouched.
func (r *Record) Backoff() bool {
	if !r.client {
		return false
	}

	r.Requeue()

	if r.status.Has(StatusBanned) {
		return false
	}
	if r.retries > MaxRetries {
		return false
	}

	r.priority = r.prioritise()
	return true
}

// Connected records a successful connection over the given stream.
func (r *Record) Connected(s Stream, reliable bool) {
	if reliable {
		r.status &^= StatusFirewalled
	}

	r.status |= StatusProven
	r.stream = s
	r.retries = 0

	// banned while the attempt was in flight
	if r.status.Has(StatusBanned) {
		r.Ban(false)
	}
}

// Disconnected clears the stream and topics, fires and detaches close
// listeners and tells the owner to release this record's registrations.
func (r *Record) Disconnected() {
	r.stream = nil
	r.topics = nil
	r.onTopic = nil

	hooks := r.onClose
	r.onClose = nil
	for _, fn := range hooks {
		fn()
	}

	if r.owner != nil {
		r.owner.Disconnected(r)
	}
}

// Ban bans the record. A soft ban ends the stream gracefully and keeps the
// record around for a later forget or un-ban; a hard ban destroys it.
func (r *Record) Ban(soft bool) {
	if !soft {
		r.Destroy(ErrBanned)
		return
	}

	r.status |= StatusBanned
	if r.stream != nil && !r.stream.Closed() {
		if err := r.stream.End(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Ban",
				"error":    err.Error(),
			}).Debug("Failed to end stream")
		}
	}
	r.Disconnected()
}

// Destroy bans the record and aborts its stream.
func (r *Record) Destroy(reason error) {
	r.status |= StatusBanned

	if r.stream != nil && !r.stream.Closed() {
		fields := logrus.Fields{"function": "Destroy"}
		if r.candidate != nil {
			fields["peer"] = r.candidate.Addr()
		}
		if reason != nil {
			fields["reason"] = reason.Error()
		}
		logrus.WithFields(fields).Debug("Destroying peer stream")
		_ = r.stream.Close()
	}
	r.Disconnected()
}

func (r *Record) prioritise() Priority {
	if r.status.Has(StatusTried) && !r.status.Has(StatusProven) {
		return PriorityNotApplicable
	}

	switch r.retries {
	case 3:
		return PriorityHigh
	case 2:
		return PriorityVeryLow
	case 1:
		return PriorityNone
	}

	if r.candidate != nil && r.candidate.Local {
		return PriorityLow
	}
	return PriorityMedium
}
