// Package queue implements the connection queue: a deduplicating registry of
// peer records with a priority-bucketed draw structure and batching backoff
// and forget timers.
//
// A Queue is not safe for concurrent use. It is owned by one event loop and
// every method must be called from it. Timer fires are delivered through the
// post function given to New.
package queue

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cellswarm/metrics"
	"github.com/opd-ai/cellswarm/peer"
)

// ErrDuplicate is the reason recorded when a record is destroyed as a
// connection to ourselves.
var ErrDuplicate = errors.New("duplicate connection")

// Default timer delays.
var (
	DefaultBackoff            = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	DefaultForgetUnresponsive = 7500 * time.Millisecond
)

// Config configures a Queue.
type Config struct {
	// Multiplex indexes records by host:port alone instead of host:port@topic.
	Multiplex bool
	// Backoff holds the ascending backoff tier delays.
	Backoff []time.Duration
	// ForgetUnresponsive is the delay before an exhausted record is evicted.
	ForgetUnresponsive time.Duration
	// ForgetBanned is the delay before a banned record is evicted. Zero keeps
	// banned records forever.
	ForgetBanned time.Duration

	Clock   clock.Clock
	Rand    *rand.Rand
	Metrics *metrics.Collector
}

func (c *Config) normalize() {
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.ForgetUnresponsive == 0 {
		c.ForgetUnresponsive = DefaultForgetUnresponsive
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Stats counts queue events since creation.
type Stats struct {
	Forgotten  int
	Duplicates int
}

// Queue is the connection queue.
type Queue struct {
	cfg  Config
	post func(func()) bool

	records map[string]*peer.Record
	live    *buckets
	dedup   map[string]*peer.Record

	backoff            []*BatchTimer
	forgetUnresponsive *BatchTimer
	forgetBanned       *BatchTimer

	onReadable []func()
	stats      Stats
	destroyed  bool
}

// New creates a queue delivering timer fires through post.
func New(cfg Config, post func(func()) bool) *Queue {
	cfg.normalize()

	q := &Queue{
		cfg:     cfg,
		post:    post,
		records: make(map[string]*peer.Record),
		live:    newBuckets(cfg.Rand),
		dedup:   make(map[string]*peer.Record),
	}

	for _, d := range cfg.Backoff {
		q.backoff = append(q.backoff, NewBatchTimer(cfg.Clock, d, post, q.push))
	}
	q.forgetUnresponsive = NewBatchTimer(cfg.Clock, cfg.ForgetUnresponsive, post, q.forget)
	q.forgetBanned = NewBatchTimer(cfg.Clock, cfg.ForgetBanned, post, q.forget)

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"multiplex": cfg.Multiplex,
		"tiers":     len(cfg.Backoff),
	}).Debug("Connection queue created")

	return q
}

// OnReadable registers fn to be called whenever the live queue goes from
// empty to non-empty.
func (q *Queue) OnReadable(fn func()) {
	q.onReadable = append(q.onReadable, fn)
}

// Len returns the number of records in the live queue.
func (q *Queue) Len() int {
	return q.live.len()
}

// Prioritised returns the number of high or medium priority records in the
// live queue.
func (q *Queue) Prioritised() int {
	return q.live.prioritised()
}

// Size returns the number of indexed records.
func (q *Queue) Size() int {
	return len(q.records)
}

// Stats returns event counters.
func (q *Queue) Stats() Stats {
	return q.stats
}

// Get returns the record indexed for c.
func (q *Queue) Get(c peer.Candidate) (*peer.Record, bool) {
	r, ok := q.records[peer.ID(c, q.cfg.Multiplex)]
	return r, ok
}

// Add registers a candidate and schedules it when eligible. It returns the
// record the candidate maps to.
func (q *Queue) Add(c peer.Candidate) *peer.Record {
	if q.destroyed {
		return nil
	}

	id := peer.ID(c, q.cfg.Multiplex)
	r, existed := q.records[id]
	if !existed {
		r = peer.New(c, q)
		q.records[id] = r
	}

	r.Topic(c.Topic)

	if q.cfg.Multiplex && existed {
		return r
	}
	if q.live.has(r) {
		return r
	}
	if !r.Update() {
		return r
	}
	if !r.Priority().Schedulable() {
		if !q.held(r) {
			q.park(r)
		}
		return r
	}

	q.insert(r)
	return r
}

// Shift pops the next record to dial and marks it active. Banned records are
// never returned.
func (q *Queue) Shift() *peer.Record {
	for {
		r := q.live.shift()
		if r == nil {
			return nil
		}
		if r.Banned() {
			q.forgetBanned.Push(r)
			continue
		}
		r.Active(true)
		return r
	}
}

// Skip returns a shifted record that was not dialed. The record is parked
// until the forget timer evicts it, so a later Add starts it afresh.
func (q *Queue) Skip(r *peer.Record) {
	r.Active(false)
	if q.destroyed || !q.indexed(r) {
		return
	}
	q.park(r)

	logrus.WithFields(logrus.Fields{
		"function": "Skip",
		"peer":     q.label(r),
	}).Debug("Record skipped")
}

// Requeue hands a failed or closed record back to the queue. It returns true
// when the record was placed in a backoff tier and false when it was routed
// to a forget timer or ignored.
func (q *Queue) Requeue(r *peer.Record) bool {
	if q.destroyed || !r.Client() {
		return false
	}
	if !q.indexed(r) {
		return false
	}

	tier := r.Requeue()
	if tier < 0 {
		q.park(r)
		return false
	}

	if tier >= len(q.backoff) {
		tier = len(q.backoff) - 1
	}
	q.backoff[tier].Push(r)

	logrus.WithFields(logrus.Fields{
		"function": "Requeue",
		"peer":     q.label(r),
		"tier":     tier,
		"retries":  r.Retries(),
	}).Debug("Record entered backoff")
	return true
}

// Remove evicts the record for c from every index and destroys it.
func (q *Queue) Remove(c peer.Candidate) {
	id := peer.ID(c, q.cfg.Multiplex)
	r, ok := q.records[id]
	if !ok {
		return
	}
	q.evict(id, r)
}

// Deduplicate resolves two connections between the same pair of identities.
// It reports whether r lost and must not be used. Both sides of a connection
// evaluating this with swapped ids agree on the winner.
func (q *Queue) Deduplicate(local, remote []byte, r *peer.Record) bool {
	cmp := bytes.Compare(local, remote)
	if cmp == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Deduplicate",
			"peer":     q.label(r),
		}).Debug("Dropping connection to self")
		r.Destroy(peer.ErrSelfConnection)
		return true
	}

	key := pairKey(local, remote)
	r.SetDedup(key)

	holder, ok := q.dedup[key]
	if !ok || holder == r {
		q.dedup[key] = r
		return false
	}

	loser, winner := holder, r
	if rLoses(r, holder, cmp) {
		loser, winner = r, holder
	}
	q.dropDuplicate(key, loser, winner)

	return loser == r
}

// Disconnected releases r's dedup registration. Records call it from
// peer.Record.Disconnected.
func (q *Queue) Disconnected(r *peer.Record) {
	key := r.Dedup()
	if key == "" {
		return
	}
	if q.dedup[key] == r {
		delete(q.dedup, key)
	}
}

// Destroy stops every timer and drops every index. It is idempotent.
func (q *Queue) Destroy() {
	if q.destroyed {
		return
	}
	q.destroyed = true

	for _, t := range q.backoff {
		t.Stop()
	}
	q.forgetUnresponsive.Stop()
	q.forgetBanned.Stop()

	records := q.records
	q.records = make(map[string]*peer.Record)
	q.live.reset()
	q.dedup = make(map[string]*peer.Record)

	for _, r := range records {
		r.Destroy(nil)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Destroy",
		"records":  len(records),
	}).Debug("Connection queue destroyed")
}

// Destroyed reports whether Destroy was called.
func (q *Queue) Destroyed() bool {
	return q.destroyed
}

func (q *Queue) insert(r *peer.Record) {
	wasEmpty := q.live.len() == 0
	if !q.live.add(r) {
		return
	}
	q.publish()
	if wasEmpty {
		for _, fn := range q.onReadable {
			fn()
		}
	}
}

// held reports whether a backoff tier or forget timer holds r.
func (q *Queue) held(r *peer.Record) bool {
	if q.forgetUnresponsive.Has(r) || q.forgetBanned.Has(r) {
		return true
	}
	for _, t := range q.backoff {
		if t.Has(r) {
			return true
		}
	}
	return false
}

func (q *Queue) park(r *peer.Record) {
	if r.Banned() {
		q.forgetBanned.Push(r)
		return
	}
	q.forgetUnresponsive.Push(r)
}

// push is the fire callback of the backoff tiers.
func (q *Queue) push(batch []*peer.Record) {
	if q.destroyed {
		return
	}
	for _, r := range batch {
		r.Active(false)
		if !r.Update() || !r.Priority().Schedulable() {
			q.park(r)
			continue
		}
		q.insert(r)
	}
}

// forget is the fire callback of the forget timers.
func (q *Queue) forget(batch []*peer.Record) {
	if q.destroyed {
		return
	}
	removed := 0
	for _, r := range batch {
		c, ok := r.Candidate()
		if ok {
			id := peer.ID(c, q.cfg.Multiplex)
			if q.records[id] == r {
				q.evict(id, r)
				removed++
				continue
			}
		}
		q.Disconnected(r)
	}

	q.stats.Forgotten += removed
	q.cfg.Metrics.Forgotten(removed)

	logrus.WithFields(logrus.Fields{
		"function": "forget",
		"batch":    len(batch),
		"removed":  removed,
	}).Debug("Forget timer fired")
}

func (q *Queue) evict(id string, r *peer.Record) {
	delete(q.records, id)
	q.live.remove(r)
	for _, t := range q.backoff {
		t.Remove(r)
	}
	q.forgetUnresponsive.Remove(r)
	q.forgetBanned.Remove(r)
	r.Destroy(nil)
	q.Disconnected(r)
	q.publish()
}

func (q *Queue) dropDuplicate(key string, loser, winner *peer.Record) {
	loser.MarkDuplicate()
	q.dedup[key] = winner
	q.stats.Duplicates++
	q.cfg.Metrics.Duplicate()

	logrus.WithFields(logrus.Fields{
		"function": "dropDuplicate",
		"loser":    q.label(loser),
		"winner":   q.label(winner),
	}).Debug("Dropping duplicate connection")

	loser.Ban(true)

	winner.OnClose(func() {
		if q.destroyed || winner.Banned() {
			return
		}
		c, ok := loser.Candidate()
		if !ok {
			return
		}
		id := peer.ID(c, q.cfg.Multiplex)
		if q.records[id] != loser {
			return
		}
		q.Remove(c)
		q.Add(c)
	})
}

func (q *Queue) publish() {
	q.cfg.Metrics.SetQueue(q.live.len(), q.live.prioritised())
}

func (q *Queue) indexed(r *peer.Record) bool {
	c, ok := r.Candidate()
	if !ok {
		return false
	}
	return q.records[peer.ID(c, q.cfg.Multiplex)] == r
}

func (q *Queue) label(r *peer.Record) string {
	if c, ok := r.Candidate(); ok {
		return c.Addr()
	}
	return "inbound"
}

// rLoses decides the loser between a new record r and the current holder.
// cmp is bytes.Compare(local, remote) from this side's point of view.
func rLoses(r, holder *peer.Record, cmp int) bool {
	if r.Type() != holder.Type() {
		return r.Type() == peer.TransportQUIC
	}
	return (cmp < 0) == r.Client()
}

// pairKey returns the undirected key for two identities.
func pairKey(a, b []byte) string {
	ha, hb := hex.EncodeToString(a), hex.EncodeToString(b)
	if hb < ha {
		ha, hb = hb, ha
	}
	return ha + "\n" + hb
}
