// Package scheduler implements the admission controller: it drains the
// connection queue into a bounded number of concurrent connection attempts,
// enforces the global peer and socket caps, throttles inbound acceptance
// through the admission gate and reports quiescence through Flush.
//
// All state lives on one event loop. Exported methods are safe for
// concurrent use and hand their work to that loop.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cellswarm/connector"
	"github.com/opd-ai/cellswarm/eventloop"
	"github.com/opd-ai/cellswarm/metrics"
	"github.com/opd-ai/cellswarm/peer"
	"github.com/opd-ai/cellswarm/queue"
	"github.com/opd-ai/cellswarm/transport"
)

// ErrDestroyed is returned by operations issued after Destroy and by every
// flush still pending when Destroy runs.
var ErrDestroyed = errors.New("swarm destroyed")

// DefaultHandshakeTimeout bounds the inbound handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Dialer performs one connection attempt.
type Dialer interface {
	Dial(ctx context.Context, c peer.Candidate) (*connector.Result, error)
}

// Resource is the transport side the controller throttles and closes.
type Resource interface {
	SetAcceptCapacity(n int)
	Close() error
}

// Observer receives connection events. Methods run on the event loop and
// must not block.
type Observer interface {
	OnConnection(conn connector.Conn, r *peer.Record)
	OnDisconnection(conn connector.Conn, r *peer.Record)
	OnPeerRejected(c peer.Candidate)
}

// Config configures a Controller.
type Config struct {
	MaxPeers         int
	MaxClientSockets int
	MaxServerSockets int

	Queue    queue.Config
	Dialer   Dialer
	Resource Resource
	Observer Observer

	// Active reports whether a topic's discovery domain is still joined.
	// Nil treats every topic as active.
	Active func(peer.Topic) bool

	// LocalID is this node's handshake identity. Without it connections are
	// never deduplicated.
	LocalID []byte
	// Handshake authenticates inbound connections and returns the remote id.
	Handshake        func(ctx context.Context, conn connector.Conn) ([]byte, error)
	HandshakeTimeout time.Duration

	Metrics *metrics.Collector
}

// Stats is a snapshot of the controller's counters.
type Stats struct {
	Peers               int
	ClientSockets       int
	ServerSockets       int
	InflightPrioritised int
	Queued              int
	QueuedPrioritised   int
	Open                bool
}

type session struct {
	conn    connector.Conn
	client  bool
	emitted bool
}

type flushWaiter struct {
	remaining int
	done      chan error
}

// Controller is the admission controller.
type Controller struct {
	cfg   Config
	loop  *eventloop.Loop
	queue *queue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	peers               int
	client              int
	server              int
	inflightPrioritised int
	open                bool

	sessions  map[*peer.Record]*session
	waiters   []*flushWaiter
	destroyed bool
}

// New creates a controller and starts its event loop.
func New(cfg Config) *Controller {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Queue.Metrics == nil {
		cfg.Queue.Metrics = cfg.Metrics
	}

	c := &Controller{
		cfg:      cfg,
		loop:     eventloop.New(),
		sessions: make(map[*peer.Record]*session),
		open:     true,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.queue = queue.New(cfg.Queue, c.loop.Post)
	c.queue.OnReadable(c.drain)
	c.loop.Start()

	logrus.WithFields(logrus.Fields{
		"function":           "New",
		"max_peers":          cfg.MaxPeers,
		"max_client_sockets": cfg.MaxClientSockets,
		"max_server_sockets": cfg.MaxServerSockets,
	}).Debug("Admission controller created")

	return c
}

// Add submits a discovered candidate. While the admission gate is closed the
// candidate is rejected instead.
func (c *Controller) Add(cand peer.Candidate) {
	c.loop.Post(func() { c.add(cand) })
}

// Remove evicts a candidate from the queue.
func (c *Controller) Remove(cand peer.Candidate) {
	c.loop.Post(func() {
		if c.destroyed {
			return
		}
		c.queue.Remove(cand)
	})
}

// Accept takes ownership of an inbound connection.
func (c *Controller) Accept(conn connector.Conn) {
	if !c.loop.Post(func() { c.accept(conn) }) {
		_ = conn.Close()
	}
}

// Call runs fn on the event loop with the queue. It fails with ErrDestroyed
// once the controller is destroyed.
func (c *Controller) Call(ctx context.Context, fn func(q *queue.Queue)) error {
	var destroyed bool
	err := c.loop.Call(ctx, func() {
		if c.destroyed {
			destroyed = true
			return
		}
		fn(c.queue)
		c.drain()
	})
	if errors.Is(err, eventloop.ErrClosed) || destroyed {
		return ErrDestroyed
	}
	return err
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.Call(ctx, func(q *queue.Queue) {
		s = Stats{
			Peers:               c.peers,
			ClientSockets:       c.client,
			ServerSockets:       c.server,
			InflightPrioritised: c.inflightPrioritised,
			Queued:              q.Len(),
			QueuedPrioritised:   q.Prioritised(),
			Open:                c.open,
		}
	})
	return s, err
}

// Flush waits until no prioritised work is queued or in flight, or until no
// further progress is possible because the client sockets are saturated.
func (c *Controller) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if !c.loop.Post(func() { c.flush(done) }) {
		return ErrDestroyed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy fails pending flushes, destroys the queue and closes the resource.
// It is idempotent.
func (c *Controller) Destroy() error {
	var err error
	callErr := c.loop.Call(context.Background(), func() { err = c.destroy() })
	if errors.Is(callErr, eventloop.ErrClosed) {
		return nil
	}
	c.loop.Close()
	return err
}

// Done is closed once the controller's event loop has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.loop.Done()
}

func (c *Controller) add(cand peer.Candidate) {
	if c.destroyed {
		return
	}
	if !c.open {
		logrus.WithFields(logrus.Fields{
			"function": "add",
			"peer":     cand.Addr(),
			"peers":    c.peers,
		}).Debug("Admission gate closed, rejecting candidate")
		c.cfg.Metrics.Rejected()
		if c.cfg.Observer != nil {
			c.cfg.Observer.OnPeerRejected(cand)
		}
		return
	}
	c.queue.Add(cand)
}

// drain starts attempts while both caps allow.
func (c *Controller) drain() {
	if c.destroyed {
		return
	}

	for c.peers < c.cfg.MaxPeers && c.client < c.cfg.MaxClientSockets {
		r := c.queue.Shift()
		if r == nil {
			break
		}

		cand, _ := r.Candidate()
		if !c.active(r, cand) {
			logrus.WithFields(logrus.Fields{
				"function": "drain",
				"peer":     cand.Addr(),
			}).Debug("Skipping record of inactive topic")
			c.queue.Skip(r)
			continue
		}

		c.client++
		c.peers++
		prioritised := r.Prioritised()
		if prioritised {
			c.inflightPrioritised++
		}
		c.updateGate()

		logrus.WithFields(logrus.Fields{
			"function": "drain",
			"peer":     cand.Addr(),
			"priority": r.Priority().String(),
			"retries":  r.Retries(),
		}).Debug("Starting connection attempt")

		go c.attempt(r, cand, prioritised)
	}

	c.serviceFlushes()
	c.publish()
}

func (c *Controller) attempt(r *peer.Record, cand peer.Candidate, prioritised bool) {
	res, err := c.cfg.Dialer.Dial(c.ctx, cand)
	if !c.loop.Post(func() { c.attemptDone(r, prioritised, res, err) }) && res != nil {
		_ = res.Conn.Close()
	}
}

func (c *Controller) attemptDone(r *peer.Record, prioritised bool, res *connector.Result, err error) {
	if prioritised {
		c.inflightPrioritised--
		for _, w := range c.waiters {
			w.remaining--
		}
	}

	if c.destroyed {
		if res != nil {
			_ = res.Conn.Close()
		}
		return
	}

	cand, _ := r.Candidate()
	if err != nil {
		result := metrics.ResultFailure
		if errors.Is(err, connector.ErrTimeout) {
			result = metrics.ResultTimeout
		}
		c.cfg.Metrics.Dial(result)

		logrus.WithFields(logrus.Fields{
			"function": "attemptDone",
			"peer":     cand.Addr(),
			"error":    err.Error(),
		}).Debug("Connection attempt failed")

		c.client--
		c.peers--
		c.updateGate()
		c.queue.Requeue(r)
		c.drain()
		return
	}

	c.cfg.Metrics.Dial(metrics.ResultSuccess)

	s := &session{conn: res.Conn, client: true}
	c.sessions[r] = s
	c.watch(r, s)
	r.Connected(res.Conn, res.Conn.Reliable())

	if !r.Banned() && !c.duplicate(r, res.RemoteID) {
		c.emit(r, s)
	}
	c.drain()
}

func (c *Controller) accept(conn connector.Conn) {
	if c.destroyed || !c.open || c.server >= c.cfg.MaxServerSockets {
		_ = conn.Close()
		return
	}

	c.server++
	c.peers++
	c.updateGate()

	r := peer.NewInbound(c.queue)
	s := &session{conn: conn}
	c.sessions[r] = s
	c.watch(r, s)
	r.Connected(conn, conn.Reliable())

	if c.cfg.Handshake == nil {
		c.emit(r, s)
		c.publish()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
		id, err := c.cfg.Handshake(ctx, conn)
		cancel()
		c.loop.Post(func() { c.inboundReady(r, s, id, err) })
	}()
	c.publish()
}

func (c *Controller) inboundReady(r *peer.Record, s *session, id []byte, err error) {
	if c.destroyed || c.sessions[r] != s {
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "inboundReady",
			"error":    err.Error(),
		}).Debug("Inbound handshake failed")
		_ = s.conn.Close()
		return
	}
	if c.duplicate(r, id) {
		return
	}
	c.emit(r, s)
}

// duplicate runs deduplication when both identities are known and reports
// whether r lost.
func (c *Controller) duplicate(r *peer.Record, remote []byte) bool {
	if len(c.cfg.LocalID) == 0 || len(remote) == 0 {
		return false
	}
	return c.queue.Deduplicate(c.cfg.LocalID, remote, r)
}

func (c *Controller) emit(r *peer.Record, s *session) {
	s.emitted = true
	if c.cfg.Observer != nil {
		c.cfg.Observer.OnConnection(s.conn, r)
	}
}

func (c *Controller) watch(r *peer.Record, s *session) {
	go func() {
		<-s.conn.Done()
		c.loop.Post(func() { c.closed(r, s) })
	}()
}

func (c *Controller) closed(r *peer.Record, s *session) {
	if c.sessions[r] != s {
		return
	}
	delete(c.sessions, r)
	if c.destroyed {
		return
	}

	if s.client {
		c.client--
	} else {
		c.server--
	}
	c.peers--
	c.updateGate()

	if r.Stream() != nil {
		r.Disconnected()
	}
	if s.emitted && c.cfg.Observer != nil {
		c.cfg.Observer.OnDisconnection(s.conn, r)
	}
	if s.client {
		c.queue.Requeue(r)
	}
	c.drain()
}

func (c *Controller) updateGate() {
	open := c.peers < c.cfg.MaxPeers
	if open == c.open {
		return
	}
	c.open = open

	logrus.WithFields(logrus.Fields{
		"function": "updateGate",
		"open":     open,
		"peers":    c.peers,
	}).Debug("Admission gate changed")

	if c.cfg.Resource == nil {
		return
	}
	if open {
		c.cfg.Resource.SetAcceptCapacity(c.cfg.MaxServerSockets)
	} else {
		c.cfg.Resource.SetAcceptCapacity(transport.AcceptDisabled)
	}
}

func (c *Controller) active(r *peer.Record, cand peer.Candidate) bool {
	if c.cfg.Active == nil {
		return true
	}
	topics := r.Topics()
	if !cand.Topic.IsZero() {
		topics = append(topics, cand.Topic)
	}
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if c.cfg.Active(t) {
			return true
		}
	}
	return false
}

func (c *Controller) pendingPrioritised() int {
	return c.queue.Prioritised() + c.inflightPrioritised
}

func (c *Controller) saturated() bool {
	return c.client >= c.cfg.MaxClientSockets || c.peers >= c.cfg.MaxPeers
}

func (c *Controller) flush(done chan error) {
	if c.destroyed {
		done <- ErrDestroyed
		return
	}
	pending := c.pendingPrioritised()
	if pending == 0 || c.saturated() {
		done <- nil
		return
	}
	c.waiters = append(c.waiters, &flushWaiter{remaining: pending, done: done})
}

func (c *Controller) serviceFlushes() {
	if len(c.waiters) == 0 {
		return
	}
	pending := c.pendingPrioritised()
	stalled := c.saturated() && c.inflightPrioritised == 0

	keep := c.waiters[:0]
	for _, w := range c.waiters {
		if w.remaining <= 0 || pending == 0 || stalled {
			w.done <- nil
			continue
		}
		keep = append(keep, w)
	}
	c.waiters = keep
}

func (c *Controller) publish() {
	c.cfg.Metrics.SetSockets(c.peers, c.client, c.server)
}

func (c *Controller) destroy() error {
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	c.cancel()

	for _, w := range c.waiters {
		w.done <- ErrDestroyed
	}
	c.waiters = nil

	c.queue.Destroy()
	for r, s := range c.sessions {
		_ = s.conn.Close()
		delete(c.sessions, r)
	}

	var err error
	if c.cfg.Resource != nil {
		err = c.cfg.Resource.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "destroy",
	}).Info("Admission controller destroyed")
	return err
}
