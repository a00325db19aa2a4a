package cellswarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cellswarm/connector"
	"github.com/opd-ai/cellswarm/crypto"
	"github.com/opd-ai/cellswarm/discovery"
	"github.com/opd-ai/cellswarm/eventloop"
	"github.com/opd-ai/cellswarm/metrics"
	"github.com/opd-ai/cellswarm/noise"
	"github.com/opd-ai/cellswarm/peer"
	"github.com/opd-ai/cellswarm/queue"
	"github.com/opd-ai/cellswarm/scheduler"
	"github.com/opd-ai/cellswarm/transport"
)

// PeerInfo describes the peer behind a connection at the moment an event
// was raised.
type PeerInfo struct {
	// Candidate is the dialed address. It is zero for inbound connections.
	Candidate peer.Candidate
	Client    bool
	Reliable  bool
	Priority  peer.Priority
	Topics    []peer.Topic
}

// ConnectionCallback is called for connection and disconnection events.
type ConnectionCallback func(conn net.Conn, info PeerInfo)

// PeerRejectedCallback is called for candidates turned away by the admission
// gate.
type PeerRejectedCallback func(c peer.Candidate)

// UpdateCallback is called when a lookup round for a topic finished.
type UpdateCallback func(topic peer.Topic)

// JoinOptions selects how a topic is joined.
type JoinOptions struct {
	// Lookup searches the topic for peers to connect to.
	Lookup bool
	// Announce makes this node findable under the topic.
	Announce bool
}

// Swarm connects to the peers discovered under a set of topics and accepts
// their inbound connections, within fixed peer and socket caps.
type Swarm struct {
	opts     *Options
	keys     *crypto.KeyPair
	ownKeys  bool
	metrics  *metrics.Collector
	resource *transport.Resource
	ctrl     *scheduler.Controller
	// callbacks run here, off the scheduling loop
	events *eventloop.Loop

	listenMu sync.Mutex

	mu        sync.Mutex
	topics    map[peer.Topic]JoinOptions
	listening bool
	closed    bool
	localIPs  map[string]bool

	connectionCallback    ConnectionCallback
	disconnectionCallback ConnectionCallback
	rejectedCallback      PeerRejectedCallback
	updatedCallback       UpdateCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a swarm. Nil options use NewOptions. The swarm does not bind
// until Listen is called.
func New(options *Options) (*Swarm, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	opts := options.normalize()

	keys := opts.Identity
	ownKeys := keys == nil
	if ownKeys {
		var err error
		if keys, err = crypto.GenerateKeyPair(); err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
	}

	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, err
	}

	s := &Swarm{
		opts:     opts,
		keys:     keys,
		ownKeys:  ownKeys,
		metrics:  m,
		events:   eventloop.New(),
		topics:   make(map[peer.Topic]JoinOptions),
		localIPs: make(map[string]bool),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.resource = transport.NewResource(transport.Config{
		Host:          opts.Host,
		Port:          opts.Port,
		BindAttempts:  opts.BindAttempts,
		BindBackoff:   opts.BindBackoff,
		Linger:        opts.Linger,
		AcceptTimeout: opts.ConnectTimeout,
		MaxInbound:    opts.MaxServerSockets,
		Discovery:     opts.Discovery,
		OnConn:        func(c *transport.Conn) { s.ctrl.Accept(c) },
		Clock:         opts.Clock,
	})

	var (
		dialHandshake   connector.Handshaker
		acceptHandshake func(ctx context.Context, conn connector.Conn) ([]byte, error)
		localID         []byte
	)
	if opts.Handshake {
		dialHandshake = s.handshake
		acceptHandshake = func(ctx context.Context, conn connector.Conn) ([]byte, error) {
			nc, ok := conn.(net.Conn)
			if !ok {
				return nil, errors.New("connection does not support handshakes")
			}
			return s.handshake(ctx, nc, false)
		}
		localID = append([]byte(nil), keys.Public[:]...)
	}

	dialer := connector.New(s.resource, connector.Config{
		Timeout:   opts.ConnectTimeout,
		Handshake: dialHandshake,
		Clock:     opts.Clock,
	})

	s.ctrl = scheduler.New(scheduler.Config{
		MaxPeers:         opts.MaxPeers,
		MaxClientSockets: opts.MaxClientSockets,
		MaxServerSockets: opts.MaxServerSockets,
		Queue: queue.Config{
			Multiplex:          opts.Multiplex,
			Backoff:            opts.Backoff,
			ForgetUnresponsive: opts.ForgetUnresponsive,
			ForgetBanned:       opts.ForgetBanned,
			Clock:              opts.Clock,
			Metrics:            m,
		},
		Dialer:           dialer,
		Resource:         s.resource,
		Observer:         &observer{s: s},
		Active:           s.active,
		LocalID:          localID,
		Handshake:        acceptHandshake,
		HandshakeTimeout: opts.ConnectTimeout,
		Metrics:          m,
	})
	s.events.Start()

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"id":        keys.ID(),
		"max_peers": opts.MaxPeers,
		"handshake": opts.Handshake,
	}).Info("Swarm created")

	return s, nil
}

// ID returns the node's public key.
func (s *Swarm) ID() []byte {
	return append([]byte(nil), s.keys.Public[:]...)
}

// Address returns the bound address, or nil before Listen.
func (s *Swarm) Address() net.Addr {
	return s.resource.Addr()
}

// OnConnection sets the callback for new connections. Callbacks run on a
// dedicated goroutine and may call back into the swarm.
func (s *Swarm) OnConnection(callback ConnectionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionCallback = callback
}

// OnDisconnection sets the callback for closed connections.
func (s *Swarm) OnDisconnection(callback ConnectionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectionCallback = callback
}

// OnPeerRejected sets the callback for candidates rejected by the admission gate.
func (s *Swarm) OnPeerRejected(callback PeerRejectedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedCallback = callback
}

// OnUpdated sets the callback for finished lookup rounds.
func (s *Swarm) OnUpdated(callback UpdateCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedCallback = callback
}

// Listen binds both transports and attaches discovery. Calling it again once
// listening is a no-op.
func (s *Swarm) Listen(ctx context.Context) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	s.mu.Lock()
	closed, listening := s.closed, s.listening
	s.mu.Unlock()
	if closed {
		return ErrDestroyed
	}
	if listening {
		return nil
	}

	if err := s.resource.Open(ctx); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listening = true
	s.localIPs = localIPs()
	s.mu.Unlock()

	if d, err := s.resource.Discovery(); err == nil {
		s.wg.Add(2)
		go s.pump(d)
		go s.refresh()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     s.resource.Addr().String(),
	}).Info("Swarm listening")
	return nil
}

// Join starts looking up or announcing topic.
func (s *Swarm) Join(ctx context.Context, topic peer.Topic, jo JoinOptions) error {
	if !jo.Lookup && !jo.Announce {
		return &ConfigurationError{Field: "JoinOptions", Reason: "one of Lookup or Announce must be set"}
	}
	if topic.IsZero() {
		return &ConfigurationError{Field: "topic", Reason: "must not be zero"}
	}

	d, err := s.attached()
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.topics[topic]
	s.topics[topic] = JoinOptions{
		Lookup:   prev.Lookup || jo.Lookup,
		Announce: prev.Announce || jo.Announce,
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Join",
		"topic":    topic.String(),
		"lookup":   jo.Lookup,
		"announce": jo.Announce,
	}).Info("Joining topic")

	return s.discover(ctx, d, topic, jo)
}

// Leave stops looking up and announcing topic. Queued peers found only
// under topic are skipped from then on.
func (s *Swarm) Leave(ctx context.Context, topic peer.Topic) error {
	d, err := s.attached()
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Leave",
		"topic":    topic.String(),
	}).Info("Leaving topic")

	return d.Leave(ctx, topic)
}

// Flush waits until every prioritised peer known so far was tried, or until
// the client sockets are saturated.
func (s *Swarm) Flush(ctx context.Context) error {
	return s.ctrl.Flush(ctx)
}

// AddPeer submits a candidate as if discovery had found it.
func (s *Swarm) AddPeer(c peer.Candidate) error {
	if s.isClosed() {
		return ErrDestroyed
	}
	s.ctrl.Add(c)
	return nil
}

// RemovePeer forgets a candidate and drops its connection.
func (s *Swarm) RemovePeer(c peer.Candidate) error {
	if s.isClosed() {
		return ErrDestroyed
	}
	s.ctrl.Remove(c)
	return nil
}

// Ban bans a known peer. A soft ban ends its connection gracefully and keeps
// the record until it is forgotten; a hard ban aborts the connection.
func (s *Swarm) Ban(ctx context.Context, c peer.Candidate, soft bool) error {
	return s.withRecord(ctx, c, func(_ *queue.Queue, r *peer.Record) {
		r.Ban(soft)
	})
}

// Backoff counts a failed attempt against a known peer and reports whether
// it is still schedulable.
func (s *Swarm) Backoff(ctx context.Context, c peer.Candidate) (bool, error) {
	var ok bool
	err := s.withRecord(ctx, c, func(_ *queue.Queue, r *peer.Record) {
		ok = r.Backoff()
	})
	return ok, err
}

// Reconnect toggles whether a known peer is dialed again after its
// connection closes.
func (s *Swarm) Reconnect(ctx context.Context, c peer.Candidate, enabled bool) error {
	return s.withRecord(ctx, c, func(_ *queue.Queue, r *peer.Record) {
		r.Reconnect(enabled)
	})
}

// Deduplicate resolves the connection to c against any other connection to
// the node identified by remoteID and reports whether the connection to c
// lost and was dropped.
func (s *Swarm) Deduplicate(ctx context.Context, c peer.Candidate, remoteID []byte) (bool, error) {
	var dup bool
	err := s.withRecord(ctx, c, func(q *queue.Queue, r *peer.Record) {
		dup = q.Deduplicate(s.keys.Public[:], remoteID, r)
	})
	return dup, err
}

// Stats returns the admission counters.
func (s *Swarm) Stats(ctx context.Context) (scheduler.Stats, error) {
	return s.ctrl.Stats(ctx)
}

// Close destroys the swarm: pending flushes fail with ErrDestroyed, every
// connection is closed and both transports are released. It is idempotent.
func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.ctrl.Destroy()
	s.wg.Wait()
	s.events.Close()

	// a generated identity never outlives the swarm
	if s.ownKeys {
		_ = crypto.WipeKeyPair(s.keys)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Swarm closed")
	return err
}

func (s *Swarm) withRecord(ctx context.Context, c peer.Candidate, fn func(q *queue.Queue, r *peer.Record)) error {
	found := false
	err := s.ctrl.Call(ctx, func(q *queue.Queue) {
		r, ok := q.Get(c)
		if !ok {
			return
		}
		found = true
		fn(q, r)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, c.Addr())
	}
	return nil
}

func (s *Swarm) handshake(ctx context.Context, conn net.Conn, initiator bool) ([]byte, error) {
	role := noise.Responder
	if initiator {
		role = noise.Initiator
	}
	res, err := noise.Handshake(ctx, conn, s.keys, role)
	if err != nil {
		return nil, err
	}
	return res.RemoteStatic, nil
}

func (s *Swarm) attached() (discovery.Discovery, error) {
	if s.isClosed() {
		return nil, ErrDestroyed
	}
	return s.resource.Discovery()
}

func (s *Swarm) discover(ctx context.Context, d discovery.Discovery, topic peer.Topic, jo JoinOptions) error {
	if jo.Announce {
		if err := d.Announce(ctx, topic, s.resource.Port()); err != nil {
			return fmt.Errorf("announce %s: %w", topic, err)
		}
	}
	if jo.Lookup {
		if err := d.Lookup(ctx, topic); err != nil {
			return fmt.Errorf("lookup %s: %w", topic, err)
		}
	}
	return nil
}

// pump forwards discovery events until discovery closes.
func (s *Swarm) pump(d discovery.Discovery) {
	defer s.wg.Done()

	events := d.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Swarm) handleEvent(ev discovery.Event) {
	switch ev.Kind {
	case discovery.EventPeer:
		c := ev.Candidate
		if c.Topic.IsZero() {
			c.Topic = ev.Topic
		}
		if !s.joined(c.Topic) {
			logrus.WithFields(logrus.Fields{
				"function": "handleEvent",
				"peer":     c.Addr(),
				"topic":    c.Topic.String(),
			}).Debug("Ignoring peer of a topic we left")
			return
		}
		if s.isSelf(c) {
			return
		}
		s.ctrl.Add(c)

	case discovery.EventUpdate:
		s.mu.Lock()
		cb := s.updatedCallback
		s.mu.Unlock()
		if cb != nil {
			topic := ev.Topic
			s.events.Post(func() { cb(topic) })
		}
	}
}

// refresh repeats lookups and announcements of joined topics.
func (s *Swarm) refresh() {
	defer s.wg.Done()

	ticker := s.opts.Clock.Ticker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		d, err := s.resource.Discovery()
		if err != nil {
			return
		}

		s.mu.Lock()
		topics := make(map[peer.Topic]JoinOptions, len(s.topics))
		for t, jo := range s.topics {
			topics[t] = jo
		}
		s.mu.Unlock()

		for t, jo := range topics {
			if err := s.discover(s.ctx, d, t, jo); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "refresh",
					"topic":    t.String(),
					"error":    err.Error(),
				}).Warn("Topic refresh failed")
			}
		}
	}
}

func (s *Swarm) active(t peer.Topic) bool {
	return s.joined(t)
}

func (s *Swarm) joined(t peer.Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[t]
	return ok
}

func (s *Swarm) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// isSelf reports whether c is this node's own listening address.
func (s *Swarm) isSelf(c peer.Candidate) bool {
	if c.Port != s.resource.Port() {
		return false
	}
	ip := net.ParseIP(c.Host)
	if ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localIPs[c.Host] || c.Host == s.opts.Host
}

func localIPs() map[string]bool {
	ips := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			ips[ipn.IP.String()] = true
		}
	}
	return ips
}

// observer relays controller events to the user callbacks.
type observer struct {
	s *Swarm
}

func (o *observer) OnConnection(conn connector.Conn, r *peer.Record) {
	o.s.mu.Lock()
	cb := o.s.connectionCallback
	o.s.mu.Unlock()
	o.relay(cb, conn, r)
}

func (o *observer) OnDisconnection(conn connector.Conn, r *peer.Record) {
	o.s.mu.Lock()
	cb := o.s.disconnectionCallback
	o.s.mu.Unlock()
	o.relay(cb, conn, r)
}

func (o *observer) OnPeerRejected(c peer.Candidate) {
	o.s.mu.Lock()
	cb := o.s.rejectedCallback
	o.s.mu.Unlock()
	if cb != nil {
		o.s.events.Post(func() { cb(c) })
	}
}

func (o *observer) relay(cb ConnectionCallback, conn connector.Conn, r *peer.Record) {
	if cb == nil {
		return
	}
	info := PeerInfo{
		Client:   r.Client(),
		Reliable: conn.Reliable(),
		Priority: r.Priority(),
		Topics:   r.Topics(),
	}
	if c, ok := r.Candidate(); ok {
		info.Candidate = c
		if len(info.Topics) == 0 && !c.Topic.IsZero() {
			info.Topics = []peer.Topic{c.Topic}
		}
	}
	nc, _ := conn.(net.Conn)
	o.s.events.Post(func() { cb(nc, info) })
}
