package discovery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cellswarm/peer"
)

const (
	// DefaultBroadcastPort is the UDP port LAN discovery listens on for broadcasts.
	DefaultBroadcastPort = 49737
	// DefaultAnnounceInterval is how often announced topics are re-broadcast.
	DefaultAnnounceInterval = 10 * time.Second
	// DefaultLookupWindow is how long a lookup collects answers before it
	// reports an update.
	DefaultLookupWindow = time.Second

	eventBuffer = 256
)

// LANConfig configures LAN discovery.
type LANConfig struct {
	// BroadcastPort is the port every LAN node listens on for queries and
	// announcements.
	BroadcastPort int
	// BroadcastAddrs are the destinations of queries and announcements.
	// Defaults to the IPv4 broadcast address plus the common private
	// network broadcast addresses.
	BroadcastAddrs []string
	// AnnounceInterval is the re-broadcast period of announced topics.
	AnnounceInterval time.Duration
	// LookupWindow is the delay between a query and its EventUpdate.
	LookupWindow time.Duration
	Clock        clock.Clock
}

func (c *LANConfig) normalize() {
	if c.BroadcastPort == 0 {
		c.BroadcastPort = DefaultBroadcastPort
	}
	if len(c.BroadcastAddrs) == 0 {
		c.BroadcastAddrs = []string{
			net.IPv4bcast.String(),
			"192.168.255.255",
			"10.255.255.255",
			"172.31.255.255",
		}
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.LookupWindow == 0 {
		c.LookupWindow = DefaultLookupWindow
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// LAN discovers peers on the local network. Queries and announcements are
// broadcast from the swarm's shared socket to the broadcast port; answers and
// hole punch traffic return to the shared socket. Any LAN node relays punch
// requests for candidates it referred.
type LAN struct {
	cfg    LANConfig
	conn   PacketConn
	bcast  net.PacketConn
	nodeID [32]byte
	punch  *puncher

	mu        sync.RWMutex
	announced map[peer.Topic]uint16
	lookups   map[peer.Topic]bool
	closed    bool

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLANFactory returns a Factory creating LAN discovery instances.
func NewLANFactory(cfg LANConfig) Factory {
	return func(conn PacketConn) (Discovery, error) {
		return NewLAN(conn, cfg)
	}
}

// NewLAN starts LAN discovery on conn. When the broadcast port cannot be
// bound the instance still queries and announces but only learns about peers
// from unicast answers.
func NewLAN(conn PacketConn, cfg LANConfig) (*LAN, error) {
	if conn == nil {
		return nil, ErrNotAttached
	}
	cfg.normalize()

	l := &LAN{
		cfg:       cfg,
		conn:      conn,
		announced: make(map[peer.Topic]uint16),
		lookups:   make(map[peer.Topic]bool),
		events:    make(chan Event, eventBuffer),
	}
	if _, err := rand.Read(l.nodeID[:]); err != nil {
		return nil, fmt.Errorf("failed to generate node id: %w", err)
	}
	l.punch = newPuncher(conn, l.nodeID, cfg.Clock)
	l.ctx, l.cancel = context.WithCancel(context.Background())

	bcast, err := net.ListenPacket("udp4", ":"+strconv.Itoa(cfg.BroadcastPort))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewLAN",
			"port":     cfg.BroadcastPort,
			"error":    err.Error(),
		}).Warn("Broadcast port unavailable, LAN discovery is send-only")
	} else {
		l.bcast = bcast
		l.wg.Add(1)
		go l.receiveBroadcasts()
	}

	l.wg.Add(2)
	go l.receiveShared()
	go l.announceLoop()

	logrus.WithFields(logrus.Fields{
		"function":       "NewLAN",
		"broadcast_port": cfg.BroadcastPort,
		"local_addr":     conn.LocalAddr().String(),
	}).Info("LAN discovery started")

	return l, nil
}

// Events implements Discovery.
func (l *LAN) Events() <-chan Event {
	return l.events
}

// Lookup implements Discovery. It broadcasts a query and reports an
// EventUpdate once the lookup window has elapsed.
func (l *LAN) Lookup(ctx context.Context, topic peer.Topic) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.lookups[topic] = true
	l.wg.Add(1)
	l.mu.Unlock()

	l.broadcast(&packet{Type: packetQuery, NodeID: l.nodeID, Topic: topic})

	go func() {
		defer l.wg.Done()
		select {
		case <-l.cfg.Clock.After(l.cfg.LookupWindow):
			l.emit(Event{Kind: EventUpdate, Topic: topic})
		case <-l.ctx.Done():
		}
	}()
	return nil
}

// Announce implements Discovery.
func (l *LAN) Announce(ctx context.Context, topic peer.Topic, port int) error {
	if port <= 0 || port > 0xffff {
		return fmt.Errorf("invalid announce port %d", port)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.announced[topic] = uint16(port)
	l.mu.Unlock()

	l.broadcast(&packet{Type: packetAnnounce, NodeID: l.nodeID, Topic: topic, Port: uint16(port)})
	return nil
}

// Leave implements Discovery.
func (l *LAN) Leave(ctx context.Context, topic peer.Topic) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	delete(l.announced, topic)
	delete(l.lookups, topic)
	return nil
}

// Holepunch implements Discovery. The request goes to the candidate's
// referrer, which forwards our address to the candidate so both sides probe
// at the same time.
func (l *LAN) Holepunch(ctx context.Context, c peer.Candidate) error {
	if c.Referrer == nil {
		return ErrNoReferrer
	}

	target, err := net.ResolveUDPAddr("udp", c.Addr())
	if err != nil {
		return fmt.Errorf("failed to resolve candidate: %w", err)
	}
	referrer, err := net.ResolveUDPAddr("udp", c.Referrer.String())
	if err != nil {
		return fmt.Errorf("failed to resolve referrer: %w", err)
	}

	req := &packet{Type: packetPunchReq, NodeID: l.nodeID, Endpoint: target}
	if _, err := l.conn.WritePacket(req.marshal(), referrer); err != nil {
		return fmt.Errorf("failed to send punch request: %w", err)
	}

	return l.punch.punch(ctx, target)
}

// Close implements Discovery.
func (l *LAN) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	var err error
	if l.bcast != nil {
		err = l.bcast.Close()
	}
	l.wg.Wait()
	close(l.events)

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("LAN discovery stopped")
	return err
}

func (l *LAN) announceLoop() {
	defer l.wg.Done()

	ticker := l.cfg.Clock.Ticker(l.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.RLock()
			pkts := make([]*packet, 0, len(l.announced))
			for topic, port := range l.announced {
				pkts = append(pkts, &packet{Type: packetAnnounce, NodeID: l.nodeID, Topic: topic, Port: port})
			}
			l.mu.RUnlock()

			for _, p := range pkts {
				l.broadcast(p)
			}
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *LAN) broadcast(p *packet) {
	data := p.marshal()
	for _, host := range l.cfg.BroadcastAddrs {
		addr := &net.UDPAddr{IP: net.ParseIP(host), Port: l.cfg.BroadcastPort}
		if addr.IP == nil {
			continue
		}
		if _, err := l.conn.WritePacket(data, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "broadcast",
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Debug("Failed to send LAN discovery broadcast")
		}
	}
}

// receiveShared reads discovery packets arriving on the shared socket:
// unicast announce answers and hole punch traffic.
func (l *LAN) receiveShared() {
	defer l.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, addr, err := l.conn.ReadPacket(l.ctx, buf)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveShared",
				"error":    err.Error(),
			}).Debug("Shared socket read failed")
			return
		}
		l.handlePacket(buf[:n], addr)
	}
}

func (l *LAN) receiveBroadcasts() {
	defer l.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, addr, err := l.bcast.ReadFrom(buf)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		l.handlePacket(buf[:n], addr)
	}
}

func (l *LAN) handlePacket(data []byte, addr net.Addr) {
	from, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}

	p, err := parsePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping invalid discovery packet")
		return
	}

	// our own broadcasts
	if p.NodeID == l.nodeID {
		return
	}

	switch p.Type {
	case packetQuery:
		l.answer(p, from)
	case packetAnnounce:
		l.discovered(p, from)
	case packetPunchReq:
		l.relay(p, from)
	case packetPunchFwd:
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ctx, cancel := context.WithTimeout(l.ctx, 5*time.Second)
			defer cancel()
			if err := l.punch.punch(ctx, p.Endpoint); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handlePacket",
					"remote":   p.Endpoint.String(),
					"error":    err.Error(),
				}).Debug("Forwarded hole punch failed")
			}
		}()
	case packetProbe, packetAck:
		l.punch.handle(p, from)
	}
}

func (l *LAN) answer(p *packet, from *net.UDPAddr) {
	l.mu.RLock()
	port, ok := l.announced[p.Topic]
	l.mu.RUnlock()
	if !ok {
		return
	}

	reply := &packet{Type: packetAnnounce, NodeID: l.nodeID, Topic: p.Topic, Port: port}
	if _, err := l.conn.WritePacket(reply.marshal(), from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "answer",
			"to":       from.String(),
			"error":    err.Error(),
		}).Debug("Failed to answer LAN query")
	}
}

func (l *LAN) discovered(p *packet, from *net.UDPAddr) {
	l.mu.RLock()
	looking := l.lookups[p.Topic]
	l.mu.RUnlock()
	if !looking || p.Port == 0 {
		return
	}

	c := peer.Candidate{
		Host:  from.IP.String(),
		Port:  int(p.Port),
		Local: from.IP.IsLoopback(),
		Topic: p.Topic,
	}

	logrus.WithFields(logrus.Fields{
		"function": "discovered",
		"peer":     c.Addr(),
		"topic":    p.Topic.String()[:16],
	}).Debug("Discovered LAN peer")

	l.emit(Event{Kind: EventPeer, Topic: p.Topic, Candidate: c})
}

// relay forwards a punch request to its target with the requester's
// observed address.
func (l *LAN) relay(p *packet, from *net.UDPAddr) {
	fwd := &packet{Type: packetPunchFwd, NodeID: l.nodeID, Endpoint: from}
	if _, err := l.conn.WritePacket(fwd.marshal(), p.Endpoint); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relay",
			"target":   p.Endpoint.String(),
			"error":    err.Error(),
		}).Debug("Failed to forward punch request")
	}
}

func (l *LAN) emit(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"kind":     ev.Kind.String(),
		}).Warn("Discovery event buffer full, dropping event")
	}
}
