package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/opd-ai/cellswarm/peer"
)

// Hub is an in-process discovery registry. Every node created from the same
// Hub sees the announcements of the others, which lets several swarms in one
// process find each other without touching the network.
type Hub struct {
	mu    sync.Mutex
	nodes map[*HubNode]struct{}
	// Referrer, when set, is attached to every candidate the hub hands out.
	Referrer *peer.Endpoint
	// Punchable decides whether Holepunch succeeds for a candidate. Nil
	// means hole punching always succeeds.
	Punchable func(peer.Candidate) bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[*HubNode]struct{})}
}

// Factory returns a Factory creating nodes attached to h.
func (h *Hub) Factory() Factory {
	return func(conn PacketConn) (Discovery, error) {
		return h.Attach(conn.LocalAddr()), nil
	}
}

// Attach creates a node whose announcements use the host of addr.
func (h *Hub) Attach(addr net.Addr) *HubNode {
	host := "127.0.0.1"
	if addr != nil {
		if hst, _, err := net.SplitHostPort(addr.String()); err == nil && hst != "" && hst != "::" && hst != "0.0.0.0" {
			host = hst
		}
	}

	n := &HubNode{
		hub:       h,
		host:      host,
		announced: make(map[peer.Topic]int),
		lookups:   make(map[peer.Topic]bool),
		events:    make(chan Event, eventBuffer),
	}

	h.mu.Lock()
	h.nodes[n] = struct{}{}
	h.mu.Unlock()
	return n
}

// HubNode is one member of a Hub.
type HubNode struct {
	hub  *Hub
	host string

	mu        sync.Mutex
	announced map[peer.Topic]int
	lookups   map[peer.Topic]bool
	closed    bool
	events    chan Event
}

// Events implements Discovery.
func (n *HubNode) Events() <-chan Event {
	return n.events
}

// Lookup implements Discovery. Every node announcing topic is reported, then
// an EventUpdate.
func (n *HubNode) Lookup(ctx context.Context, topic peer.Topic) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.lookups[topic] = true
	n.mu.Unlock()

	for _, c := range n.hub.announcers(topic, n) {
		n.emit(Event{Kind: EventPeer, Topic: topic, Candidate: c})
	}
	n.emit(Event{Kind: EventUpdate, Topic: topic})
	return nil
}

// Announce implements Discovery. Nodes already looking up topic learn about
// this node immediately.
func (n *HubNode) Announce(ctx context.Context, topic peer.Topic, port int) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.announced[topic] = port
	n.mu.Unlock()

	c := n.hub.candidate(n.host, port, topic)
	for _, other := range n.hub.lookers(topic, n) {
		other.emit(Event{Kind: EventPeer, Topic: topic, Candidate: c})
	}
	return nil
}

// Leave implements Discovery.
func (n *HubNode) Leave(ctx context.Context, topic peer.Topic) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	delete(n.announced, topic)
	delete(n.lookups, topic)
	return nil
}

// Holepunch implements Discovery.
func (n *HubNode) Holepunch(ctx context.Context, c peer.Candidate) error {
	if c.Referrer == nil {
		return ErrNoReferrer
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.hub.Punchable != nil && !n.hub.Punchable(c) {
		return ErrHolepunchFailed
	}
	return nil
}

// Close implements Discovery.
func (n *HubNode) Close() error {
	n.hub.mu.Lock()
	delete(n.hub.nodes, n)
	n.hub.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	close(n.events)
	return nil
}

func (n *HubNode) emit(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	default:
	}
}

func (h *Hub) others(self *HubNode) []*HubNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*HubNode, 0, len(h.nodes))
	for n := range h.nodes {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) announcers(topic peer.Topic, self *HubNode) []peer.Candidate {
	var out []peer.Candidate
	for _, n := range h.others(self) {
		n.mu.Lock()
		port, ok := n.announced[topic]
		n.mu.Unlock()
		if ok {
			out = append(out, h.candidate(n.host, port, topic))
		}
	}
	return out
}

func (h *Hub) lookers(topic peer.Topic, self *HubNode) []*HubNode {
	var out []*HubNode
	for _, n := range h.others(self) {
		n.mu.Lock()
		ok := n.lookups[topic]
		n.mu.Unlock()
		if ok {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) candidate(host string, port int, topic peer.Topic) peer.Candidate {
	c := peer.Candidate{Host: host, Port: port, Topic: topic}
	if h.Referrer != nil {
		ref := *h.Referrer
		c.Referrer = &ref
	}
	return c
}

// HubAddr is a fixed address for nodes attached without a socket.
type HubAddr struct {
	Host string
	Port int
}

// Network implements net.Addr.
func (a HubAddr) Network() string { return "hub" }

// String implements net.Addr.
func (a HubAddr) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }
