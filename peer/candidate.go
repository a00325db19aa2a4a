package peer

import (
	"encoding/hex"
	"net"
	"strconv"
)

// Topic is the 32-byte key a swarm is joined under.
type Topic [32]byte

// IsZero reports whether no topic is set.
func (t Topic) IsZero() bool {
	return t == Topic{}
}

// String returns the hex encoding of the topic.
func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string
	Port int
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Candidate is an address supplied by discovery that is not yet connected.
type Candidate struct {
	Host string
	Port int
	// Referrer is the already-connected node that introduced this candidate.
	// It mediates hole punching when set.
	Referrer *Endpoint
	// Local marks a candidate discovered on the same host.
	Local bool
	Topic Topic
}

// Addr returns the candidate address in host:port form.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Endpoint returns the candidate address as an Endpoint.
func (c Candidate) Endpoint() Endpoint {
	return Endpoint{Host: c.Host, Port: c.Port}
}

// ID returns the canonical queue id of a candidate: host:port, suffixed with
// @topic unless multiplex is set or the candidate carries no topic.
func ID(c Candidate, multiplex bool) string {
	id := c.Addr()
	if multiplex || c.Topic.IsZero() {
		return id
	}
	return id + "@" + c.Topic.String()
}
