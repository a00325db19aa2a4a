// Package discovery defines the peer discovery collaborator the swarm consumes
// and provides two implementations of it: LAN, which broadcasts announcements
// on the local network and mediates hole punching over the swarm's shared UDP
// socket, and Hub, an in-process registry for tests and single-host setups.
//
// Discovery results arrive as Events. Lookup, Announce and Holepunch require a
// 32-byte topic and fail with ErrNotAttached when the owning transport is not
// open.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/cellswarm/peer"
)

var (
	// ErrNotAttached is returned when discovery is used before the transport is open.
	ErrNotAttached = errors.New("discovery is not attached")
	// ErrClosed is returned by operations on a closed discovery instance.
	ErrClosed = errors.New("discovery closed")
	// ErrInvalidTopic is returned when a topic is not exactly 32 bytes.
	ErrInvalidTopic = errors.New("topic must be 32 bytes")
	// ErrNoReferrer is returned by Holepunch for candidates without a referrer.
	ErrNoReferrer = errors.New("candidate has no referrer")
	// ErrHolepunchFailed is returned when no probe was answered.
	ErrHolepunchFailed = errors.New("hole punching failed after all attempts")
)

// EventKind distinguishes discovery events.
type EventKind uint8

const (
	// EventPeer carries a newly discovered candidate.
	EventPeer EventKind = iota + 1
	// EventUpdate signals that a lookup round for a topic finished.
	EventUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventPeer:
		return "peer"
	case EventUpdate:
		return "update"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a discovery notification.
type Event struct {
	Kind      EventKind
	Topic     peer.Topic
	Candidate peer.Candidate
}

// Discovery is a running discovery instance bound to one swarm socket.
type Discovery interface {
	// Lookup starts looking for peers on topic. Candidates arrive as EventPeer.
	Lookup(ctx context.Context, topic peer.Topic) error
	// Announce advertises this node on topic at the given port.
	Announce(ctx context.Context, topic peer.Topic, port int) error
	// Leave stops announcing and looking up topic.
	Leave(ctx context.Context, topic peer.Topic) error
	// Holepunch asks the candidate's referrer to coordinate a simultaneous
	// open and returns once the candidate's NAT lets our packets through.
	Holepunch(ctx context.Context, c peer.Candidate) error
	// Events delivers discovery results. The channel is closed by Close.
	Events() <-chan Event
	Close() error
}

// PacketConn is the non-QUIC side of the shared UDP socket.
type PacketConn interface {
	ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error)
	WritePacket(b []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
}

// Factory creates a discovery instance bound to the swarm's shared socket.
type Factory func(conn PacketConn) (Discovery, error)

// ParseTopic converts b into a topic.
func ParseTopic(b []byte) (peer.Topic, error) {
	var t peer.Topic
	if len(b) != len(t) {
		return t, fmt.Errorf("%w: got %d", ErrInvalidTopic, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// TopicFromString accepts a 64 character hex topic, or hashes any other
// string into one with SHA-256.
func TopicFromString(s string) peer.Topic {
	if len(s) == 64 {
		if b, err := hex.DecodeString(s); err == nil {
			t, _ := ParseTopic(b)
			return t
		}
	}
	return sha256.Sum256([]byte(s))
}
