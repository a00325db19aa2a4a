package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// puncher sends probes over the shared socket until the remote side answers.
// Both ends probe at once after the referrer forwards the request, which
// opens the mapping on each NAT.
type puncher struct {
	conn        PacketConn
	nodeID      [32]byte
	clk         clock.Clock
	maxAttempts int
	interval    time.Duration

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newPuncher(conn PacketConn, nodeID [32]byte, clk clock.Clock) *puncher {
	return &puncher{
		conn:        conn,
		nodeID:      nodeID,
		clk:         clk,
		maxAttempts: 5,
		interval:    100 * time.Millisecond,
		waiters:     make(map[string][]chan struct{}),
	}
}

// punch probes remote until it answers, the attempts run out or ctx ends.
func (p *puncher) punch(ctx context.Context, remote *net.UDPAddr) error {
	answered := p.wait(remote)
	defer p.release(remote, answered)

	probe := (&packet{Type: packetProbe, NodeID: p.nodeID}).marshal()

	for i := 0; i < p.maxAttempts; i++ {
		if _, err := p.conn.WritePacket(probe, remote); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "punch",
				"remote":   remote.String(),
				"attempt":  i + 1,
				"error":    err.Error(),
			}).Debug("Failed to send probe")
		}

		select {
		case <-answered:
			logrus.WithFields(logrus.Fields{
				"function": "punch",
				"remote":   remote.String(),
				"attempts": i + 1,
			}).Debug("Hole punch succeeded")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(time.Duration(i+1) * p.interval):
		}
	}

	return ErrHolepunchFailed
}

// handle processes probe and ack packets. It answers probes and releases
// any punch waiting on the sender.
func (p *puncher) handle(pkt *packet, from *net.UDPAddr) {
	if pkt.Type == packetProbe {
		ack := (&packet{Type: packetAck, NodeID: p.nodeID}).marshal()
		if _, err := p.conn.WritePacket(ack, from); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handle",
				"remote":   from.String(),
				"error":    err.Error(),
			}).Debug("Failed to answer probe")
		}
	}

	p.mu.Lock()
	waiters := p.waiters[from.String()]
	delete(p.waiters, from.String())
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

func (p *puncher) wait(remote *net.UDPAddr) chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.waiters[remote.String()] = append(p.waiters[remote.String()], ch)
	p.mu.Unlock()
	return ch
}

func (p *puncher) release(remote *net.UDPAddr, ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.waiters[remote.String()]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.waiters, remote.String())
	} else {
		p.waiters[remote.String()] = list
	}
}
