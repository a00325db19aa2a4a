package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLinger bounds how long End waits for the remote side to finish
// after our write side is closed.
const DefaultLinger = 5 * time.Second

type closeWriter interface {
	CloseWrite() error
}

// Conn is a live swarm connection over either transport. It embeds the
// underlying net.Conn so reads and writes go straight through.
type Conn struct {
	net.Conn

	reliable bool
	inbound  bool
	linger   time.Duration

	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	ending  atomic.Bool
	onClose func(*Conn)
	err     error
}

func newConn(nc net.Conn, reliable, inbound bool, linger time.Duration, onClose func(*Conn)) *Conn {
	if linger <= 0 {
		linger = DefaultLinger
	}
	return &Conn{
		Conn:     nc,
		reliable: reliable,
		inbound:  inbound,
		linger:   linger,
		done:     make(chan struct{}),
		onClose:  onClose,
	}
}

// Reliable reports whether the connection runs over TCP.
func (c *Conn) Reliable() bool { return c.reliable }

// Inbound reports whether the connection was accepted rather than dialed.
func (c *Conn) Inbound() bool { return c.inbound }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has run.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close aborts the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.err = c.Conn.Close()
		close(c.done)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return c.err
}

// End half-closes the connection and closes it fully once the remote side
// finishes or the linger period runs out. Reads after End are discarded.
func (c *Conn) End() error {
	if c.Closed() || !c.ending.CompareAndSwap(false, true) {
		return nil
	}

	cw, ok := c.Conn.(closeWriter)
	if !ok {
		return c.Close()
	}
	if err := cw.CloseWrite(); err != nil {
		_ = c.Close()
		return err
	}

	go func() {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.linger))
		_, err := io.Copy(io.Discard, c.Conn)
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			logrus.WithFields(logrus.Fields{
				"function": "End",
				"remote":   c.RemoteAddr().String(),
				"error":    err.Error(),
			}).Debug("Connection did not finish before linger timeout")
		}
		_ = c.Close()
	}()
	return nil
}
