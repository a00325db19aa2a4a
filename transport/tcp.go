package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

func (r *Resource) acceptTCP(l net.Listener) {
	defer r.wg.Done()

	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptTCP",
				"error":    err.Error(),
			}).Warn("TCP accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		setKeepAlive(nc)
		r.admit(newConn(nc, true, true, r.cfg.Linger, r.untrack))
	}
}

// DialTCP dials addr over the reliable transport.
func (r *Resource) DialTCP(ctx context.Context, addr string) (*Conn, error) {
	if !r.isOpen() {
		return nil, ErrNotOpen
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	setKeepAlive(nc)

	c := newConn(nc, true, false, r.cfg.Linger, r.untrack)
	if !r.track(c) {
		_ = c.Close()
		return nil, ErrNotOpen
	}
	return c, nil
}

func setKeepAlive(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(15 * time.Second)
		_ = tc.SetNoDelay(true)
	}
}
