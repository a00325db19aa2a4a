// Package connector runs one connection attempt for one peer record: a
// direct TCP dial raced against a hole-punched QUIC dial when the candidate
// has a referrer, bounded by a timeout.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/cellswarm/discovery"
	"github.com/opd-ai/cellswarm/peer"
	"github.com/opd-ai/cellswarm/transport"
)

// DefaultTimeout bounds one connection attempt.
const DefaultTimeout = 10 * time.Second

// Attempt paths.
const (
	PathDirect    = "direct"
	PathHolepunch = "holepunch"
)

var (
	// ErrTimeout is returned when no path completed before the attempt timeout.
	ErrTimeout = errors.New("connection attempt timed out")
	// ErrAllAttemptsFailed is returned when every path failed.
	ErrAllAttemptsFailed = errors.New("all connection paths failed")
)

// AttemptError is the failure of one path of an attempt.
type AttemptError struct {
	Path  string
	Cause error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Cause)
}

func (e *AttemptError) Unwrap() error { return e.Cause }

// Conn is a connection handed back by an attempt.
type Conn interface {
	peer.Stream
	Done() <-chan struct{}
	Reliable() bool
}

// Result is a successful attempt.
type Result struct {
	Conn Conn
	// RemoteID is the remote identity revealed by the handshake, nil without one.
	RemoteID []byte
}

// Handshaker authenticates a fresh connection and returns the remote identity.
type Handshaker func(ctx context.Context, conn net.Conn, initiator bool) ([]byte, error)

// Dialer is the transport side of an attempt. *transport.Resource implements it.
type Dialer interface {
	DialTCP(ctx context.Context, addr string) (*transport.Conn, error)
	DialQUIC(ctx context.Context, addr string) (*transport.Conn, error)
	Discovery() (discovery.Discovery, error)
}

// Config configures a Connector.
type Config struct {
	Timeout   time.Duration
	Handshake Handshaker
	Clock     clock.Clock
}

// Connector executes connection attempts.
type Connector struct {
	dialer    Dialer
	timeout   time.Duration
	handshake Handshaker
	clk       clock.Clock
}

// New creates a connector dialing through d.
func New(d Dialer, cfg Config) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Connector{
		dialer:    d,
		timeout:   cfg.Timeout,
		handshake: cfg.Handshake,
		clk:       cfg.Clock,
	}
}

type outcome struct {
	path     string
	conn     *transport.Conn
	remoteID []byte
	err      error
}

// Dial performs one attempt for c. The first path that completes its
// handshake wins and every other connection of the attempt is closed.
func (c *Connector) Dial(parent context.Context, cand peer.Candidate) (*Result, error) {
	ctx, cancel := c.clk.WithTimeout(parent, c.timeout)
	defer cancel()

	results := make(chan outcome, 2)
	paths := 1
	go func() { results <- c.direct(ctx, cand) }()
	if cand.Referrer != nil {
		paths++
		go func() { results <- c.punched(ctx, cand) }()
	}

	var errs error
	for pending := paths; pending > 0; pending-- {
		select {
		case o := <-results:
			if o.err != nil {
				errs = multierr.Append(errs, &AttemptError{Path: o.path, Cause: o.err})
				continue
			}
			cancel()
			discard(results, pending-1)

			logrus.WithFields(logrus.Fields{
				"function": "Dial",
				"peer":     cand.Addr(),
				"path":     o.path,
				"reliable": o.conn.Reliable(),
			}).Debug("Connection attempt succeeded")
			return &Result{Conn: o.conn, RemoteID: o.remoteID}, nil

		case <-ctx.Done():
			discard(results, pending)
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			return nil, ErrTimeout
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"peer":     cand.Addr(),
		"error":    errs.Error(),
	}).Debug("Connection attempt failed")
	return nil, fmt.Errorf("%w: %w", ErrAllAttemptsFailed, errs)
}

func (c *Connector) direct(ctx context.Context, cand peer.Candidate) outcome {
	conn, err := c.dialer.DialTCP(ctx, cand.Addr())
	if err != nil {
		return outcome{path: PathDirect, err: err}
	}
	return c.finish(ctx, PathDirect, conn)
}

func (c *Connector) punched(ctx context.Context, cand peer.Candidate) outcome {
	d, err := c.dialer.Discovery()
	if err != nil {
		return outcome{path: PathHolepunch, err: err}
	}
	if err := d.Holepunch(ctx, cand); err != nil {
		return outcome{path: PathHolepunch, err: err}
	}
	conn, err := c.dialer.DialQUIC(ctx, cand.Addr())
	if err != nil {
		return outcome{path: PathHolepunch, err: err}
	}
	return c.finish(ctx, PathHolepunch, conn)
}

func (c *Connector) finish(ctx context.Context, path string, conn *transport.Conn) outcome {
	if c.handshake == nil {
		return outcome{path: path, conn: conn}
	}
	id, err := c.handshake(ctx, conn, true)
	if err != nil {
		_ = conn.Close()
		return outcome{path: path, err: fmt.Errorf("handshake: %w", err)}
	}
	return outcome{path: path, conn: conn, remoteID: id}
}

// discard closes the connections of paths that finish after the attempt
// was decided.
func discard(results <-chan outcome, n int) {
	if n <= 0 {
		return
	}
	go func() {
		for i := 0; i < n; i++ {
			if o := <-results; o.conn != nil {
				_ = o.conn.Close()
			}
		}
	}()
}
