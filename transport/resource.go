package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/cellswarm/discovery"
)

// AcceptDisabled is the accept capacity that refuses every inbound connection.
const AcceptDisabled = -1

// Defaults for binding and accepting.
const (
	DefaultBindAttempts  = 5
	DefaultBindBackoff   = 500 * time.Millisecond
	DefaultAcceptTimeout = 10 * time.Second
)

var (
	// ErrNotOpen is returned when dialing before Open or after Close.
	ErrNotOpen = errors.New("transport is not open")
	// ErrAlreadyOpened is returned when Open is called on a resource that left the inert state.
	ErrAlreadyOpened = errors.New("transport was already opened")
)

// BindError is returned by Open once every bind attempt failed.
type BindError struct {
	Attempts int
	Cause    error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *BindError) Unwrap() error { return e.Cause }

// State is the lifecycle state of a Resource.
type State int32

const (
	StateInert State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInert:
		return "inert"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Config configures a Resource.
type Config struct {
	// Host is the address both listeners bind to. Empty binds every interface.
	Host string
	// Port is the shared port. Zero picks one.
	Port int

	BindAttempts int
	BindBackoff  time.Duration
	// Linger bounds End on connections owned by the resource.
	Linger time.Duration
	// AcceptTimeout bounds how long an accepted QUIC connection may take to
	// open its stream.
	AcceptTimeout time.Duration
	// MaxInbound is the initial accept capacity. Zero is unlimited,
	// AcceptDisabled refuses everything.
	MaxInbound int

	// Discovery creates the discovery handle once both listeners are bound.
	Discovery discovery.Factory

	// OnConn receives every admitted inbound connection.
	OnConn func(*Conn)
	// OnBind fires once the resource is open.
	OnBind func(addr net.Addr)
	// OnClose fires once both listeners are closed.
	OnClose func()

	Clock clock.Clock
}

func (c *Config) normalize() {
	if c.BindAttempts <= 0 {
		c.BindAttempts = DefaultBindAttempts
	}
	if c.BindBackoff <= 0 {
		c.BindBackoff = DefaultBindBackoff
	}
	if c.Linger <= 0 {
		c.Linger = DefaultLinger
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Resource owns the reliable TCP listener, the hole-punchable QUIC listener
// sharing its port, the live sockets and the discovery handle.
type Resource struct {
	cfg Config

	mu       sync.Mutex
	state    State
	tcp      net.Listener
	udp      *net.UDPConn
	tr       *quic.Transport
	ql       *quic.Listener
	disc     discovery.Discovery
	sockets  map[*Conn]struct{}
	inbound  int
	capacity int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResource creates an inert resource.
func NewResource(cfg Config) *Resource {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Resource{
		cfg:      cfg,
		sockets:  make(map[*Conn]struct{}),
		capacity: cfg.MaxInbound,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the lifecycle state.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Open binds both listeners, retrying with exponential backoff, then creates
// the discovery handle.
func (r *Resource) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInert {
		r.mu.Unlock()
		return ErrAlreadyOpened
	}
	r.state = StateOpening
	r.mu.Unlock()

	if err := r.bindWithRetry(ctx); err != nil {
		r.setState(StateClosed)
		return err
	}

	var disc discovery.Discovery
	if r.cfg.Discovery != nil {
		d, err := r.cfg.Discovery(&packetConn{tr: r.tr, udp: r.udp})
		if err != nil {
			r.closeListeners()
			r.setState(StateClosed)
			return fmt.Errorf("failed to create discovery: %w", err)
		}
		disc = d
	}

	r.mu.Lock()
	if r.state != StateOpening {
		// closed while binding
		r.mu.Unlock()
		if disc != nil {
			_ = disc.Close()
		}
		r.closeListeners()
		return ErrNotOpen
	}
	r.disc = disc
	r.state = StateOpen
	r.mu.Unlock()

	r.wg.Add(2)
	go r.acceptTCP(r.tcp)
	go r.acceptQUIC(r.ql)

	addr := r.tcp.Addr()
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"addr":     addr.String(),
	}).Info("Transport open")

	if r.cfg.OnBind != nil {
		r.cfg.OnBind(addr)
	}
	return nil
}

func (r *Resource) bindWithRetry(ctx context.Context) error {
	backoff := r.cfg.BindBackoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.BindAttempts; attempt++ {
		err := r.bind()
		if err == nil {
			return nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "bindWithRetry",
			"attempt":  attempt,
			"port":     r.cfg.Port,
			"error":    err.Error(),
		}).Warn("Bind failed")

		if attempt == r.cfg.BindAttempts {
			break
		}
		select {
		case <-r.cfg.Clock.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrNotOpen
		}
		backoff *= 2
	}

	return &BindError{Attempts: r.cfg.BindAttempts, Cause: lastErr}
}

// bind opens TCP first and binds UDP to the port TCP was given.
func (r *Resource) bind() error {
	tcp, err := net.Listen("tcp", net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port)))
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}
	port := tcp.Addr().(*net.TCPAddr).Port

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.cfg.Host, strconv.Itoa(port)))
	if err != nil {
		tcp.Close()
		return err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcp.Close()
		return fmt.Errorf("udp listen: %w", err)
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		tcp.Close()
		udp.Close()
		return err
	}

	tr := &quic.Transport{Conn: udp}
	ql, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		tr.Close()
		tcp.Close()
		udp.Close()
		return fmt.Errorf("quic listen: %w", err)
	}

	r.mu.Lock()
	r.tcp, r.udp, r.tr, r.ql = tcp, udp, tr, ql
	r.mu.Unlock()
	return nil
}

func (r *Resource) acceptQUIC(l *quic.Listener) {
	defer r.wg.Done()

	for {
		qc, err := l.Accept(r.ctx)
		if err != nil {
			return
		}

		go func() {
			ctx, cancel := r.cfg.Clock.WithTimeout(r.ctx, r.cfg.AcceptTimeout)
			defer cancel()

			sc, err := acceptStream(ctx, qc)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "acceptQUIC",
					"remote":   qc.RemoteAddr().String(),
					"error":    err.Error(),
				}).Debug("Dropping QUIC connection without stream")
				_ = qc.CloseWithError(0, "")
				return
			}

			c := newConn(sc, false, true, r.cfg.Linger, r.untrack)
			watchQUIC(qc, c)
			r.admit(c)
		}()
	}
}

// DialQUIC dials addr over the hole-punchable transport from the shared port.
func (r *Resource) DialQUIC(ctx context.Context, addr string) (*Conn, error) {
	r.mu.Lock()
	tr := r.tr
	open := r.state == StateOpen
	r.mu.Unlock()
	if !open {
		return nil, ErrNotOpen
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	qc, err := tr.Dial(ctx, udpAddr, clientTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}

	sc, err := openStream(ctx, qc)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, err
	}

	c := newConn(sc, false, false, r.cfg.Linger, r.untrack)
	watchQUIC(qc, c)
	if !r.track(c) {
		_ = c.Close()
		return nil, ErrNotOpen
	}
	return c, nil
}

// admit applies the accept capacity to an inbound connection.
func (r *Resource) admit(c *Conn) {
	r.mu.Lock()
	refuse := r.state != StateOpen ||
		r.capacity < 0 ||
		(r.capacity > 0 && r.inbound >= r.capacity)
	if !refuse {
		r.sockets[c] = struct{}{}
		r.inbound++
	}
	onConn := r.cfg.OnConn
	r.mu.Unlock()

	if refuse {
		logrus.WithFields(logrus.Fields{
			"function": "admit",
			"remote":   c.RemoteAddr().String(),
			"reliable": c.Reliable(),
		}).Debug("Refusing inbound connection")
		_ = c.Close()
		return
	}

	if onConn == nil {
		_ = c.Close()
		return
	}
	onConn(c)
}

func (r *Resource) track(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateOpen {
		return false
	}
	r.sockets[c] = struct{}{}
	return true
}

func (r *Resource) untrack(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sockets[c]; !ok {
		return
	}
	delete(r.sockets, c)
	if c.Inbound() {
		r.inbound--
	}
}

// SetAcceptCapacity changes how many inbound connections may be live at once.
func (r *Resource) SetAcceptCapacity(n int) {
	r.mu.Lock()
	r.capacity = n
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetAcceptCapacity",
		"capacity": n,
	}).Debug("Accept capacity changed")
}

// Discovery returns the discovery handle. It fails unless the resource is open.
func (r *Resource) Discovery() (discovery.Discovery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateOpen || r.disc == nil {
		return nil, discovery.ErrNotAttached
	}
	return r.disc, nil
}

// Addr returns the bound TCP address, or nil when not open.
func (r *Resource) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tcp == nil || r.state != StateOpen {
		return nil
	}
	return r.tcp.Addr()
}

// Port returns the shared port, or zero when not open.
func (r *Resource) Port() int {
	if addr, ok := r.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Sockets returns the number of live connections.
func (r *Resource) Sockets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

// Close destroys discovery, then every live socket, then both listeners.
func (r *Resource) Close() error {
	r.mu.Lock()
	switch r.state {
	case StateClosing, StateClosed:
		r.mu.Unlock()
		return nil
	case StateInert:
		r.state = StateClosed
		r.mu.Unlock()
		r.cancel()
		return nil
	}
	wasOpen := r.state == StateOpen
	r.state = StateClosing
	disc := r.disc
	r.disc = nil
	sockets := make([]*Conn, 0, len(r.sockets))
	for c := range r.sockets {
		sockets = append(sockets, c)
	}
	r.mu.Unlock()

	var err error
	if disc != nil {
		err = multierr.Append(err, disc.Close())
	}
	r.cancel()

	for _, c := range sockets {
		_ = c.Close()
	}

	if wasOpen {
		err = multierr.Append(err, r.closeListeners())
	}
	r.wg.Wait()
	r.setState(StateClosed)

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"sockets":  len(sockets),
	}).Info("Transport closed")

	if r.cfg.OnClose != nil {
		r.cfg.OnClose()
	}
	return err
}

func (r *Resource) closeListeners() error {
	r.mu.Lock()
	tcp, ql, tr, udp := r.tcp, r.ql, r.tr, r.udp
	r.mu.Unlock()

	var err error
	if tcp != nil {
		err = multierr.Append(err, ignoreClosed(tcp.Close()))
	}
	if ql != nil {
		err = multierr.Append(err, ignoreClosed(ql.Close()))
	}
	if tr != nil {
		err = multierr.Append(err, ignoreClosed(tr.Close()))
	}
	if udp != nil {
		err = multierr.Append(err, ignoreClosed(udp.Close()))
	}
	return err
}

func (r *Resource) isOpen() bool {
	return r.State() == StateOpen
}

func (r *Resource) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
