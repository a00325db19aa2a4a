package cellswarm

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/cellswarm/connector"
	"github.com/opd-ai/cellswarm/crypto"
	"github.com/opd-ai/cellswarm/discovery"
	"github.com/opd-ai/cellswarm/queue"
	"github.com/opd-ai/cellswarm/transport"
)

// DefaultMaxPeers is the default cap on live and in-flight connections.
const DefaultMaxPeers = 24

// DefaultRefreshInterval is how often joined topics are looked up and
// announced again.
const DefaultRefreshInterval = time.Minute

// Options contains the configuration of a Swarm. Zero fields take their
// defaults when the swarm is created.
type Options struct {
	// Host and Port select the address both transports bind to. Port zero
	// picks a free port shared by TCP and QUIC.
	Host string
	Port int

	MaxPeers         int
	MaxClientSockets int
	MaxServerSockets int

	// Backoff holds the retry delays of the backoff tiers, shortest first.
	Backoff            []time.Duration
	ForgetUnresponsive time.Duration
	// ForgetBanned is the delay before a banned peer is forgotten. Zero keeps
	// banned peers forever.
	ForgetBanned   time.Duration
	ConnectTimeout time.Duration
	// Multiplex keys peers by host:port alone so one connection serves every
	// topic the peer is found under.
	Multiplex bool

	BindAttempts int
	BindBackoff  time.Duration
	Linger       time.Duration

	// Identity is the node's static key. One is generated when nil.
	Identity *crypto.KeyPair
	// Handshake runs a Noise XX handshake on every connection, which reveals
	// the identities used to drop duplicate connections.
	Handshake bool

	// Discovery creates the discovery handle. Nil uses LAN discovery.
	Discovery       discovery.Factory
	RefreshInterval time.Duration

	Clock      clock.Clock
	Registerer prometheus.Registerer
}

// NewOptions returns options with every default filled in.
func NewOptions() *Options {
	return &Options{
		MaxPeers:           DefaultMaxPeers,
		MaxClientSockets:   DefaultMaxPeers,
		MaxServerSockets:   DefaultMaxPeers,
		Backoff:            append([]time.Duration(nil), queue.DefaultBackoff...),
		ForgetUnresponsive: queue.DefaultForgetUnresponsive,
		ConnectTimeout:     connector.DefaultTimeout,
		BindAttempts:       transport.DefaultBindAttempts,
		BindBackoff:        transport.DefaultBindBackoff,
		Linger:             transport.DefaultLinger,
		Handshake:          true,
		RefreshInterval:    DefaultRefreshInterval,
	}
}

// ConfigurationError reports an invalid option or join request.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks the options without applying defaults.
func (o *Options) Validate() error {
	switch {
	case o.Port < 0 || o.Port > 65535:
		return &ConfigurationError{Field: "Port", Reason: "must be between 0 and 65535"}
	case o.MaxPeers < 0:
		return &ConfigurationError{Field: "MaxPeers", Reason: "must not be negative"}
	case o.MaxClientSockets < 0:
		return &ConfigurationError{Field: "MaxClientSockets", Reason: "must not be negative"}
	case o.MaxServerSockets < 0:
		return &ConfigurationError{Field: "MaxServerSockets", Reason: "must not be negative"}
	case o.ForgetUnresponsive < 0 || o.ForgetBanned < 0:
		return &ConfigurationError{Field: "Forget", Reason: "delays must not be negative"}
	case o.ConnectTimeout < 0:
		return &ConfigurationError{Field: "ConnectTimeout", Reason: "must not be negative"}
	}

	for i, d := range o.Backoff {
		if d <= 0 {
			return &ConfigurationError{Field: "Backoff", Reason: fmt.Sprintf("tier %d must be positive", i)}
		}
		if i > 0 && d < o.Backoff[i-1] {
			return &ConfigurationError{Field: "Backoff", Reason: "tiers must be ascending"}
		}
	}
	return nil
}

// normalize replaces zero fields with defaults. It returns a copy.
func (o *Options) normalize() *Options {
	n := *o
	if n.MaxPeers == 0 {
		n.MaxPeers = DefaultMaxPeers
	}
	if n.MaxClientSockets == 0 {
		n.MaxClientSockets = n.MaxPeers
	}
	if n.MaxServerSockets == 0 {
		n.MaxServerSockets = n.MaxPeers
	}
	if len(n.Backoff) == 0 {
		n.Backoff = append([]time.Duration(nil), queue.DefaultBackoff...)
	}
	if n.ForgetUnresponsive == 0 {
		n.ForgetUnresponsive = queue.DefaultForgetUnresponsive
	}
	if n.ConnectTimeout == 0 {
		n.ConnectTimeout = connector.DefaultTimeout
	}
	if n.RefreshInterval == 0 {
		n.RefreshInterval = DefaultRefreshInterval
	}
	if n.Clock == nil {
		n.Clock = clock.New()
	}
	if n.Discovery == nil {
		n.Discovery = discovery.NewLANFactory(discovery.LANConfig{Clock: n.Clock})
	}
	return &n
}
