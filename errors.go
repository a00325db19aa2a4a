package cellswarm

import (
	"errors"

	"github.com/opd-ai/cellswarm/discovery"
	"github.com/opd-ai/cellswarm/scheduler"
)

var (
	// ErrDestroyed is returned by every operation issued after Close and by
	// flushes still pending when Close runs.
	ErrDestroyed = scheduler.ErrDestroyed
	// ErrNotAttached is returned by discovery operations before Listen.
	ErrNotAttached = discovery.ErrNotAttached
)

// ErrUnknownPeer is returned by peer operations for candidates the swarm has
// no record of.
var ErrUnknownPeer = errors.New("unknown peer")
