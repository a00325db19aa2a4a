// Package cellswarm implements a peer-to-peer swarm connection manager.
//
// A Swarm joins topics through a discovery collaborator, feeds every
// discovered candidate into a priority queue and dials them within fixed
// caps on total peers and concurrent outbound and inbound sockets. Each
// attempt races a direct TCP dial against a hole-punched QUIC dial when the
// candidate was introduced by a referrer. Failed peers are retried through
// ascending backoff tiers and forgotten once exhausted, and simultaneous
// connections between the same two nodes collapse to one.
//
// # Getting Started
//
//	swarm, err := cellswarm.New(cellswarm.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer swarm.Close()
//
//	swarm.OnConnection(func(conn net.Conn, info cellswarm.PeerInfo) {
//	    go handle(conn)
//	})
//
//	if err := swarm.Listen(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	topic := discovery.TopicFromString("my-app")
//	err = swarm.Join(ctx, topic, cellswarm.JoinOptions{Lookup: true, Announce: true})
//
//	// wait until every prioritised peer found so far was tried
//	_ = swarm.Flush(ctx)
//
// # Packages
//
//   - [github.com/opd-ai/cellswarm/peer]: per-candidate state machine
//   - [github.com/opd-ai/cellswarm/queue]: the connection queue and its batching timers
//   - [github.com/opd-ai/cellswarm/scheduler]: the admission controller
//   - [github.com/opd-ai/cellswarm/connector]: one connection attempt
//   - [github.com/opd-ai/cellswarm/transport]: the shared-port TCP and QUIC listeners
//   - [github.com/opd-ai/cellswarm/discovery]: LAN and in-process discovery
//   - [github.com/opd-ai/cellswarm/noise]: the Noise XX handshake revealing node identities
//
// # Callbacks
//
// Callbacks run one at a time on a goroutine owned by the swarm, never on the
// scheduling loop, so they may call any Swarm method. A callback that blocks
// delays the callbacks queued after it.
package cellswarm
