// Package transport owns the swarm's two listening endpoints: a reliable TCP
// listener and a hole-punchable QUIC listener bound to the same port.
//
// # Architecture
//
// A Resource binds TCP first and then binds UDP to the port TCP was given, so
// a request for any free port still yields one port shared by both
// transports. The UDP socket is wrapped in a quic.Transport which serves the
// QUIC listener, outbound QUIC dials and, through ReadNonQUICPacket, the
// discovery packets of the swarm. Sharing the socket is what makes hole
// punching work: the NAT mapping opened by a probe is the one the QUIC dial
// travels through.
//
//	r := transport.NewResource(transport.Config{
//	    Port:      4977,
//	    Discovery: discovery.NewLANFactory(discovery.LANConfig{}),
//	    OnConn:    func(c *transport.Conn) { handle(c) },
//	})
//	if err := r.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
// # Lifecycle
//
// A Resource moves from inert through opening to open, and from there through
// closing to closed. Binding is retried with exponential backoff up to a fixed
// number of attempts. The discovery handle exists only while the resource is
// open; Close destroys it first, then every live connection, then both
// listeners.
//
// # Connections
//
// Every connection, inbound or outbound, is a *Conn. Conn.Reliable reports
// whether it runs over TCP. Conn.End half-closes and waits a bounded linger
// period for the remote side to finish; Conn.Close aborts at once.
//
// QUIC connections carry a single bidirectional stream. The dialing side
// writes a one-byte preamble so the accepting side sees the stream before any
// application data is sent.
package transport
