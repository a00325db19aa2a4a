package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// streamPreamble is written by the dialer so the listener's AcceptStream
// returns. QUIC only announces a stream once data flows on it.
const streamPreamble byte = 0x01

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}
}

// streamConn presents one bidirectional stream of a QUIC connection as a
// net.Conn. Closing it closes the whole QUIC connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *streamConn) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *streamConn) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// CloseWrite closes the send direction of the stream.
func (s *streamConn) CloseWrite() error {
	return s.Stream.Close()
}

func (s *streamConn) Close() error {
	s.Stream.CancelRead(0)
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "")
}

// openStream opens the single stream of a dialed QUIC connection.
func openStream(ctx context.Context, qc *quic.Conn) (*streamConn, error) {
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if _, err := st.Write([]byte{streamPreamble}); err != nil {
		st.CancelRead(0)
		return nil, fmt.Errorf("failed to write stream preamble: %w", err)
	}
	return &streamConn{Stream: st, conn: qc}, nil
}

// acceptStream waits for the dialer's stream on an accepted QUIC connection.
func acceptStream(ctx context.Context, qc *quic.Conn) (*streamConn, error) {
	st, err := qc.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept stream: %w", err)
	}

	var preamble [1]byte
	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetReadDeadline(deadline)
	}
	if _, err := io.ReadFull(st, preamble[:]); err != nil {
		return nil, fmt.Errorf("failed to read stream preamble: %w", err)
	}
	_ = st.SetReadDeadline(time.Time{})
	if preamble[0] != streamPreamble {
		return nil, fmt.Errorf("unexpected stream preamble 0x%02x", preamble[0])
	}
	return &streamConn{Stream: st, conn: qc}, nil
}

// watchQUIC closes c when the underlying QUIC connection goes away.
func watchQUIC(qc *quic.Conn, c *Conn) {
	go func() {
		select {
		case <-qc.Context().Done():
			_ = c.Close()
		case <-c.Done():
		}
	}()
}

// packetConn exposes the non-QUIC traffic of the shared UDP socket.
type packetConn struct {
	tr  *quic.Transport
	udp *net.UDPConn
}

func (p *packetConn) ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error) {
	return p.tr.ReadNonQUICPacket(ctx, b)
}

func (p *packetConn) WritePacket(b []byte, addr net.Addr) (int, error) {
	return p.tr.WriteTo(b, addr)
}

func (p *packetConn) LocalAddr() net.Addr {
	return p.udp.LocalAddr()
}
