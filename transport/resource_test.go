package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cellswarm/discovery"
)

func openResource(t *testing.T, cfg Config) (*Resource, chan *Conn) {
	t.Helper()
	accepted := make(chan *Conn, 8)
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.OnConn == nil {
		cfg.OnConn = func(c *Conn) { accepted <- c }
	}
	r := NewResource(cfg)
	require.NoError(t, r.Open(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r, accepted
}

func waitConn(t *testing.T, ch chan *Conn) *Conn {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound connection")
		return nil
	}
}

func TestResource_SharedPort(t *testing.T) {
	var bound net.Addr
	r, _ := openResource(t, Config{OnBind: func(a net.Addr) { bound = a }})

	assert.Equal(t, StateOpen, r.State())
	require.NotNil(t, bound)
	assert.Equal(t, r.Addr().String(), bound.String())
	assert.Equal(t, r.Port(), r.udp.LocalAddr().(*net.UDPAddr).Port)
}

func TestResource_TCPRoundTrip(t *testing.T) {
	server, accepted := openResource(t, Config{})
	client, _ := openResource(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.DialTCP(ctx, server.Addr().String())
	require.NoError(t, err)
	assert.True(t, c.Reliable())
	assert.False(t, c.Inbound())

	in := waitConn(t, accepted)
	assert.True(t, in.Inbound())

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(in, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	assert.Equal(t, 1, client.Sockets())
	require.NoError(t, c.Close())
	assert.Zero(t, client.Sockets())
	assert.True(t, c.Closed())
}

func TestResource_QUICRoundTrip(t *testing.T) {
	server, accepted := openResource(t, Config{})
	client, _ := openResource(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(server.Port()))
	c, err := client.DialQUIC(ctx, addr)
	require.NoError(t, err)
	assert.False(t, c.Reliable())

	in := waitConn(t, accepted)
	assert.False(t, in.Reliable())

	_, err = c.Write([]byte("quic"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(in, buf)
	require.NoError(t, err)
	assert.Equal(t, "quic", string(buf))

	// closing one side tears the other down
	require.NoError(t, c.Close())
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote close not observed")
	}
}

func TestResource_QUICWithoutStreamIsDropped(t *testing.T) {
	server, accepted := openResource(t, Config{AcceptTimeout: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(server.Port()))
	qc, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	require.NoError(t, err)
	defer qc.CloseWithError(0, "")

	select {
	case <-qc.Context().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection without a stream was kept open")
	}
	select {
	case c := <-accepted:
		t.Fatalf("unexpected inbound connection from %s", c.RemoteAddr())
	default:
	}
}

func TestConfig_NormalizeAcceptTimeout(t *testing.T) {
	var cfg Config
	cfg.normalize()
	assert.Equal(t, DefaultAcceptTimeout, cfg.AcceptTimeout)

	cfg = Config{AcceptTimeout: time.Second}
	cfg.normalize()
	assert.Equal(t, time.Second, cfg.AcceptTimeout)
}

func TestResource_AcceptDisabled(t *testing.T) {
	server, accepted := openResource(t, Config{})
	client, _ := openResource(t, Config{})
	server.SetAcceptCapacity(AcceptDisabled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.DialTCP(ctx, server.Addr().String())
	require.NoError(t, err)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err, "refused connection must be closed by the server")
	assert.Empty(t, accepted)

	server.SetAcceptCapacity(1)
	_, err = client.DialTCP(ctx, server.Addr().String())
	require.NoError(t, err)
	waitConn(t, accepted)

	// capacity reached
	c3, err := client.DialTCP(ctx, server.Addr().String())
	require.NoError(t, err)
	_ = c3.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c3.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestResource_End(t *testing.T) {
	server, accepted := openResource(t, Config{Linger: time.Second})
	client, _ := openResource(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.DialTCP(ctx, server.Addr().String())
	require.NoError(t, err)
	in := waitConn(t, accepted)

	require.NoError(t, c.End())
	// remote sees EOF and finishes
	_, err = io.ReadAll(in)
	require.NoError(t, err)
	require.NoError(t, in.Close())

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("ended connection did not close")
	}
}

func TestResource_DiscoveryLifecycle(t *testing.T) {
	hub := discovery.NewHub()
	r := NewResource(Config{Host: "127.0.0.1", Discovery: hub.Factory()})

	_, err := r.Discovery()
	assert.ErrorIs(t, err, discovery.ErrNotAttached)

	require.NoError(t, r.Open(context.Background()))
	d, err := r.Discovery()
	require.NoError(t, err)
	require.NotNil(t, d)

	closed := false
	r.cfg.OnClose = func() { closed = true }
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, closed)
	assert.Equal(t, StateClosed, r.State())

	_, err = r.Discovery()
	assert.ErrorIs(t, err, discovery.ErrNotAttached)
	_, open := <-d.Events()
	assert.False(t, open, "discovery is closed with the resource")
}

func TestResource_CloseDestroysSockets(t *testing.T) {
	server, accepted := openResource(t, Config{})
	client := NewResource(Config{Host: "127.0.0.1"})
	require.NoError(t, client.Open(context.Background()))

	c, err := client.DialTCP(context.Background(), server.Addr().String())
	require.NoError(t, err)
	waitConn(t, accepted)

	require.NoError(t, client.Close())
	assert.True(t, c.Closed())

	_, err = client.DialTCP(context.Background(), server.Addr().String())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestResource_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	r := NewResource(Config{
		Host:         "127.0.0.1",
		Port:         busy.Addr().(*net.TCPAddr).Port,
		BindAttempts: 3,
		BindBackoff:  time.Millisecond,
	})
	err = r.Open(context.Background())

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, 3, bindErr.Attempts)
	assert.Equal(t, StateClosed, r.State())
	assert.ErrorIs(t, r.Open(context.Background()), ErrAlreadyOpened)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "State(9)", State(9).String())
}
