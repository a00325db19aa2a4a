package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cellswarm/connector"
	"github.com/opd-ai/cellswarm/peer"
	"github.com/opd-ai/cellswarm/queue"
	"github.com/opd-ai/cellswarm/transport"
)

type fakeConn struct {
	once     sync.Once
	done     chan struct{}
	closed   atomic.Bool
	reliable bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{}), reliable: true}
}

func (c *fakeConn) End() error { return c.Close() }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *fakeConn) Closed() bool          { return c.closed.Load() }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Reliable() bool        { return c.reliable }

type dialCall struct {
	cand  peer.Candidate
	reply chan dialReply
}

type dialReply struct {
	res *connector.Result
	err error
}

// blockingDialer hands every attempt to the test and waits for its answer.
type blockingDialer struct {
	calls    chan dialCall
	inflight atomic.Int32
	max      atomic.Int32
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{calls: make(chan dialCall, 64)}
}

func (d *blockingDialer) Dial(ctx context.Context, c peer.Candidate) (*connector.Result, error) {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		m := d.max.Load()
		if n <= m || d.max.CompareAndSwap(m, n) {
			break
		}
	}

	call := dialCall{cand: c, reply: make(chan dialReply, 1)}
	d.calls <- call
	select {
	case r := <-call.reply:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *blockingDialer) next(t *testing.T) dialCall {
	t.Helper()
	select {
	case c := <-d.calls:
		return c
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no connection attempt started")
		return dialCall{}
	}
}

func (d *blockingDialer) quiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-d.calls:
		require.FailNow(t, "unexpected connection attempt", c.cand.Addr())
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeResource struct {
	mu         sync.Mutex
	capacities []int
	closed     int
}

func (r *fakeResource) SetAcceptCapacity(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacities = append(r.capacities, n)
}

func (r *fakeResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeResource) last() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.capacities) == 0 {
		return 0, false
	}
	return r.capacities[len(r.capacities)-1], true
}

type recorder struct {
	connected    chan *peer.Record
	disconnected chan *peer.Record
	rejected     chan peer.Candidate
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan *peer.Record, 16),
		disconnected: make(chan *peer.Record, 16),
		rejected:     make(chan peer.Candidate, 16),
	}
}

func (o *recorder) OnConnection(_ connector.Conn, r *peer.Record)    { o.connected <- r }
func (o *recorder) OnDisconnection(_ connector.Conn, r *peer.Record) { o.disconnected <- r }
func (o *recorder) OnPeerRejected(c peer.Candidate)                  { o.rejected <- c }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
		var zero T
		return zero
	}
}

func newController(t *testing.T, cfg Config) (*Controller, *blockingDialer, *fakeResource, *recorder) {
	t.Helper()
	d := newBlockingDialer()
	res := &fakeResource{}
	obs := newRecorder()

	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 10
	}
	if cfg.MaxClientSockets == 0 {
		cfg.MaxClientSockets = 10
	}
	if cfg.MaxServerSockets == 0 {
		cfg.MaxServerSockets = 10
	}
	if cfg.Queue.Clock == nil {
		cfg.Queue.Clock = clock.NewMock()
	}
	cfg.Dialer = d
	cfg.Resource = res
	cfg.Observer = obs

	c := New(cfg)
	t.Cleanup(func() { _ = c.Destroy() })
	return c, d, res, obs
}

func stats(t *testing.T, c *Controller) Stats {
	t.Helper()
	s, err := c.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func cand(host string) peer.Candidate {
	return peer.Candidate{Host: host, Port: 4000}
}

func TestController_ClientCapSerializesAttempts(t *testing.T) {
	c, d, _, _ := newController(t, Config{MaxClientSockets: 1})

	c.Add(cand("10.0.0.1"))
	c.Add(cand("10.0.0.2"))
	c.Add(cand("10.0.0.3"))

	for i := 0; i < 3; i++ {
		call := d.next(t)
		d.quiet(t)
		call.reply <- dialReply{err: errors.New("refused")}
	}

	assert.EqualValues(t, 1, d.max.Load(), "at most one attempt may be in flight")
}

func TestController_ConnectionLifecycle(t *testing.T) {
	c, d, _, obs := newController(t, Config{})

	c.Add(cand("10.0.0.1"))
	conn := newFakeConn()
	d.next(t).reply <- dialReply{res: &connector.Result{Conn: conn}}

	r := receive(t, obs.connected)
	assert.Same(t, conn, r.Stream())
	s := stats(t, c)
	assert.Equal(t, 1, s.Peers)
	assert.Equal(t, 1, s.ClientSockets)

	require.NoError(t, conn.Close())
	assert.Same(t, r, receive(t, obs.disconnected))

	assert.Eventually(t, func() bool {
		s := stats(t, c)
		return s.Peers == 0 && s.ClientSockets == 0
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, r.Stream())
}

func TestController_GateFollowsPeerCap(t *testing.T) {
	c, d, res, obs := newController(t, Config{MaxPeers: 1, MaxServerSockets: 4})

	c.Add(cand("10.0.0.1"))
	call := d.next(t)

	capacity, ok := res.last()
	require.True(t, ok)
	assert.Equal(t, transport.AcceptDisabled, capacity)
	assert.False(t, stats(t, c).Open)

	c.Add(cand("10.0.0.2"))
	assert.Equal(t, "10.0.0.2", receive(t, obs.rejected).Host)
	d.quiet(t)

	call.reply <- dialReply{err: errors.New("refused")}
	assert.Eventually(t, func() bool {
		capacity, _ := res.last()
		return capacity == 4
	}, time.Second, 5*time.Millisecond)
	assert.True(t, stats(t, c).Open)
}

func TestController_AcceptRespectsServerCap(t *testing.T) {
	c, _, _, obs := newController(t, Config{MaxServerSockets: 1})

	first := newFakeConn()
	c.Accept(first)
	r := receive(t, obs.connected)
	assert.False(t, r.Client())

	second := newFakeConn()
	c.Accept(second)
	assert.Eventually(t, second.Closed, time.Second, 5*time.Millisecond)
	assert.False(t, first.Closed())

	s := stats(t, c)
	assert.Equal(t, 1, s.ServerSockets)
	assert.Equal(t, 1, s.Peers)
}

func TestController_InboundHandshake(t *testing.T) {
	local := []byte{0x01}

	c, _, _, obs := newController(t, Config{
		LocalID: local,
		Handshake: func(ctx context.Context, conn connector.Conn) ([]byte, error) {
			return []byte{0x01}, nil
		},
	})

	conn := newFakeConn()
	c.Accept(conn)
	assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond, "connection to self must be dropped")

	select {
	case <-obs.connected:
		assert.Fail(t, "self connection must not be reported")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_OutboundSelfConnectionDropped(t *testing.T) {
	c, d, _, obs := newController(t, Config{LocalID: []byte{0x07}})

	c.Add(cand("10.0.0.1"))
	conn := newFakeConn()
	d.next(t).reply <- dialReply{res: &connector.Result{Conn: conn, RemoteID: []byte{0x07}}}

	assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)
	select {
	case <-obs.connected:
		assert.Fail(t, "self connection must not be reported")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_SkipsInactiveTopic(t *testing.T) {
	gone := peer.Topic{9}
	c, d, _, _ := newController(t, Config{
		Active: func(topic peer.Topic) bool { return topic != gone },
	})

	c.Add(peer.Candidate{Host: "10.0.0.1", Port: 1, Topic: gone})
	d.quiet(t)

	c.Add(peer.Candidate{Host: "10.0.0.2", Port: 1, Topic: peer.Topic{1}})
	assert.Equal(t, "10.0.0.2", d.next(t).cand.Host)

	s := stats(t, c)
	assert.Equal(t, 1, s.ClientSockets)
	assert.Zero(t, s.Queued)
}

func TestController_RejoinedTopicIsDialedAgain(t *testing.T) {
	topic := peer.Topic{7}
	clk := clock.NewMock()
	var joined atomic.Bool
	c, d, _, _ := newController(t, Config{
		Queue:  queue.Config{Clock: clk},
		Active: func(peer.Topic) bool { return joined.Load() },
	})

	a := peer.Candidate{Host: "10.0.0.1", Port: 1, Topic: topic}
	c.Add(a)
	d.quiet(t)

	size := func() int {
		n := -1
		require.NoError(t, c.Call(context.Background(), func(q *queue.Queue) { n = q.Size() }))
		return n
	}
	require.Equal(t, 1, size(), "skipped record stays indexed until forgotten")

	joined.Store(true)
	clk.Add(queue.DefaultForgetUnresponsive)
	assert.Eventually(t, func() bool { return size() == 0 }, time.Second, 5*time.Millisecond)

	c.Add(a)
	assert.Equal(t, "10.0.0.1", d.next(t).cand.Host)
}

func TestController_FlushWaitsForPrioritised(t *testing.T) {
	c, d, _, _ := newController(t, Config{})

	require.NoError(t, c.Flush(context.Background()), "nothing pending resolves at once")

	c.Add(cand("10.0.0.1"))
	call := d.next(t)

	flushed := make(chan error, 1)
	go func() { flushed <- c.Flush(context.Background()) }()

	select {
	case err := <-flushed:
		require.FailNow(t, "flush resolved with an attempt in flight", "%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	call.reply <- dialReply{err: errors.New("refused")}
	require.NoError(t, receive(t, flushed))
}

func TestController_FlushResolvesWhenSaturated(t *testing.T) {
	c, d, _, obs := newController(t, Config{MaxClientSockets: 1})

	c.Add(cand("10.0.0.1"))
	d.next(t).reply <- dialReply{res: &connector.Result{Conn: newFakeConn()}}
	receive(t, obs.connected)

	c.Add(cand("10.0.0.2"))
	assert.Equal(t, 1, stats(t, c).QueuedPrioritised)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}

func TestController_FlushContext(t *testing.T) {
	c, d, _, _ := newController(t, Config{})

	c.Add(cand("10.0.0.1"))
	d.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Flush(ctx), context.DeadlineExceeded)
}

func TestController_Destroy(t *testing.T) {
	c, d, res, _ := newController(t, Config{})

	c.Add(cand("10.0.0.1"))
	d.next(t)

	flushed := make(chan error, 1)
	go func() { flushed <- c.Flush(context.Background()) }()
	assert.Eventually(t, func() bool {
		done := false
		_ = c.loop.Call(context.Background(), func() { done = len(c.waiters) == 1 })
		return done
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Destroy())
	assert.ErrorIs(t, receive(t, flushed), ErrDestroyed)
	assert.Equal(t, 1, res.closed)

	c.Add(cand("10.0.0.2"))
	d.quiet(t)

	assert.ErrorIs(t, c.Flush(context.Background()), ErrDestroyed)
	assert.NoError(t, c.Destroy())
	assert.Equal(t, 1, res.closed)

	_, err := c.Stats(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)

	err = c.Call(context.Background(), func(*queue.Queue) {})
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestController_BanClosesSession(t *testing.T) {
	c, d, _, obs := newController(t, Config{})

	target := cand("10.0.0.1")
	c.Add(target)
	conn := newFakeConn()
	d.next(t).reply <- dialReply{res: &connector.Result{Conn: conn}}
	receive(t, obs.connected)

	require.NoError(t, c.Call(context.Background(), func(q *queue.Queue) {
		r, ok := q.Get(target)
		require.True(t, ok)
		r.Ban(true)
	}))

	assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)
	receive(t, obs.disconnected)
	d.quiet(t)
}
