package queue

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cellswarm/eventloop"
	"github.com/opd-ai/cellswarm/peer"
)

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New()
	l.Start()
	t.Cleanup(l.Close)
	return l
}

func call(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, l.Call(context.Background(), fn))
}

func TestBatchTimer_FiresAtTwoThirds(t *testing.T) {
	l := newLoop(t)
	clk := clock.NewMock()

	var fired [][]*peer.Record
	var bt *BatchTimer
	a := peer.New(peer.Candidate{Host: "a", Port: 1}, nil)
	b := peer.New(peer.Candidate{Host: "b", Port: 1}, nil)

	call(t, l, func() {
		bt = NewBatchTimer(clk, 900*time.Millisecond, l.Post, func(batch []*peer.Record) {
			fired = append(fired, batch)
		})
		bt.Push(a)
		bt.Push(b)
		bt.Push(a)
	})

	clk.Add(599 * time.Millisecond)
	call(t, l, func() { assert.Empty(t, fired) })

	clk.Add(time.Millisecond)
	assert.Eventually(t, func() bool {
		n := 0
		call(t, l, func() { n = len(fired) })
		return n == 1
	}, time.Second, 5*time.Millisecond)

	call(t, l, func() {
		assert.Equal(t, []*peer.Record{a, b}, fired[0])
		assert.Zero(t, bt.Len())
	})
}

func TestBatchTimer_NeverFires(t *testing.T) {
	l := newLoop(t)
	clk := clock.NewMock()
	fired := false
	var bt *BatchTimer
	r := peer.New(peer.Candidate{Host: "a", Port: 1}, nil)

	call(t, l, func() {
		bt = NewBatchTimer(clk, 0, l.Post, func([]*peer.Record) { fired = true })
		bt.Push(r)
	})
	clk.Add(time.Hour)
	call(t, l, func() {
		assert.False(t, fired)
		assert.True(t, bt.Has(r))
	})
}

func TestBatchTimer_RemoveAndStop(t *testing.T) {
	l := newLoop(t)
	clk := clock.NewMock()
	var fired []*peer.Record
	var bt *BatchTimer
	a := peer.New(peer.Candidate{Host: "a", Port: 1}, nil)
	b := peer.New(peer.Candidate{Host: "b", Port: 1}, nil)

	call(t, l, func() {
		bt = NewBatchTimer(clk, 3*time.Second, l.Post, func(batch []*peer.Record) {
			fired = append(fired, batch...)
		})
		bt.Push(a)
		bt.Push(b)
		assert.True(t, bt.Remove(a))
		assert.False(t, bt.Remove(a))
	})

	clk.Add(2 * time.Second)
	assert.Eventually(t, func() bool {
		n := 0
		call(t, l, func() { n = len(fired) })
		return n == 1
	}, time.Second, 5*time.Millisecond)
	call(t, l, func() { assert.Equal(t, []*peer.Record{b}, fired) })

	call(t, l, func() {
		bt.Push(a)
		bt.Stop()
		assert.Zero(t, bt.Len())
	})
	clk.Add(2 * time.Second)
	call(t, l, func() { assert.Len(t, fired, 1) })
}

func TestBatchTimer_LatePushWaitsFullWindow(t *testing.T) {
	l := newLoop(t)
	clk := clock.NewMock()

	var fired [][]*peer.Record
	var bt *BatchTimer
	a := peer.New(peer.Candidate{Host: "a", Port: 1}, nil)
	b := peer.New(peer.Candidate{Host: "b", Port: 1}, nil)
	batches := func() int {
		n := 0
		call(t, l, func() { n = len(fired) })
		return n
	}

	call(t, l, func() {
		bt = NewBatchTimer(clk, 900*time.Millisecond, l.Post, func(batch []*peer.Record) {
			fired = append(fired, batch)
		})
		bt.Push(a)
	})

	clk.Add(590 * time.Millisecond)
	call(t, l, func() { bt.Push(b) })

	clk.Add(10 * time.Millisecond)
	assert.Eventually(t, func() bool { return batches() == 1 }, time.Second, 5*time.Millisecond)
	call(t, l, func() {
		assert.Equal(t, []*peer.Record{a}, fired[0])
		assert.True(t, bt.Has(b), "b was pushed late and must wait its own window")
	})

	clk.Add(589 * time.Millisecond)
	call(t, l, func() { assert.Len(t, fired, 1) })

	clk.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return batches() == 2 }, time.Second, 5*time.Millisecond)
	call(t, l, func() {
		assert.Equal(t, []*peer.Record{b}, fired[1])
		assert.Zero(t, bt.Len())
	})
}
