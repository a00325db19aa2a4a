package queue

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cellswarm/eventloop"
	"github.com/opd-ai/cellswarm/peer"
)

type testStream struct{ closed bool }

func (s *testStream) End() error   { s.closed = true; return nil }
func (s *testStream) Close() error { s.closed = true; return nil }
func (s *testStream) Closed() bool { return s.closed }

type harness struct {
	t    *testing.T
	loop *eventloop.Loop
	clk  *clock.Mock
	q    *Queue
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{t: t, loop: newLoop(t), clk: clock.NewMock()}
	cfg.Clock = h.clk
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}
	call(t, h.loop, func() { h.q = New(cfg, h.loop.Post) })
	return h
}

func (h *harness) do(fn func(q *Queue)) {
	h.t.Helper()
	call(h.t, h.loop, func() { fn(h.q) })
}

func (h *harness) waitLen(n int) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		got := -1
		_ = h.loop.Call(context.Background(), func() { got = h.q.Len() })
		return got == n
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) waitSize(n int) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		got := -1
		_ = h.loop.Call(context.Background(), func() { got = h.q.Size() })
		return got == n
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) waitParked(n int) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		got := -1
		_ = h.loop.Call(context.Background(), func() { got = h.q.forgetUnresponsive.Len() })
		return got == n
	}, time.Second, 5*time.Millisecond)
}

func cand(host string) peer.Candidate {
	return peer.Candidate{Host: host, Port: 4000}
}

// proven pops c and walks its record through one successful session.
func proven(q *Queue, c peer.Candidate) *peer.Record {
	q.Add(c)
	r := q.Shift()
	r.Connected(&testStream{}, true)
	r.Disconnected()
	return r
}

func TestQueue_AddShift(t *testing.T) {
	h := newHarness(t, Config{})
	readable := 0

	h.do(func(q *Queue) {
		q.OnReadable(func() { readable++ })
		q.Add(cand("10.0.0.1"))
		q.Add(cand("10.0.0.2"))
		q.Add(cand("10.0.0.1"))

		assert.Equal(t, 1, readable)
		assert.Equal(t, 2, q.Len())
		assert.Equal(t, 2, q.Size())
		assert.Equal(t, 2, q.Prioritised())

		r := q.Shift()
		require.NotNil(t, r)
		assert.True(t, r.Status().Has(peer.StatusActive))
		assert.True(t, r.Status().Has(peer.StatusTried))

		// active records are not rescheduled by a repeat candidate
		c, _ := r.Candidate()
		q.Add(c)
		assert.Equal(t, 1, q.Len())

		assert.NotNil(t, q.Shift())
		assert.Nil(t, q.Shift())

		q.Add(cand("10.0.0.3"))
		assert.Equal(t, 2, readable)
	})
}

func TestQueue_PriorityOrder(t *testing.T) {
	h := newHarness(t, Config{})

	h.do(func(q *Queue) {
		local := peer.Candidate{Host: "127.0.0.1", Port: 1, Local: true}
		sameNAT := peer.Candidate{Host: "1.2.3.4", Port: 1, Referrer: &peer.Endpoint{Host: "1.2.3.4", Port: 2}}
		q.Add(local)
		q.Add(cand("10.0.0.1"))
		q.Add(sameNAT)

		first := q.Shift()
		second := q.Shift()
		third := q.Shift()
		assert.Equal(t, peer.PriorityHigh, first.Priority())
		assert.Equal(t, peer.PriorityMedium, second.Priority())
		assert.Equal(t, peer.PriorityLow, third.Priority())
	})
}

func TestQueue_RandomWithinBucket(t *testing.T) {
	seen := make(map[string]bool)
	for seed := uint64(0); seed < 20; seed++ {
		h := newHarness(t, Config{Rand: rand.New(rand.NewPCG(seed, seed))})
		h.do(func(q *Queue) {
			for _, host := range []string{"a", "b", "c", "d"} {
				q.Add(cand(host))
			}
			c, _ := q.Shift().Candidate()
			seen[c.Host] = true
		})
	}
	assert.Greater(t, len(seen), 1, "draws within a bucket must not be insertion ordered")
}

func TestQueue_Multiplex(t *testing.T) {
	t1 := peer.Topic{1}
	t2 := peer.Topic{2}

	h := newHarness(t, Config{Multiplex: true})
	h.do(func(q *Queue) {
		r1 := q.Add(peer.Candidate{Host: "a", Port: 1, Topic: t1})
		r2 := q.Add(peer.Candidate{Host: "a", Port: 1, Topic: t2})
		assert.Same(t, r1, r2)
		assert.Equal(t, []peer.Topic{t1, t2}, r1.Topics())
		assert.Equal(t, 1, q.Size())
	})

	h = newHarness(t, Config{})
	h.do(func(q *Queue) {
		r1 := q.Add(peer.Candidate{Host: "a", Port: 1, Topic: t1})
		r2 := q.Add(peer.Candidate{Host: "a", Port: 1, Topic: t2})
		assert.NotSame(t, r1, r2)
		assert.Equal(t, 2, q.Size())
	})
}

func TestQueue_ShiftSkipsBanned(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(func(q *Queue) {
		r := q.Add(cand("a"))
		r.Ban(true)
		assert.Nil(t, q.Shift())
		assert.Equal(t, 1, q.Size(), "banned records stay indexed")

		q.Add(cand("a"))
		assert.Zero(t, q.Len())
	})
}

func TestQueue_RequeueReappearsAfterShortBackoff(t *testing.T) {
	h := newHarness(t, Config{})

	h.do(func(q *Queue) {
		r := proven(q, cand("a"))
		assert.True(t, q.Requeue(r))
		assert.Zero(t, q.Len())
	})

	h.clk.Add(600 * time.Millisecond)
	h.do(func(q *Queue) { assert.Zero(t, q.Len()) })

	h.clk.Add(67 * time.Millisecond)
	h.waitLen(1)

	h.do(func(q *Queue) {
		r := q.Shift()
		require.NotNil(t, r)
		assert.Equal(t, 1, r.Retries())
		assert.Equal(t, peer.PriorityNone, r.Priority())
	})
}

func TestQueue_RequeueLateInWindowKeepsMinimumDelay(t *testing.T) {
	h := newHarness(t, Config{})

	h.do(func(q *Queue) {
		require.True(t, q.Requeue(proven(q, cand("a"))))
	})
	h.clk.Add(660 * time.Millisecond)
	h.do(func(q *Queue) {
		require.True(t, q.Requeue(proven(q, cand("b"))))
	})

	h.clk.Add(10 * time.Millisecond)
	h.waitLen(1)
	h.do(func(q *Queue) {
		c, _ := q.Shift().Candidate()
		assert.Equal(t, "a", c.Host)
		assert.Zero(t, q.Len())
	})

	h.clk.Add(660 * time.Millisecond)
	h.waitLen(1)
	h.do(func(q *Queue) {
		c, _ := q.Shift().Candidate()
		assert.Equal(t, "b", c.Host)
	})
}

func TestQueue_NeverProvenIsForgotten(t *testing.T) {
	h := newHarness(t, Config{})

	h.do(func(q *Queue) {
		q.Add(cand("a"))
		r := q.Shift()
		assert.True(t, q.Requeue(r))
	})

	h.clk.Add(time.Second)
	// tried but never proven: parked, not rescheduled
	h.waitParked(1)
	h.do(func(q *Queue) {
		assert.Zero(t, q.Len())
		assert.Equal(t, 1, q.Size())
	})

	h.clk.Add(5 * time.Second)
	h.waitSize(0)
	h.do(func(q *Queue) { assert.Equal(t, 1, q.Stats().Forgotten) })
}

func TestQueue_SkipParksRecord(t *testing.T) {
	h := newHarness(t, Config{})
	c := cand("a")

	h.do(func(q *Queue) {
		q.Add(c)
		r := q.Shift()
		q.Skip(r)
		assert.False(t, r.Status().Has(peer.StatusActive))
		assert.True(t, q.forgetUnresponsive.Has(r))

		// rediscovered before the forget timer fires
		q.Add(c)
		assert.Zero(t, q.Len())
		assert.Equal(t, 1, q.forgetUnresponsive.Len())
	})

	h.clk.Add(5 * time.Second)
	h.waitSize(0)

	h.do(func(q *Queue) {
		q.Add(c)
		assert.Equal(t, 1, q.Len())
	})
}

func TestQueue_AddParksUnschedulable(t *testing.T) {
	h := newHarness(t, Config{})

	h.do(func(q *Queue) {
		r := q.Add(cand("a"))
		q.Shift()
		r.Active(false)

		q.Add(cand("a"))
		q.Add(cand("a"))
		assert.Equal(t, peer.PriorityNotApplicable, r.Priority())
		assert.Zero(t, q.Len())
		assert.True(t, q.forgetUnresponsive.Has(r))
		assert.Equal(t, 1, q.forgetUnresponsive.Len())
	})

	h.clk.Add(5 * time.Second)
	h.waitSize(0)
}

func TestQueue_RetriesToExhaustion(t *testing.T) {
	h := newHarness(t, Config{})
	c := cand("a")

	h.do(func(q *Queue) {
		r := proven(q, c)
		require.True(t, q.Requeue(r))
	})

	tiers := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	want := []peer.Priority{peer.PriorityNone, peer.PriorityVeryLow, peer.PriorityHigh}
	for i, d := range tiers {
		h.clk.Add(d * 2 / 3)
		h.waitLen(1)

		var r *peer.Record
		h.do(func(q *Queue) {
			r = q.Shift()
			require.NotNil(t, r)
			assert.Equal(t, want[i], r.Priority(), "after tier %d", i)
		})

		if i < len(tiers)-1 {
			h.do(func(q *Queue) { assert.True(t, q.Requeue(r)) })
		} else {
			h.do(func(q *Queue) {
				assert.False(t, q.Requeue(r))
				assert.Equal(t, 4, r.Retries())
			})
		}
	}

	h.clk.Add(5 * time.Second)
	h.waitSize(0)
}

func TestQueue_BannedParkedForever(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(func(q *Queue) {
		r := proven(q, cand("a"))
		r.Ban(true)
		assert.False(t, q.Requeue(r))
	})
	h.clk.Add(time.Hour)
	h.do(func(q *Queue) { assert.Equal(t, 1, q.Size()) })
}

func TestQueue_RequeueIgnoresInbound(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(func(q *Queue) {
		assert.False(t, q.Requeue(peer.NewInbound(q)))
	})
}

func TestQueue_Remove(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(func(q *Queue) {
		c := cand("a")
		r := q.Add(c)
		q.Remove(c)
		assert.Zero(t, q.Len())
		assert.Zero(t, q.Size())
		assert.True(t, r.Banned())

		_, ok := q.Get(c)
		assert.False(t, ok)
	})
}

func TestQueue_Destroy(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(func(q *Queue) {
		r := proven(q, cand("a"))
		q.Requeue(r)
		q.Add(cand("b"))

		q.Destroy()
		q.Destroy()
		assert.True(t, q.Destroyed())
		assert.Zero(t, q.Len())
		assert.Zero(t, q.Size())
		assert.Nil(t, q.Add(cand("c")))
	})

	h.clk.Add(time.Minute)
	h.do(func(q *Queue) { assert.Zero(t, q.Len()) })
}

func TestQueue_DeduplicateSelf(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(func(q *Queue) {
		r := q.Add(cand("a"))
		q.Shift()
		s := &testStream{}
		r.Connected(s, true)

		assert.True(t, q.Deduplicate([]byte{0xaa}, []byte{0xaa}, r))
		assert.True(t, r.Banned())
		assert.True(t, s.Closed())
	})
}

func TestPairKey(t *testing.T) {
	assert.Equal(t, "aa\nbb", pairKey([]byte{0xaa}, []byte{0xbb}))
	assert.Equal(t, "aa\nbb", pairKey([]byte{0xbb}, []byte{0xaa}))
}
