package queue

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/cellswarm/peer"
)

// BatchTimer collects records and hands them back in batches. Every record is
// held for at least the window, two thirds of the configured delay, and the
// timer fires for all records that have reached that age together. A
// non-positive delay never fires, which is how records are parked forever.
//
// BatchTimer is owned by the event loop: Push, Remove and Stop must be called
// from it, and the fire callback runs on it through post.
type BatchTimer struct {
	clk    clock.Clock
	window time.Duration
	post   func(func()) bool
	fire   func([]*peer.Record)

	items map[*peer.Record]time.Time
	order []*peer.Record // push order, oldest first
	timer *clock.Timer
	gen   uint64
}

// NewBatchTimer creates a timer calling fire with every record that has been
// pending for a full window.
func NewBatchTimer(clk clock.Clock, delay time.Duration, post func(func()) bool, fire func([]*peer.Record)) *BatchTimer {
	var window time.Duration
	if delay > 0 {
		window = delay * 2 / 3
	}
	return &BatchTimer{
		clk:    clk,
		window: window,
		post:   post,
		fire:   fire,
		items:  make(map[*peer.Record]time.Time),
	}
}

// Push adds r to the pending set and arms the timer if it is idle. A record
// already pending keeps its original push time.
func (b *BatchTimer) Push(r *peer.Record) {
	if _, ok := b.items[r]; ok {
		return
	}
	b.items[r] = b.clk.Now()
	b.order = append(b.order, r)

	if b.window <= 0 || b.timer != nil {
		return
	}
	b.arm(b.window)
}

func (b *BatchTimer) arm(d time.Duration) {
	gen := b.gen
	b.timer = b.clk.AfterFunc(d, func() {
		b.post(func() { b.expire(gen) })
	})
}

// Remove drops r from the pending batch. It reports whether r was held.
func (b *BatchTimer) Remove(r *peer.Record) bool {
	if _, ok := b.items[r]; !ok {
		return false
	}
	delete(b.items, r)
	for i, o := range b.order {
		if o == r {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if len(b.items) == 0 {
		b.disarm()
	}
	return true
}

// Has reports whether r is pending.
func (b *BatchTimer) Has(r *peer.Record) bool {
	_, ok := b.items[r]
	return ok
}

// Len returns the number of pending records.
func (b *BatchTimer) Len() int {
	return len(b.items)
}

// Stop disarms the timer and discards every pending record.
func (b *BatchTimer) Stop() {
	b.disarm()
	b.items = make(map[*peer.Record]time.Time)
	b.order = nil
}

func (b *BatchTimer) disarm() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

func (b *BatchTimer) expire(gen uint64) {
	if gen != b.gen {
		return
	}
	b.timer = nil
	b.gen++

	now := b.clk.Now()
	n := 0
	for n < len(b.order) && now.Sub(b.items[b.order[n]]) >= b.window {
		n++
	}

	batch := b.order[:n:n]
	b.order = b.order[n:]
	for _, r := range batch {
		delete(b.items, r)
	}

	// armed before fire runs, which may push into this timer
	if len(b.order) > 0 {
		b.arm(b.items[b.order[0]].Add(b.window).Sub(now))
	}

	if len(batch) > 0 {
		b.fire(batch)
	}
}
