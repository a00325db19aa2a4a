package queue

import (
	"math/rand/v2"

	"github.com/opd-ai/cellswarm/peer"
)

// buckets is the live draw structure: one slice per schedulable priority
// with a position index for O(1) removal.
type buckets struct {
	levels [peer.NumPriorities][]*peer.Record
	pos    map[*peer.Record]int
	rnd    *rand.Rand
	size   int
}

func newBuckets(rnd *rand.Rand) *buckets {
	return &buckets{
		pos: make(map[*peer.Record]int),
		rnd: rnd,
	}
}

func (b *buckets) has(r *peer.Record) bool {
	_, ok := b.pos[r]
	return ok
}

// add inserts r at its current priority.
func (b *buckets) add(r *peer.Record) bool {
	p := r.Priority()
	if !p.Schedulable() || b.has(r) {
		return false
	}
	b.pos[r] = len(b.levels[p])
	b.levels[p] = append(b.levels[p], r)
	b.size++
	return true
}

// shift draws a random record from the highest non-empty priority.
func (b *buckets) shift() *peer.Record {
	for p := range b.levels {
		level := b.levels[p]
		if len(level) == 0 {
			continue
		}
		r := level[b.intn(len(level))]
		b.remove(r)
		return r
	}
	return nil
}

func (b *buckets) remove(r *peer.Record) bool {
	i, ok := b.pos[r]
	if !ok {
		return false
	}
	p := r.Priority()
	level := b.levels[p]

	// the record's priority may have changed since insertion
	if i >= len(level) || level[i] != r {
		for lp := range b.levels {
			for li, o := range b.levels[lp] {
				if o == r {
					p, i, level = peer.Priority(lp), li, b.levels[lp]
				}
			}
		}
	}

	last := len(level) - 1
	level[i] = level[last]
	b.pos[level[i]] = i
	level[last] = nil
	b.levels[p] = level[:last]
	delete(b.pos, r)
	b.size--
	return true
}

// prioritised counts records at high or medium priority.
func (b *buckets) prioritised() int {
	return len(b.levels[peer.PriorityHigh]) + len(b.levels[peer.PriorityMedium])
}

func (b *buckets) len() int {
	return b.size
}

func (b *buckets) reset() {
	b.levels = [peer.NumPriorities][]*peer.Record{}
	b.pos = make(map[*peer.Record]int)
	b.size = 0
}

func (b *buckets) intn(n int) int {
	if b.rnd != nil {
		return b.rnd.IntN(n)
	}
	return rand.IntN(n)
}
