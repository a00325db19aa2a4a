package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsInOrder(t *testing.T) {
	l := New()
	l.Start()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}

	require.NoError(t, l.Call(context.Background(), func() {}))
	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_NestedPostRunsAfter(t *testing.T) {
	l := New()
	l.Start()
	defer l.Close()

	var order []string
	var wg sync.WaitGroup
	wg.Add(1)
	l.Post(func() {
		l.Post(func() {
			order = append(order, "inner")
			wg.Done()
		})
		order = append(order, "outer")
	})
	wg.Wait()

	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestLoop_CloseDrainsQueued(t *testing.T) {
	l := New()
	ran := 0
	for i := 0; i < 10; i++ {
		l.Post(func() { ran++ })
	}
	l.Start()
	l.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Equal(t, 10, ran)
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrClosed)
}

func TestLoop_CloseBeforeStart(t *testing.T) {
	l := New()
	l.Close()
	l.Close()

	select {
	case <-l.Done():
	default:
		t.Fatal("done should be closed")
	}
	assert.True(t, l.Closed())
}

func TestLoop_CallContextCancelled(t *testing.T) {
	l := New()
	l.Start()
	defer l.Close()

	block := make(chan struct{})
	l.Post(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestLoop_RecoversPanic(t *testing.T) {
	l := New()
	l.Start()
	defer l.Close()

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}
