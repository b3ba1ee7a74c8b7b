package jobcounter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitZeroImmediateOnEmpty(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		c.AwaitZero()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitZero did not return immediately on an empty counter")
	}
}

func TestAwaitZeroBlocksUntilReleased(t *testing.T) {
	c := New()
	tok := c.Acquire()
	assert.Equal(t, 1, c.Count())

	done := make(chan struct{})
	go func() {
		c.AwaitZero()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitZero returned before the token was released")
	case <-time.After(50 * time.Millisecond):
	}

	tok.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitZero did not return after release")
	}
	assert.Equal(t, 0, c.Count())
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := New()
	tok := c.Acquire()
	tok.Release()
	tok.Release()
	assert.Equal(t, 0, c.Count())
}

func TestAwaitZeroToleratesManyConcurrentTokens(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		tok := c.Acquire()
		wg.Add(1)
		go func(tok *Token) {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			tok.Release()
		}(tok)
	}
	wg.Wait()
	c.AwaitZero()
	assert.Equal(t, 0, c.Count())
}

func TestAwaitZeroContextCancellation(t *testing.T) {
	c := New()
	tok := c.Acquire()
	defer tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.AwaitZeroContext(ctx)
	require.Error(t, err)
}
