package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-rpc/callcreds/internal/backoff"
)

type fakeSource struct {
	name    string
	mu      sync.Mutex
	calls   int32
	fn      func(ctx context.Context, attempt int) (Token, error)
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchToken(ctx context.Context) (Token, error) {
	n := int(atomic.AddInt32(&f.calls, 1))
	return f.fn(ctx, n)
}

func (f *fakeSource) callCount() int { return int(atomic.LoadInt32(&f.calls)) }

func fastBackoff() backoff.Config {
	return backoff.Config{Initial: 20 * time.Millisecond, Multiplier: 2, Jitter: 0, Max: 50 * time.Millisecond}
}

func TestCacheHitReturnsSynchronously(t *testing.T) {
	src := &fakeSource{name: "fake", fn: func(context.Context, int) (Token, error) {
		t.Fatal("should not fetch on a cache hit")
		return Token{}, nil
	}}
	c := New(src, WithBackoff(fastBackoff()))
	c.token = Token{Value: "cached", Expiry: time.Now().Add(10 * time.Minute)}

	md, err := c.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer cached", md["authorization"])
	assert.Equal(t, 0, src.callCount())
}

func TestCacheMissCoalescesConcurrentFetches(t *testing.T) {
	src := &fakeSource{name: "fake", fn: func(ctx context.Context, attempt int) (Token, error) {
		time.Sleep(50 * time.Millisecond)
		return Token{Value: "abc", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	c := New(src, WithBackoff(fastBackoff()))

	var wg sync.WaitGroup
	results := make([]map[string]string, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetRequestMetadata(context.Background())
		}(i)
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "Bearer abc", results[i]["authorization"])
	}
	assert.Equal(t, 1, src.callCount(), "expected exactly one in-flight fetch to be coalesced")

	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	assert.Equal(t, "abc", tok.Value)
}

func TestFetchFailureEntersBackoffThenRetries(t *testing.T) {
	wantErr := errors.New("http 500")
	src := &fakeSource{name: "fake", fn: func(ctx context.Context, attempt int) (Token, error) {
		if attempt == 1 {
			return Token{}, wantErr
		}
		return Token{Value: "ok", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	c := New(src, WithBackoff(fastBackoff()))

	_, err := c.GetRequestMetadata(context.Background())
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)

	// Immediately retrying observes the stored backoff failure, not a
	// second HTTP attempt.
	_, err = c.GetRequestMetadata(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, src.callCount())

	// After the backoff delay elapses, a new attempt is made and
	// succeeds.
	require.Eventually(t, func() bool {
		md, err := c.GetRequestMetadata(context.Background())
		return err == nil && md["authorization"] == "Bearer ok"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.callCount())
}

func TestCloseCancelsQueuedCalls(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{name: "fake", fn: func(ctx context.Context, attempt int) (Token, error) {
		<-block
		return Token{}, ctx.Err()
	}}
	c := New(src, WithBackoff(fastBackoff()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetRequestMetadata(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	c.Close()
	close(block)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued call was never woken after Close")
	}
}

func TestGetRequestMetadataAfterCloseFails(t *testing.T) {
	src := &fakeSource{name: "fake", fn: func(context.Context, int) (Token, error) {
		return Token{Value: "x", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	c := New(src)
	c.Close()

	_, err := c.GetRequestMetadata(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
