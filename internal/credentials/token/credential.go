package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meridian-rpc/callcreds/internal/backoff"
)

// ErrClosed is returned by GetRequestMetadata once the credential has
// been closed (the Go equivalent of the spec's "orphaned" state).
var ErrClosed = errors.New("token credential closed")

// fetchState exists whenever a call needs a token and none is cached.
// At any instant it holds either an in-flight fetch goroutine or a
// pending backoff timer, never both, matching the spec's invariant.
type fetchState struct {
	backoff      *backoff.Backoff
	inFlight     bool
	cancelFetch  context.CancelFunc
	timer        *time.Timer
	backoffUntil time.Time
	backoffErr   error
	queue        []*queuedCall
}

// queuedCall is the handle a suspended GetRequestMetadata call waits on.
// Closing done is this port's "waker": result and err are always
// written before done is closed, so the receiving goroutine observes a
// fully published result (Go's happens-before guarantee on channel
// close gives this for free, no separate publication step needed).
type queuedCall struct {
	done   chan struct{}
	result Token
	err    error
}

// Credential is the ownership root described by the spec: a cached
// Token, an optional fetchState, and the mutex guarding both. It
// implements google.golang.org/grpc/credentials.PerRPCCredentials.
type Credential struct {
	mu     sync.Mutex
	token  Token
	state  *fetchState
	closed bool

	source       Source
	backoffCfg   backoff.Config
	fetchTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	log          logrus.FieldLogger
	requireTLS   bool
}

// Option configures a Credential at construction time.
type Option func(*Credential)

// WithBackoff overrides the default backoff policy used between failed
// fetch attempts.
func WithBackoff(cfg backoff.Config) Option {
	return func(c *Credential) { c.backoffCfg = cfg }
}

// WithFetchTimeout bounds how long a single FetchToken call may run.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Credential) { c.fetchTimeout = d }
}

// WithLogger attaches a structured logger; defaults to logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Credential) { c.log = log }
}

// WithRequireTransportSecurity controls RequireTransportSecurity's
// return value. Defaults to true: bearer tokens must not travel over a
// plaintext channel.
func WithRequireTransportSecurity(require bool) Option {
	return func(c *Credential) { c.requireTLS = require }
}

// New wraps source in a caching, coalescing, backing-off call
// credential.
func New(source Source, opts ...Option) *Credential {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Credential{
		source:       source,
		backoffCfg:   backoff.DefaultConfig(),
		fetchTimeout: 30 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		log:          logrus.StandardLogger(),
		requireTLS:   true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRequestMetadata implements credentials.PerRPCCredentials. It either
// returns synchronously from the cache, or blocks the calling goroutine
// until the single in-flight fetch for this credential completes — the
// idiomatic Go rendering of the spec's lazy pollable (see SPEC_FULL.md
// §9): a blocked goroutine already yields its OS thread, so no separate
// poll/waker machinery is needed.
func (c *Credential) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.token.usable(now) {
		tok := c.token
		c.mu.Unlock()
		return stamp(tok), nil
	}

	if c.state == nil {
		c.state = &fetchState{backoff: backoff.New(c.backoffCfg)}
		c.startFetchAttemptLocked(c.state)
	} else if !c.state.backoffUntil.IsZero() && now.Before(c.state.backoffUntil) {
		err := c.state.backoffErr
		c.mu.Unlock()
		return nil, err
	}

	qc := &queuedCall{done: make(chan struct{})}
	c.state.queue = append(c.state.queue, qc)
	c.mu.Unlock()

	select {
	case <-qc.done:
		if qc.err != nil {
			return nil, qc.err
		}
		return stamp(qc.result), nil
	case <-ctx.Done():
		// The spec calls this a no-op waker: qc stays queued and will
		// still be closed when the fetch resolves, but nobody is left
		// listening.
		return nil, ctx.Err()
	}
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *Credential) RequireTransportSecurity() bool { return c.requireTLS }

// Type identifies this credential for the compositor's ordering (§4.4).
func (c *Credential) Type() string { return "token-fetcher:" + c.source.Name() }

// Close orphans the credential: any in-flight fetch or pending backoff
// timer is canceled, and every queued call is woken with cancellation.
func (c *Credential) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	state := c.state
	c.state = nil
	c.mu.Unlock()

	c.cancel()

	if state == nil {
		return
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	for _, qc := range state.queue {
		qc.err = context.Canceled
		close(qc.done)
	}
}

func (c *Credential) startFetchAttemptLocked(state *fetchState) {
	state.inFlight = true
	fetchCtx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	state.cancelFetch = cancel

	attemptID := uuid.NewString()
	c.log.WithFields(logrus.Fields{
		"source":     c.source.Name(),
		"attempt_id": attemptID,
	}).Debug("starting token fetch attempt")

	go func() {
		tok, err := c.source.FetchToken(fetchCtx)
		cancel()
		c.onFetchDone(state, tok, err)
	}()
}

// onFetchDone is invoked exactly once per fetch attempt, on the fetch
// goroutine. It must never be called while c.mu is held by the caller.
func (c *Credential) onFetchDone(state *fetchState, tok Token, err error) {
	c.mu.Lock()
	if c.state != state {
		// Superseded by Close or a later fetch; nothing left to wake.
		c.mu.Unlock()
		return
	}

	if err == nil {
		c.token = tok
		toWake := state.queue
		c.state = nil
		c.mu.Unlock()

		for _, qc := range toWake {
			qc.result = tok
			close(qc.done)
		}
		c.log.WithField("source", c.source.Name()).Debug("token fetch succeeded")
		return
	}

	delay := state.backoff.NextAttemptDelay()
	state.inFlight = false
	state.backoffUntil = time.Now().Add(delay)
	state.backoffErr = &AuthError{Source: c.source.Name(), Err: err}
	c.log.WithFields(logrus.Fields{
		"source": c.source.Name(),
		"delay":  delay,
	}).Warn("token fetch failed, entering backoff")

	state.timer = time.AfterFunc(delay, func() { c.onBackoffExpired(state) })
	toWake := state.queue
	state.queue = nil
	failErr := state.backoffErr
	c.mu.Unlock()

	for _, qc := range toWake {
		qc.err = failErr
		close(qc.done)
	}
}

// onBackoffExpired destroys the fetch state once its backoff timer
// fires. Calls queued during the failed attempt were already woken by
// onFetchDone; any call queued after backoffUntil passed but before the
// timer fired is woken here with the stored failure. A subsequent
// GetRequestMetadata call recreates the fetch state and tries again.
func (c *Credential) onBackoffExpired(state *fetchState) {
	c.mu.Lock()
	if c.state != state {
		c.mu.Unlock()
		return
	}
	toWake := state.queue
	failErr := state.backoffErr
	c.state = nil
	c.mu.Unlock()

	for _, qc := range toWake {
		qc.err = failErr
		close(qc.done)
	}
}

func stamp(tok Token) map[string]string {
	return map[string]string{"authorization": "Bearer " + tok.Value}
}
