package websocket

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/websocket/internal"
	"github.com/y3sh/capital-sdk-go/common"
	"go.uber.org/zap"
)

// The following errors are returned by StreamClient, or used as causes of
// the errors it returns (use errors.Cause to compare).
var (
	// ErrNotConnected means the connection is not established when the client
	// tried to send a frame.
	ErrNotConnected = errors.New("not connected")

	// ErrTokensUnavailable means the TokenProvider couldn't provide session
	// tokens even after re-authentication. The connection loop gives up.
	ErrTokensUnavailable = errors.New("session tokens are not available")

	// ErrAuthFailure means the server rejected the session tokens. The
	// connection loop gives up without any further attempts.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrAttemptsExhausted means the connection loop gave up after
	// ReconnectOpts.MaxAttempts consecutive failures.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

	// ErrInvalidSubscription means a subscription lacks fields required by its
	// data kind.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrMalformedFrame means an inbound frame couldn't be interpreted.
	ErrMalformedFrame = errors.New("malformed frame")
)

const (
	// DefaultURL is the Capital.com streaming endpoint; the same one is used
	// for demo and live accounts.
	DefaultURL = "wss://api-streaming-capital.backend-capital.com/connect"

	// DefaultKeepAliveInterval is how often the application-level ping is sent.
	// The server drops sessions which were idle for 10 minutes.
	DefaultKeepAliveInterval = 9 * time.Minute

	keepAliveJoinTimeout = 3 * time.Second
	stopLoopTimeout      = 15 * time.Second
	stopKeepAliveTimeout = 5 * time.Second

	// sendTimeout bounds each control frame write.
	sendTimeout = 10 * time.Second
)

// TokenProvider supplies session tokens. It's typically implemented by
// rest.SessionClient.
type TokenProvider interface {
	// Tokens returns current tokens; ok is false if there are none (e.g. not
	// logged in yet, or the session was dropped).
	Tokens() (tokens common.SessionTokens, ok bool)

	// Reauthenticate obtains a fresh pair of tokens.
	Reauthenticate(ctx context.Context) error
}

// ReconnectOpts are settings used to reconnect after being disconnected. The
// delay before attempt n (counting from 0) is BaseDelay*2^n, but not longer
// than MaxDelay. After MaxAttempts consecutive failures the client gives up
// until the next Subscribe.
type ReconnectOpts struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

var defaultReconnectOpts = ReconnectOpts{
	BaseDelay:   5 * time.Second,
	MaxDelay:    60 * time.Second,
	MaxAttempts: 10,
}

// backoffDelay returns the delay before the reconnection attempt number
// attempt (counting from 0).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}

	if delay > max {
		delay = max
	}

	return delay
}

// ConnState represents the streaming connection state
type ConnState int

// The following constants represent every possible ConnState.
const (
	// ConnStateDisconnected means we're disconnected and not trying to connect.
	// The connection loop is not running.
	ConnStateDisconnected ConnState = iota

	// ConnStateConnecting means we're either obtaining tokens and dialing
	// right now, or waiting for a backoff timeout before doing that.
	ConnStateConnecting

	// ConnStateConnected means the websocket connection is established and
	// subscriptions were (re)sent.
	ConnStateConnected

	// ConnStateStopping means the client was asked to stop and is waiting for
	// the connection loop to finish.
	ConnStateStopping

	// ConnStateAny can be used with OnStateChange in order to listen for all
	// states.
	ConnStateAny = -1
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	ConnStateDisconnected: "disconnected",
	ConnStateConnecting:   "connecting",
	ConnStateConnected:    "connected",
	ConnStateStopping:     "stopping",
}

func (s ConnState) String() string {
	return ConnStateNames[s]
}

// StateCallback is a signature of a state listener.
type StateCallback func(prevState, curState ConnState)

type supervisorParams struct {
	url               string
	tokens            TokenProvider
	reconnect         ReconnectOpts
	keepAliveInterval time.Duration
	transport         internal.TransportParams

	logger  *zap.Logger
	metrics *Metrics

	// Mockables
	clock clock.Clock
	dial  func(ctx context.Context, params *internal.TransportParams, onRead internal.OnReadCallback) (*internal.Conn, error)
	// waitingBackoff is called after the backoff timer is created
	waitingBackoff func(attempt int, delay time.Duration)
}

// run is a single run of the connection loop, from start to stop (or giving
// up).
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	// done is closed when connLoop returns
	done chan struct{}

	// The fields below are guarded by supervisor.mtx
	conn      *internal.Conn
	keepAlive *keepAlive
	attempts  int
}

// supervisor owns the connection lifecycle: it connects, resubscribes
// everything from the registry on every successful open, reconnects with
// backoff, and stops on request.
type supervisor struct {
	params   supervisorParams
	registry *registry
	router   *router

	// Current state
	state ConnState

	// run is the currently active run, or nil if the connection loop is not
	// running (or is being stopped).
	run *run

	// lastErr is the reason the last run has given up, if any.
	lastErr error

	stateListeners map[ConnState][]StateCallback
	notifier       *stateNotifier

	mtx sync.Mutex
}

func newSupervisor(params supervisorParams, reg *registry, rt *router) *supervisor {
	if params.clock == nil {
		params.clock = clock.New()
	}
	if params.dial == nil {
		params.dial = internal.Dial
	}
	if params.waitingBackoff == nil {
		params.waitingBackoff = func(int, time.Duration) {}
	}

	s := &supervisor{
		params:         params,
		registry:       reg,
		router:         rt,
		state:          ConnStateDisconnected,
		stateListeners: make(map[ConnState][]StateCallback),
		notifier:       &stateNotifier{},
	}

	return s
}

// start starts the connection loop unless it's already running. Returns
// whether a new loop was started.
func (s *supervisor) start() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.startLocked()
}

// update calls fn with the state mutex locked, so that no state transition
// happens concurrently (in particular, entering ConnStateConnected together
// with taking the registry snapshot). If start is true, the connection loop is
// then started unless it's running. Returns the resulting state.
func (s *supervisor) update(fn func(), start bool) (state ConnState, started bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	fn()

	if start {
		started = s.startLocked()
	}

	return s.state, started
}

// NOTE: s.mtx should be locked when startLocked is called
func (s *supervisor) startLocked() bool {
	if s.run != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.run = r
	s.lastErr = nil

	// NOTE that we need to enter ConnStateConnecting here and not in connLoop,
	// so that the caller sees the state right after start returns.
	s.updateState(ConnStateConnecting)

	go s.connLoop(r)

	return true
}

// stop stops the connection loop, closes the connection if any, and waits
// (for a bounded time) for everything to finish. Failing to finish in time
// is only logged.
func (s *supervisor) stop() {
	s.mtx.Lock()
	r := s.run
	if r == nil {
		s.mtx.Unlock()
		s.params.logger.Debug("connection loop is not running, nothing to stop")
		return
	}

	s.updateState(ConnStateStopping)
	s.run = nil
	conn := r.conn
	ka := r.keepAlive
	s.mtx.Unlock()

	r.cancel()

	if conn != nil {
		// The loop would close it as well, but it might be busy for a while
		conn.Close()
	}

	if !waitClosed(r.done, stopLoopTimeout) {
		s.params.logger.Warn("connection loop did not stop in time", zap.Duration("timeout", stopLoopTimeout))
	}

	if ka != nil && !ka.wait(stopKeepAliveTimeout) {
		s.params.logger.Warn("keepalive did not stop in time", zap.Duration("timeout", stopKeepAliveTimeout))
	}

	s.mtx.Lock()
	// Unless started again in the meantime
	if s.run == nil {
		s.updateState(ConnStateDisconnected)
	}
	s.mtx.Unlock()
}

func (s *supervisor) connState() ConnState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

func (s *supervisor) err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lastErr
}

// onStateChange registers a listener for the given state (or ConnStateAny).
// All listeners are called from the same goroutine, in the order the
// transitions happened; they should not block.
func (s *supervisor) onStateChange(state ConnState, cb StateCallback) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stateListeners[state] = append(s.stateListeners[state], cb)
}

// send marshals the frame and sends it over the current connection.
// Returns ErrNotConnected unless the state is ConnStateConnected.
func (s *supervisor) send(ctx context.Context, cf *controlFrame) error {
	s.mtx.Lock()
	r := s.run
	s.mtx.Unlock()

	if r == nil {
		return errors.Trace(ErrNotConnected)
	}

	return errors.Trace(s.sendOn(ctx, r, cf))
}

func (s *supervisor) sendOn(ctx context.Context, r *run, cf *controlFrame) error {
	data, err := json.Marshal(cf)
	if err != nil {
		return errors.Annotatef(err, "marshalling %s frame", cf.Destination)
	}

	s.mtx.Lock()
	conn := r.conn
	connected := s.run == r && s.state == ConnStateConnected
	s.mtx.Unlock()

	if !connected || conn == nil {
		return errors.Trace(ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := conn.Send(ctx, data); err != nil {
		if errors.Cause(err) == internal.ErrNotConnected {
			return errors.Trace(ErrNotConnected)
		}
		return errors.Annotatef(err, "sending %s frame", cf.Destination)
	}

	s.params.metrics.frameSent(cf.Destination)

	return nil
}

// connLoop keeps connecting until stopped, or until it gives up: tokens are
// unavailable, the server rejects them, or attempts are exhausted.
func (s *supervisor) connLoop(r *run) {
	var exitErr error

	defer func() {
		s.mtx.Lock()
		if s.run == r {
			s.run = nil
			s.lastErr = exitErr
			s.updateState(ConnStateDisconnected)
		}
		s.mtx.Unlock()

		close(r.done)
	}()

	for {
		err := s.connectOnce(r)

		switch errors.Cause(err) {
		case ErrTokensUnavailable:
			s.params.logger.Error("cannot obtain session tokens, giving up", zap.Error(err))
			exitErr = err
			return
		case ErrAuthFailure:
			exitErr = err
			return
		}

		if r.ctx.Err() != nil {
			s.params.logger.Info("connection loop stopped")
			return
		}

		s.mtx.Lock()
		attempt := r.attempts
		s.mtx.Unlock()

		if attempt >= s.params.reconnect.MaxAttempts {
			s.params.logger.Error("reconnect attempts exhausted, giving up",
				zap.Int("max_attempts", s.params.reconnect.MaxAttempts),
				zap.NamedError("last_error", err),
			)
			exitErr = errors.Trace(ErrAttemptsExhausted)
			return
		}

		delay := backoffDelay(attempt, s.params.reconnect.BaseDelay, s.params.reconnect.MaxDelay)
		s.params.logger.Info("reconnecting after delay",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.params.reconnect.MaxAttempts),
			zap.Duration("delay", delay),
			zap.NamedError("cause", err),
		)

		if !s.waitBackoff(r.ctx, attempt, delay) {
			s.params.logger.Info("stopped while waiting to reconnect")
			return
		}

		s.mtx.Lock()
		r.attempts++
		s.mtx.Unlock()

		s.params.metrics.reconnecting()
	}
}

// connectOnce obtains tokens, dials, and if that succeeds, waits for the
// connection to close.
func (s *supervisor) connectOnce(r *run) error {
	s.setRunState(r, ConnStateConnecting)

	tokens, err := s.obtainTokens(r.ctx)
	if err != nil {
		return errors.Trace(err)
	}

	u, err := streamURL(s.params.url, tokens)
	if err != nil {
		return errors.Trace(err)
	}

	tp := s.params.transport
	tp.URL = u

	// authErr is set by the reading goroutine
	var authErr error
	var authErrMtx sync.Mutex

	s.params.logger.Info("connecting", zap.String("url", s.params.url))

	conn, err := s.params.dial(r.ctx, &tp, func(data []byte) {
		if err := s.router.route(data); errors.Cause(err) == ErrAuthFailure {
			authErrMtx.Lock()
			authErr = err
			authErrMtx.Unlock()

			s.params.logger.Error("session tokens rejected, stopping for good", zap.Error(err))
			r.cancel()
		}
	})
	if err != nil {
		s.params.logger.Warn("failed to connect", zap.Error(err))
		return errors.Trace(err)
	}

	s.opened(r, conn)

	select {
	case <-conn.Done():
	case <-r.ctx.Done():
		conn.Close()
		<-conn.Done()
	}

	s.closed(r)

	authErrMtx.Lock()
	defer authErrMtx.Unlock()
	if authErr != nil {
		return authErr
	}

	return errors.Trace(conn.Err())
}

func (s *supervisor) obtainTokens(ctx context.Context) (common.SessionTokens, error) {
	if tokens, ok := s.params.tokens.Tokens(); ok {
		return tokens, nil
	}

	s.params.logger.Warn("session tokens are missing, re-authenticating")

	if err := s.params.tokens.Reauthenticate(ctx); err != nil {
		s.params.logger.Error("re-authentication failed", zap.Error(err))
		return common.SessionTokens{}, errors.Wrap(err, ErrTokensUnavailable)
	}

	tokens, ok := s.params.tokens.Tokens()
	if !ok {
		return common.SessionTokens{}, errors.Trace(ErrTokensUnavailable)
	}

	return tokens, nil
}

// opened is called when the connection is established: it enters
// ConnStateConnected and resubscribes everything from the registry.
func (s *supervisor) opened(r *run, conn *internal.Conn) {
	s.mtx.Lock()
	if s.run != r {
		// Stopped while we were dialing; the caller will close the conn.
		s.mtx.Unlock()
		return
	}

	r.conn = conn
	r.attempts = 0
	s.updateState(ConnStateConnected)

	// Snapshot is taken after entering ConnStateConnected: whatever is
	// subscribed later is sent by StreamClient directly.
	subs := s.registry.snapshot()
	s.mtx.Unlock()

	s.params.logger.Info("connection established", zap.Int("subscriptions", len(subs)))

	s.resubscribe(r, subs)
}

// resubscribe sends a subscribe frame for every record. It's best effort:
// a failure with one record doesn't affect others.
func (s *supervisor) resubscribe(r *run, subs []Subscription) {
	tokens, ok := s.params.tokens.Tokens()
	if !ok {
		s.params.logger.Error("session tokens are missing, cannot resubscribe")
		return
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		cf, err := subscribeFrame(sub.StreamSubscription, tokens, newCorrelationID("reopen"))
		if err != nil {
			s.params.logger.Error("skipping resubscription", zap.String("key", sub.Key()), zap.Error(err))
			continue
		}

		if err := s.sendOn(r.ctx, r, cf); err != nil {
			s.params.logger.Warn("failed to resubscribe", zap.String("key", sub.Key()), zap.Error(err))
			continue
		}

		s.params.logger.Info("resubscribed", zap.String("key", sub.Key()), zap.String("correlation_id", cf.CorrelationID))
	}
}

// closed is called after the connection is gone: it stops the keepalive and
// waits for it, and unless the run is over, enters ConnStateConnecting.
func (s *supervisor) closed(r *run) {
	var connErr error

	s.mtx.Lock()
	if r.conn != nil {
		connErr = r.conn.Err()
	}
	r.conn = nil
	ka := r.keepAlive
	r.keepAlive = nil

	if s.run == r && r.ctx.Err() == nil {
		s.updateState(ConnStateConnecting)
	}
	s.mtx.Unlock()

	if ka != nil {
		ka.stop()
		if !ka.wait(keepAliveJoinTimeout) {
			s.params.logger.Warn("keepalive did not stop in time", zap.Duration("timeout", keepAliveJoinTimeout))
		}
	}

	s.params.logger.Warn("connection closed", zap.NamedError("cause", connErr))
}

// waitBackoff waits for the delay; returns false if ctx was done first.
func (s *supervisor) waitBackoff(ctx context.Context, attempt int, delay time.Duration) bool {
	t := s.params.clock.Timer(delay)

	s.params.waitingBackoff(attempt, delay)

	select {
	case <-ctx.Done():
		// Only a pending timer is stopped
		t.Stop()
		return false
	case <-t.C:
		return true
	}
}

// ping is called by the keepalive on every tick.
func (s *supervisor) ping(ctx context.Context, r *run) {
	tokens, ok := s.params.tokens.Tokens()
	if !ok {
		s.params.logger.Warn("session tokens are missing, skipping ping")
		return
	}

	cf := pingFrame(tokens, newCorrelationID("ping"))
	if err := s.sendOn(ctx, r, cf); err != nil {
		s.params.logger.Warn("failed to send ping", zap.Error(err))
		return
	}

	s.params.logger.Debug("ping sent", zap.String("correlation_id", cf.CorrelationID))
}

// setRunState updates the state only if r is still the current run.
func (s *supervisor) setRunState(r *run, state ConnState) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.run == r {
		s.updateState(state)
	}
}

// NOTE: s.mtx should be locked when updateState is called
func (s *supervisor) updateState(state ConnState) {
	if s.state == state {
		// No need to do anything
		return
	}

	// Properly leave the current state
	s.enterLeaveState(s.state, false)

	oldState := s.state
	s.state = state

	// Properly enter the new state
	s.enterLeaveState(s.state, true)

	s.params.metrics.setState(state)
	s.params.logger.Debug("connection state changed",
		zap.Stringer("from", oldState),
		zap.Stringer("to", state),
	)

	// Collect all listeners to call now; they're called by the notifier
	// goroutine, not under the mutex.
	listeners := make([]StateCallback, 0, len(s.stateListeners[state])+len(s.stateListeners[ConnStateAny]))
	listeners = append(listeners, s.stateListeners[state]...)
	listeners = append(listeners, s.stateListeners[ConnStateAny]...)

	s.notifier.enqueue(callStateListenersReq{
		listeners: listeners,
		oldState:  oldState,
		state:     state,
	})
}

// enterLeaveState should be called on leaving and entering each state. So,
// when changing state from A to B, it's called twice, like this:
//
//      enterLeaveState(A, false)
//      enterLeaveState(B, true)
//
// NOTE: s.mtx should be locked when enterLeaveState is called
func (s *supervisor) enterLeaveState(state ConnState, enter bool) {
	switch state {
	case ConnStateConnected:
		// The keepalive is only running in ConnStateConnected. Leaving the
		// state only signals it to stop: waiting for it happens outside of the
		// mutex, see closed and stop.
		r := s.run
		if r == nil {
			return
		}

		if enter {
			r.keepAlive = startKeepAlive(s.params.clock, s.params.keepAliveInterval, func(ctx context.Context) {
				s.ping(ctx, r)
			})
		} else if r.keepAlive != nil {
			r.keepAlive.stop()
		}
	}
}

// streamURL returns the base URL with the tokens added as query params.
func streamURL(base string, tokens common.SessionTokens) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Annotatef(err, "parsing stream URL")
	}

	q := u.Query()
	q.Set("cst", tokens.CST)
	q.Set("x-security-token", tokens.SecurityToken)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func waitClosed(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// stateNotifier calls state listeners from a single goroutine, in order.
// Requests are queued without blocking, so updateState can be called with
// the mutex locked. The goroutine only runs while there are queued requests.
type stateNotifier struct {
	queue   []callStateListenersReq
	running bool
	mtx     sync.Mutex
}

type callStateListenersReq struct {
	listeners       []StateCallback
	oldState, state ConnState
}

func (n *stateNotifier) enqueue(req callStateListenersReq) {
	if len(req.listeners) == 0 {
		return
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.queue = append(n.queue, req)

	if !n.running {
		n.running = true
		go n.loop()
	}
}

func (n *stateNotifier) loop() {
	for {
		n.mtx.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.mtx.Unlock()
			return
		}
		req := n.queue[0]
		n.queue = n.queue[1:]
		n.mtx.Unlock()

		for _, cb := range req.listeners {
			cb(req.oldState, req.state)
		}
	}
}
