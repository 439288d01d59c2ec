package websocket

import (
	"context"
	"net/url"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/websocket/internal"
	"go.uber.org/zap"
)

// StreamClientParams contains options for StreamClient.
type StreamClientParams struct {
	// Tokens is required: it provides the session tokens used to connect and
	// to authorize every control frame.
	Tokens TokenProvider

	// URL is the streaming endpoint; DefaultURL is used if empty.
	URL string

	// ReconnectOpts contains settings for how to reconnect if the client
	// becomes disconnected. If nil, defaults are used: 5s base delay doubling
	// up to 60s, 10 attempts.
	ReconnectOpts *ReconnectOpts

	// KeepAliveInterval is how often the application-level ping is sent while
	// connected; DefaultKeepAliveInterval is used if zero.
	KeepAliveInterval time.Duration

	// PingInterval and PongTimeout configure websocket-level pings; zero values
	// mean defaults (30s and 10s).
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Logger, if nil, nothing is logged.
	Logger *zap.Logger

	// Metrics, if nil, nothing is collected. See NewMetrics.
	Metrics *Metrics

	// Mockables
	clock          clock.Clock
	dial           func(ctx context.Context, params *internal.TransportParams, onRead internal.OnReadCallback) (*internal.Conn, error)
	waitingBackoff func(attempt int, delay time.Duration)
}

// StreamClient keeps a set of desired subscriptions alive over the
// Capital.com streaming connection. The connection is opened by the first
// Subscribe and closed when the last subscription is gone (or on StopAll);
// in between, it's transparently re-established and all subscriptions are
// re-sent after every reconnection.
//
// Subscribe and Unsubscribe never wait for the server: they update the
// desired state and, if connected, send the request right away.
type StreamClient struct {
	params StreamClientParams

	registry *registry

	// We want to ensure that supervisor's methods aren't available on the
	// StreamClient to avoid confusion, so we give it explicit name.
	supervisor *supervisor

	logger *zap.Logger
}

// NewStreamClient creates a new StreamClient instance with the given params.
// It doesn't connect until the first Subscribe.
func NewStreamClient(params *StreamClientParams) (*StreamClient, error) {
	// Make a copy of params struct because we might alter it below
	p := *params

	if p.Tokens == nil {
		return nil, errors.NotValidf("nil TokenProvider")
	}

	if p.URL == "" {
		p.URL = DefaultURL
	}

	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing URL %q", p.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.NotValidf("URL scheme %q", u.Scheme)
	}

	reconnect := defaultReconnectOpts
	if p.ReconnectOpts != nil {
		reconnect = *p.ReconnectOpts
		if reconnect.BaseDelay <= 0 {
			reconnect.BaseDelay = defaultReconnectOpts.BaseDelay
		}
		if reconnect.MaxDelay < reconnect.BaseDelay {
			reconnect.MaxDelay = reconnect.BaseDelay
		}
		if reconnect.MaxAttempts < 0 {
			reconnect.MaxAttempts = 0
		}
	}

	if p.KeepAliveInterval <= 0 {
		p.KeepAliveInterval = DefaultKeepAliveInterval
	}

	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	reg := newRegistry()

	rt := &router{
		registry: reg,
		logger:   p.Logger,
		metrics:  p.Metrics,
	}

	sup := newSupervisor(supervisorParams{
		url:               p.URL,
		tokens:            p.Tokens,
		reconnect:         reconnect,
		keepAliveInterval: p.KeepAliveInterval,
		transport: internal.TransportParams{
			PingInterval: p.PingInterval,
			PongTimeout:  p.PongTimeout,
		},
		logger:  p.Logger,
		metrics: p.Metrics,

		clock:          p.clock,
		dial:           p.dial,
		waitingBackoff: p.waitingBackoff,
	}, reg, rt)

	return &StreamClient{
		params:     p,
		registry:   reg,
		supervisor: sup,
		logger:     p.Logger,
	}, nil
}

// Subscribe adds the subscription (or replaces the callback of the existing
// one with the same stream key), and makes sure the connection is up. cb is
// called from the connection's reading goroutine, so it shouldn't block;
// neither should it call Unsubscribe or StopAll synchronously.
//
// The only errors returned are validation errors (errors.IsNotValid);
// failure to send the request right away is only logged, since the request
// is re-sent after reconnection anyway.
func (sc *StreamClient) Subscribe(sub StreamSubscription, cb DataCB) error {
	sub, err := sub.normalize()
	if err != nil {
		return errors.Trace(err)
	}

	if cb == nil {
		return errors.NotValidf("nil callback for %s", sub.Key())
	}

	key := sub.Key()

	// If the connection gets established concurrently, the subscription is
	// sent either by the resubscription, or below; never by both.
	var replaced bool
	state, started := sc.supervisor.update(func() {
		replaced = sc.registry.upsert(Subscription{
			StreamSubscription: sub,
			Callback:           cb,
			Active:             true,
		})
	}, true)

	if replaced {
		sc.logger.Info("subscription already exists, callback replaced", zap.String("key", key))
	}
	if started {
		sc.logger.Info("connection loop started", zap.String("key", key))
	}

	switch state {
	case ConnStateConnected:
		sc.sendControl(sub, true)
	case ConnStateConnecting:
		sc.logger.Info("connecting, subscription will be sent once connected", zap.String("key", key))
	default:
		sc.logger.Warn("subscription queued", zap.String("key", key), zap.Stringer("state", state))
	}

	return nil
}

// Unsubscribe removes the subscription. If it was the last one, the
// connection is closed. Unsubscribing from a stream which isn't subscribed
// to is a no-op.
//
// NOTE: if the connection gets closed, it blocks until the connection loop
// stops, so it shouldn't be called from a data callback.
func (sc *StreamClient) Unsubscribe(sub StreamSubscription) error {
	sub, err := sub.normalize()
	if err != nil {
		return errors.Trace(err)
	}

	key := sub.Key()

	var removed bool
	state, _ := sc.supervisor.update(func() {
		_, removed = sc.registry.remove(key)
	}, false)

	if removed {
		sc.logger.Info("subscription removed", zap.String("key", key))

		if state == ConnStateConnected {
			sc.sendControl(sub, false)
		}
	} else {
		sc.logger.Warn("not subscribed, nothing to unsubscribe", zap.String("key", key))
	}

	if sc.registry.isEmpty() {
		sc.logger.Info("no subscriptions left, stopping")
		sc.supervisor.stop()

		// A concurrent Subscribe might have found the loop still running
		if !sc.registry.isEmpty() {
			sc.supervisor.start()
		}
	}

	return nil
}

// StopAll removes all subscriptions, tries to unsubscribe from each of them
// if connected, and closes the connection. Like Unsubscribe, it shouldn't be
// called from a data callback.
func (sc *StreamClient) StopAll() {
	var subs []Subscription
	state, _ := sc.supervisor.update(func() {
		subs = sc.registry.drain()
	}, false)

	sc.logger.Info("stopping all subscriptions", zap.Int("subscriptions", len(subs)))

	if state == ConnStateConnected {
		for _, sub := range subs {
			sc.sendControl(sub.StreamSubscription, false)
		}
	} else if len(subs) > 0 {
		sc.logger.Info("not connected, unsubscribe requests are not sent", zap.Int("subscriptions", len(subs)))
	}

	sc.supervisor.stop()
}

// sendControl sends a subscribe or unsubscribe frame; failures are logged.
func (sc *StreamClient) sendControl(sub StreamSubscription, subscribe bool) {
	key := sub.Key()

	tokens, ok := sc.params.Tokens.Tokens()
	if !ok {
		sc.logger.Warn("session tokens are missing, control frame not sent", zap.String("key", key))
		return
	}

	var (
		cf  *controlFrame
		err error
	)
	if subscribe {
		cf, err = subscribeFrame(sub, tokens, newCorrelationID("sub"))
	} else {
		cf, err = unsubscribeFrame(sub, tokens, newCorrelationID("unsub"))
	}
	if err != nil {
		sc.logger.Error("cannot build control frame", zap.String("key", key), zap.Error(err))
		return
	}

	if err := sc.supervisor.send(context.Background(), cf); err != nil {
		// The registry is the source of truth: the next reconnection will
		// bring the server in sync.
		sc.logger.Warn("failed to send control frame",
			zap.String("key", key),
			zap.String("destination", cf.Destination),
			zap.Error(err),
		)
		return
	}

	sc.logger.Info("control frame sent",
		zap.String("key", key),
		zap.String("destination", cf.Destination),
		zap.String("correlation_id", cf.CorrelationID),
	)
}

// ConnState returns current client connection state.
func (sc *StreamClient) ConnState() ConnState {
	return sc.supervisor.connState()
}

// Err returns the reason why the connection loop gave up, if it did: its
// cause is one of ErrAuthFailure, ErrTokensUnavailable or
// ErrAttemptsExhausted. It's nil while running, and after a deliberate stop.
func (sc *StreamClient) Err() error {
	return sc.supervisor.err()
}

// OnStateChange registers a new listener for the given state. The listener is
// called every time the requested state becomes active. All listeners are
// called by the same internal goroutine, i.e. they are never called
// concurrently with each other, and they shouldn't block.
//
// To subscribe to all state changes, use ConnStateAny as a state.
func (sc *StreamClient) OnStateChange(state ConnState, cb StateCallback) {
	sc.supervisor.onStateChange(state, cb)
}

// Subscriptions returns a copy of all current subscriptions, ordered by
// stream key.
func (sc *StreamClient) Subscriptions() []Subscription {
	return sc.registry.snapshot()
}

// URL returns the streaming endpoint (without tokens).
func (sc *StreamClient) URL() string {
	return sc.params.URL
}
