package internal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

const (
	// DefaultPingInterval is how often a websocket ping is sent to the server.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is how long to wait for a pong after a ping before
	// considering the connection dead.
	DefaultPongTimeout = 10 * time.Second

	// DefaultHandshakeTimeout limits the websocket handshake.
	DefaultHandshakeTimeout = 15 * time.Second

	// closeGracePeriod is how long Close waits for the server to answer the
	// close message before closing the socket forcefully.
	closeGracePeriod = 1 * time.Second

	writeTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("transport error: not connected")
)

// TransportParams contains params for opening a websocket connection (see
// Dial).
type TransportParams struct {
	URL string

	// Header, if not nil, is sent with the handshake request.
	Header http.Header

	// PingInterval and PongTimeout configure websocket-level liveness; zero
	// values mean defaults.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Dialer, if nil, a dialer with DefaultHandshakeTimeout is used.
	Dialer *websocket.Dialer
}

// OnReadCallback is called for each received text or binary message.
type OnReadCallback func(data []byte)

// Conn is a single websocket connection. It doesn't reconnect: once Done is
// closed, the Conn is unusable and a new one should be dialed.
//
// All writes go through a single goroutine (writeLoop), so Send is safe for
// concurrent use.
type Conn struct {
	params TransportParams

	wsConn *websocket.Conn

	connTx chan WebsocketTx

	onRead OnReadCallback

	// done is closed when the receive loop quits, i.e. when the connection is
	// gone.
	done chan struct{}

	// err is the error which caused the disconnection.
	err error

	closeOnce sync.Once

	mtx sync.Mutex
}

// WebsocketTx represents message to send to the websocket
type WebsocketTx struct {
	MessageType int
	Data        []byte
	Res         chan error
}

// Dial establishes a websocket connection and starts the receiving and
// writing goroutines. onRead is called by the receiving goroutine for every
// message.
func Dial(ctx context.Context, params *TransportParams, onRead OnReadCallback) (*Conn, error) {
	c := &Conn{
		// Copy params defensively
		params: *params,

		connTx: make(chan WebsocketTx, 1),
		onRead: onRead,
		done:   make(chan struct{}),
	}

	if c.params.PingInterval == 0 {
		c.params.PingInterval = DefaultPingInterval
	}
	if c.params.PongTimeout == 0 {
		c.params.PongTimeout = DefaultPongTimeout
	}

	dialer := c.params.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}

	wsConn, resp, err := dialer.DialContext(ctx, c.params.URL, c.params.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dialing (http status %d)", resp.StatusCode)
		}
		return nil, errors.Annotatef(err, "dialing")
	}

	c.wsConn = wsConn

	// Any message, including pongs, proves the connection is alive.
	wsConn.SetPongHandler(func(string) error {
		return errors.Trace(wsConn.SetReadDeadline(time.Now().Add(c.readTimeout())))
	})

	go c.recvLoop()
	go c.writeLoop()

	return c, nil
}

// Done returns a channel which is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason of disconnection; only meaningful after Done is
// closed.
func (c *Conn) Err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.err
}

// Send sends data to the websocket if it's connected
func (c *Conn) Send(ctx context.Context, data []byte) error {
	res := make(chan error, 1)

	// Request the websocket write
	select {
	case c.connTx <- WebsocketTx{
		MessageType: websocket.TextMessage,
		Data:        data,
		Res:         res,
	}:
	case <-c.done:
		return errors.Trace(ErrNotConnected)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	select {
	case err := <-res:
		return annotateSendErr(err)
	case <-c.done:
		// The message might have been written right before the disconnection
		select {
		case err := <-res:
			return annotateSendErr(err)
		default:
			return errors.Trace(ErrNotConnected)
		}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func annotateSendErr(err error) error {
	if err != nil {
		return errors.Annotatef(err, "sending msg")
	}

	return nil
}

// Close sends a "normal closure" message and waits a bit for the server to
// close the connection; if it doesn't, the socket is closed forcefully. Close
// is idempotent, and it's safe to call it from the onRead callback.
func (c *Conn) Close() error {
	return c.CloseOpt(websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Conn) CloseOpt(data []byte) error {
	var err error

	c.closeOnce.Do(func() {
		select {
		case <-c.done:
			err = errors.Trace(ErrNotConnected)
			return
		default:
		}

		if wErr := c.wsConn.WriteControl(websocket.CloseMessage, data, time.Now().Add(writeTimeout)); wErr != nil {
			// Graceful close failed, close forcefully
			err = errors.Trace(c.wsConn.Close())
			return
		}

		// Don't block the caller: if the server doesn't respond in time, just
		// drop the socket.
		go func() {
			t := time.NewTimer(closeGracePeriod)
			defer t.Stop()

			select {
			case <-c.done:
			case <-t.C:
				c.wsConn.Close()
			}
		}()
	})

	return err
}

func (c *Conn) readTimeout() time.Duration {
	return c.params.PingInterval + c.params.PongTimeout
}

// recvLoop reads all messages until the connection breaks, calling onRead for
// each data message.
func (c *Conn) recvLoop() {
	var connErr error

	defer func() {
		c.mtx.Lock()
		c.err = connErr
		c.mtx.Unlock()

		c.wsConn.Close()
		close(c.done)
	}()

	c.wsConn.SetReadDeadline(time.Now().Add(c.readTimeout()))

	for {
		msgType, data, err := c.wsConn.ReadMessage()
		if err != nil {
			connErr = err
			return
		}

		// Just received something from the server: extend the deadline.
		c.wsConn.SetReadDeadline(time.Now().Add(c.readTimeout()))

		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if c.onRead != nil {
				c.onRead(data)
			}
		}
	}
}

// writeLoop receives messages from c.connTx and writes them, and also sends
// periodic pings. It's the only goroutine writing data messages to wsConn.
func (c *Conn) writeLoop() {
	pingTicker := time.NewTicker(c.params.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-c.connTx:
			c.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := errors.Trace(c.wsConn.WriteMessage(msg.MessageType, msg.Data))

			// Send resulting error to the requester
			msg.Res <- err

		case <-pingTicker.C:
			deadline := time.Now().Add(c.params.PongTimeout)
			if err := c.wsConn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The receiving loop will notice the broken connection
				continue
			}

		case <-c.done:
			// Fail whatever is still queued
			for {
				select {
				case msg := <-c.connTx:
					msg.Res <- errors.Trace(ErrNotConnected)
				default:
					return
				}
			}
		}
	}
}
