// Package publish forwards streaming data to NATS, one subject per stream:
//
//	<prefix>.market.<epic>
//	<prefix>.ohlc.<epic>.<resolution>.<bar shape>
//
// Message data is the unmodified payload of the streaming frame.
package publish

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/nats-io/nats.go"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"go.uber.org/zap"
)

// Headers set on every published message.
const (
	HeaderDestination = "Capital-Destination"
	HeaderEpic        = "Capital-Epic"
)

// natsConn is the part of *nats.Conn used by NATSPublisher.
type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

// NATSParams contains options for NATSPublisher.
type NATSParams struct {
	URL           string
	SubjectPrefix string

	// Name is the client name reported to the server.
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
	// MaxReconnects, if negative, means reconnecting forever.
	MaxReconnects int

	Logger *zap.Logger
}

// NATSPublisher publishes data frames to NATS.
type NATSPublisher struct {
	prefix string
	conn   natsConn
	logger *zap.Logger

	published uint64
	failed    uint64
	mtx       sync.Mutex
}

// ConnectNATS connects to the NATS server and returns a publisher using the
// connection. The connection is re-established by the NATS client itself.
func ConnectNATS(params *NATSParams) (*NATSPublisher, error) {
	p := *params

	if p.URL == "" {
		return nil, errors.NotValidf("empty NATS URL")
	}

	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	logger := p.Logger.With(zap.String("nats", p.URL))

	opts := []nats.Option{
		nats.Name(p.Name),
		nats.ReconnectWait(p.ReconnectWait),
		nats.MaxReconnects(p.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("server", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	if p.Timeout > 0 {
		opts = append(opts, nats.Timeout(p.Timeout))
	}

	nc, err := nats.Connect(p.URL, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to NATS at %q", p.URL)
	}

	logger.Info("Connected to NATS", zap.String("server", nc.ConnectedUrl()))

	return newNATSPublisher(nc, p.SubjectPrefix, logger), nil
}

func newNATSPublisher(conn natsConn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NATSPublisher{
		prefix: strings.TrimSuffix(prefix, "."),
		conn:   conn,
		logger: logger,
	}
}

// Subject returns the subject the data of the given stream is published to.
func (p *NATSPublisher) Subject(sub websocket.StreamSubscription) string {
	parts := []string{p.prefix}

	switch sub.Kind {
	case websocket.DataKindOHLC:
		shape := sub.BarShape
		if shape == "" {
			shape = websocket.BarShapeClassic
		}
		parts = append(parts, "ohlc", subjectToken(sub.Epic), string(sub.Resolution), string(shape))

	default:
		parts = append(parts, "market", subjectToken(sub.Epic))
	}

	if p.prefix == "" {
		parts = parts[1:]
	}

	return strings.Join(parts, ".")
}

// subjectToken replaces characters with special meaning in NATS subjects.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// Publish sends the payload of the frame to the subject of sub.
func (p *NATSPublisher) Publish(sub websocket.StreamSubscription, frame *websocket.DataFrame) error {
	msg := nats.NewMsg(p.Subject(sub))
	msg.Header.Set(HeaderDestination, frame.Destination)
	msg.Header.Set(HeaderEpic, frame.Epic)
	msg.Data = frame.Payload

	err := p.conn.PublishMsg(msg)

	p.mtx.Lock()
	if err != nil {
		p.failed++
	} else {
		p.published++
	}
	p.mtx.Unlock()

	return errors.Annotatef(err, "publishing to %q", msg.Subject)
}

// Callback returns a websocket.DataCB publishing every frame of sub. Failures
// are logged, and optionally the frame is passed to next as well.
func (p *NATSPublisher) Callback(sub websocket.StreamSubscription, next websocket.DataCB) websocket.DataCB {
	return func(frame *websocket.DataFrame) {
		if err := p.Publish(sub, frame); err != nil {
			p.logger.Warn("Failed to publish frame", zap.Error(err))
		}

		if next != nil {
			next(frame)
		}
	}
}

// Stats returns the number of published and failed messages.
func (p *NATSPublisher) Stats() (published, failed uint64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.published, p.failed
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return errors.Trace(p.conn.Drain())
}
