package websocket

import (
	"fmt"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// maxLoggedFrame limits how much of a raw frame ends up in logs.
const maxLoggedFrame = 300

// router classifies inbound frames and dispatches data frames to the
// subscribers found in the registry.
type router struct {
	registry *registry
	logger   *zap.Logger
	metrics  *Metrics
}

// route handles a single inbound frame. It never fails except for the
// authentication failure reported by the server, in which case the returned
// error has ErrAuthFailure as its cause, and the caller must stop the
// connection for good.
//
// route is called synchronously by the transport's receiving goroutine.
func (r *router) route(data []byte) error {
	frame, err := decodeFrame(data)
	if err != nil {
		r.metrics.frameDropped("malformed")
		r.logger.Warn("dropping non-JSON frame", zap.ByteString("frame", truncate(data)), zap.Error(err))
		return nil
	}

	switch f := frame.(type) {
	case *ErrorFrame:
		r.metrics.frameReceived("error")
		r.logger.Error("error from server",
			zap.String("code", f.Code),
			zap.String("message", f.Message),
			zap.String("correlation_id", f.CorrelationID),
		)

		if f.IsAuthFailure() {
			return errors.Annotatef(ErrAuthFailure, "%s", f.Message)
		}

	case *ControlAck:
		r.metrics.frameReceived("ack")
		r.logger.Info("control request processed",
			zap.String("destination", f.Destination),
			zap.String("correlation_id", f.CorrelationID),
			zap.Any("subscriptions", f.Subscriptions),
		)

	case *DataFrame:
		r.metrics.frameReceived("data")
		r.dispatch(f)

	case *LivenessAck:
		r.metrics.frameReceived("pong")
		if f.Status == statusOK {
			r.logger.Info("ping acknowledged", zap.String("correlation_id", f.CorrelationID))
		} else {
			r.logger.Warn("unexpected ping response status",
				zap.String("status", f.Status),
				zap.String("correlation_id", f.CorrelationID),
			)
		}

	case *Unrecognized:
		r.metrics.frameReceived("unrecognized")
		r.metrics.frameDropped("unrecognized")
		r.logger.Debug("dropping unrecognized frame",
			zap.String("destination", f.Destination),
			zap.ByteString("frame", truncate(f.Raw)),
		)
	}

	return nil
}

func (r *router) dispatch(f *DataFrame) {
	key, err := f.Key()
	if err != nil {
		r.metrics.frameDropped("missing_fields")
		r.logger.Error("dropping data frame",
			zap.String("destination", f.Destination),
			zap.String("epic", f.Epic),
			zap.Error(err),
		)
		return
	}

	sub, ok := r.registry.get(key)
	if !ok || !sub.Active || sub.Callback == nil {
		r.metrics.frameDropped("no_subscriber")
		r.logger.Debug("no subscriber for stream", zap.String("key", key))
		return
	}

	r.invoke(key, sub.Callback, f)
}

// invoke calls the subscriber callback, recovering from a panic so that a
// misbehaving subscriber doesn't take the connection down.
func (r *router) invoke(key string, cb DataCB, f *DataFrame) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.callbackPanicked()
			r.logger.Error("subscriber callback panicked",
				zap.String("key", key),
				zap.String("panic", fmt.Sprint(p)),
				zap.Stack("stack"),
			)
		}
	}()

	cb(f)
}

func truncate(data []byte) []byte {
	if len(data) > maxLoggedFrame {
		return data[:maxLoggedFrame]
	}

	return data
}
