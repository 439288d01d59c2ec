package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/common"
)

// Destinations of outbound frames.
const (
	destMarketSubscribe   = "marketData.subscribe"
	destMarketUnsubscribe = "marketData.unsubscribe"
	destOHLCSubscribe     = "OHLCMarketData.subscribe"
	destOHLCUnsubscribe   = "OHLCMarketData.unsubscribe"
	destPing              = "ping"
)

// Destinations of inbound data frames.
const (
	destQuote      = "quote"
	destMarketData = "marketData"
	destOHLCEvent  = "ohlc.event"
)

const (
	// authFailureCode is the error code the server sends when session tokens
	// are invalid or revoked.
	authFailureCode = "exceptions.security.authentication-failure"

	statusOK        = "OK"
	statusProcessed = "PROCESSED"
)

// controlFrame is any frame sent by the client: subscribe, unsubscribe, or
// ping.
type controlFrame struct {
	Destination   string          `json:"destination"`
	CorrelationID string          `json:"correlationId"`
	CST           string          `json:"cst"`
	SecurityToken string          `json:"securityToken"`
	Payload       *controlPayload `json:"payload,omitempty"`
}

type controlPayload struct {
	Epics       []string     `json:"epics"`
	Resolutions []Resolution `json:"resolutions,omitempty"`

	// Type is used when subscribing to OHLC, and Types when unsubscribing.
	Type  BarShape   `json:"type,omitempty"`
	Types []BarShape `json:"types,omitempty"`
}

func newCorrelationID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// subscribeFrame returns a control frame subscribing to the given stream.
// Returns an error if the subscription lacks fields required by its kind.
func subscribeFrame(sub StreamSubscription, tokens common.SessionTokens, correlationID string) (*controlFrame, error) {
	return controlFrameFor(sub, tokens, correlationID, true)
}

// unsubscribeFrame is like subscribeFrame, but for unsubscribing.
func unsubscribeFrame(sub StreamSubscription, tokens common.SessionTokens, correlationID string) (*controlFrame, error) {
	return controlFrameFor(sub, tokens, correlationID, false)
}

func controlFrameFor(
	sub StreamSubscription, tokens common.SessionTokens, correlationID string, subscribe bool,
) (*controlFrame, error) {
	if sub.Epic == "" {
		return nil, errors.Annotatef(ErrInvalidSubscription, "%s: no epic", sub.Key())
	}

	cf := &controlFrame{
		CorrelationID: correlationID,
		CST:           tokens.CST,
		SecurityToken: tokens.SecurityToken,
		Payload: &controlPayload{
			Epics: []string{sub.Epic},
		},
	}

	switch sub.Kind {
	case DataKindMarket:
		cf.Destination = destMarketUnsubscribe
		if subscribe {
			cf.Destination = destMarketSubscribe
		}

	case DataKindOHLC:
		if sub.Resolution == "" || sub.BarShape == "" {
			return nil, errors.Annotatef(ErrInvalidSubscription, "%s: resolution or bar shape missing", sub.Key())
		}

		cf.Payload.Resolutions = []Resolution{sub.Resolution}
		if subscribe {
			cf.Destination = destOHLCSubscribe
			cf.Payload.Type = sub.BarShape
		} else {
			cf.Destination = destOHLCUnsubscribe
			cf.Payload.Types = []BarShape{sub.BarShape}
		}

	default:
		return nil, errors.Annotatef(ErrInvalidSubscription, "unknown data kind %q", sub.Kind)
	}

	return cf, nil
}

func pingFrame(tokens common.SessionTokens, correlationID string) *controlFrame {
	return &controlFrame{
		Destination:   destPing,
		CorrelationID: correlationID,
		CST:           tokens.CST,
		SecurityToken: tokens.SecurityToken,
	}
}

// InboundFrame is a frame received from the server, decoded by decodeFrame.
// Concrete types are *ErrorFrame, *ControlAck, *DataFrame, *LivenessAck and
// *Unrecognized.
type InboundFrame interface {
	isInboundFrame()
}

// ErrorFrame is sent by the server when a request has failed.
type ErrorFrame struct {
	Code          string
	Message       string
	CorrelationID string
}

// IsAuthFailure returns whether the error means that the session tokens are
// no longer accepted.
func (f *ErrorFrame) IsAuthFailure() bool {
	return f.Code == authFailureCode
}

// ControlAck confirms that subscribe/unsubscribe requests were processed.
type ControlAck struct {
	Destination   string
	CorrelationID string
	Status        string

	// Subscriptions maps a stream (as the server names it) to its status.
	Subscriptions map[string]string
}

// DataFrame carries streaming data for a single epic.
type DataFrame struct {
	Destination string
	Epic        string

	// Resolution and BarShape are only set for OHLC frames.
	Resolution Resolution
	BarShape   BarShape

	// Payload is the raw "payload" object of the frame.
	Payload json.RawMessage
}

// Kind returns the data kind of the frame, or an empty string if the
// destination is not a data destination.
func (f *DataFrame) Kind() DataKind {
	switch f.Destination {
	case destQuote, destMarketData:
		return DataKindMarket
	case destOHLCEvent:
		return DataKindOHLC
	}

	return ""
}

// Key returns the canonical stream key the frame belongs to. It returns an
// error for unknown destinations, and for OHLC frames without resolution or
// bar shape.
func (f *DataFrame) Key() (string, error) {
	switch f.Kind() {
	case DataKindMarket:
		return marketKey(f.Epic), nil

	case DataKindOHLC:
		if f.Resolution == "" || f.BarShape == "" {
			return "", errors.Annotatef(ErrMalformedFrame, "OHLC frame for %q without resolution or type", f.Epic)
		}
		return ohlcKey(f.Epic, string(f.Resolution), string(f.BarShape)), nil
	}

	return "", errors.Annotatef(ErrMalformedFrame, "no stream for destination %q", f.Destination)
}

// Quote decodes the payload as a quote.
func (f *DataFrame) Quote() (*common.Quote, error) {
	var q common.Quote
	if err := json.Unmarshal(f.Payload, &q); err != nil {
		return nil, errors.Annotatef(err, "decoding quote for %q", f.Epic)
	}

	return &q, nil
}

// OHLCBar decodes the payload as an OHLC bar.
func (f *DataFrame) OHLCBar() (*common.OHLCBar, error) {
	var b common.OHLCBar
	if err := json.Unmarshal(f.Payload, &b); err != nil {
		return nil, errors.Annotatef(err, "decoding OHLC bar for %q", f.Epic)
	}

	return &b, nil
}

// LivenessAck is the response to the application-level ping.
type LivenessAck struct {
	CorrelationID string
	Status        string
}

// Unrecognized is any well-formed frame which doesn't fall into other
// categories.
type Unrecognized struct {
	Destination string
	Raw         []byte
}

func (*ErrorFrame) isInboundFrame()   {}
func (*ControlAck) isInboundFrame()   {}
func (*DataFrame) isInboundFrame()    {}
func (*LivenessAck) isInboundFrame()  {}
func (*Unrecognized) isInboundFrame() {}

// rawFrame is the union of all inbound frame fields. Frames are classified by
// which fields are present, so scalar fields are kept raw: a field of an
// unexpected type must not make the whole frame undecodable.
type rawFrame struct {
	Destination   json.RawMessage `json:"destination"`
	CorrelationID json.RawMessage `json:"correlationId"`
	Status        json.RawMessage `json:"status"`
	ErrorCode     json.RawMessage `json:"errorCode"`
	ErrorMessage  json.RawMessage `json:"errorMessage"`
	Payload       json.RawMessage `json:"payload"`
}

type rawPayload struct {
	Epic          json.RawMessage `json:"epic"`
	Resolution    json.RawMessage `json:"resolution"`
	Type          json.RawMessage `json:"type"`
	Subscriptions json.RawMessage `json:"subscriptions"`
}

// present returns whether the field is in the frame and not null.
func present(field json.RawMessage) bool {
	return len(field) > 0 && string(field) != "null"
}

// fieldString returns the string value of the field, or its JSON text if
// it's not a string; an empty string if it's absent.
func fieldString(field json.RawMessage) string {
	if !present(field) {
		return ""
	}

	var s string
	if err := json.Unmarshal(field, &s); err == nil {
		return s
	}

	return string(field)
}

// decodeFrame classifies the frame. Only non-JSON data (or JSON which is not
// an object) results in an error.
func decodeFrame(data []byte) (InboundFrame, error) {
	var rf rawFrame
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, errors.Annotatef(ErrMalformedFrame, "%s", err)
	}

	destination := fieldString(rf.Destination)
	correlationID := fieldString(rf.CorrelationID)
	status := fieldString(rf.Status)

	if present(rf.ErrorCode) {
		return &ErrorFrame{
			Code:          fieldString(rf.ErrorCode),
			Message:       fieldString(rf.ErrorMessage),
			CorrelationID: correlationID,
		}, nil
	}

	// Payload may be absent, or not an object at all; neither is an error
	// here, such frames just end up unrecognized.
	var payload rawPayload
	if len(rf.Payload) > 0 {
		if err := json.Unmarshal(rf.Payload, &payload); err != nil {
			payload = rawPayload{}
		}
	}

	subs := decodeSubscriptions(payload.Subscriptions)

	if status == statusOK && correlationID != "" && hasProcessed(subs) {
		return &ControlAck{
			Destination:   destination,
			CorrelationID: correlationID,
			Status:        status,
			Subscriptions: subs,
		}, nil
	}

	if present(payload.Epic) {
		return &DataFrame{
			Destination: destination,
			Epic:        fieldString(payload.Epic),
			Resolution:  Resolution(fieldString(payload.Resolution)),
			BarShape:    BarShape(fieldString(payload.Type)),
			Payload:     rf.Payload,
		}, nil
	}

	if destination == destPing {
		return &LivenessAck{
			CorrelationID: correlationID,
			Status:        status,
		}, nil
	}

	return &Unrecognized{
		Destination: destination,
		Raw:         data,
	}, nil
}

// decodeSubscriptions returns nil if the field is not an object.
func decodeSubscriptions(field json.RawMessage) map[string]string {
	if !present(field) {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(field, &raw); err != nil {
		return nil
	}

	ret := make(map[string]string, len(raw))
	for k, v := range raw {
		ret[k] = fieldString(v)
	}

	return ret
}

func hasProcessed(subs map[string]string) bool {
	for _, v := range subs {
		if v == statusProcessed {
			return true
		}
	}

	return false
}
