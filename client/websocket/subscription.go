package websocket

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// DataKind is a kind of streaming data.
type DataKind string

// The following constants represent every supported DataKind.
const (
	// DataKindMarket means real-time quotes (bid/offer) for an epic.
	DataKindMarket DataKind = "MARKET"

	// DataKindOHLC means OHLC bars for an epic with the given resolution and
	// bar shape.
	DataKindOHLC DataKind = "OHLC"
)

// BarShape is the way OHLC bars are computed.
type BarShape string

const (
	BarShapeClassic    BarShape = "classic"
	BarShapeHeikinAshi BarShape = "heikin-ashi"
)

// Resolution is the OHLC bar period.
type Resolution string

const (
	ResolutionMinute   Resolution = "MINUTE"
	ResolutionMinute5  Resolution = "MINUTE_5"
	ResolutionMinute10 Resolution = "MINUTE_10"
	ResolutionMinute15 Resolution = "MINUTE_15"
	ResolutionMinute30 Resolution = "MINUTE_30"
	ResolutionHour     Resolution = "HOUR"
	ResolutionHour2    Resolution = "HOUR_2"
	ResolutionHour3    Resolution = "HOUR_3"
	ResolutionHour4    Resolution = "HOUR_4"
	ResolutionDay      Resolution = "DAY"
	ResolutionWeek     Resolution = "WEEK"
	ResolutionMonth    Resolution = "MONTH"
)

var validResolutions = map[Resolution]struct{}{
	ResolutionMinute:   {},
	ResolutionMinute5:  {},
	ResolutionMinute10: {},
	ResolutionMinute15: {},
	ResolutionMinute30: {},
	ResolutionHour:     {},
	ResolutionHour2:    {},
	ResolutionHour3:    {},
	ResolutionHour4:    {},
	ResolutionDay:      {},
	ResolutionWeek:     {},
	ResolutionMonth:    {},
}

// Valid returns whether r is one of the resolutions supported by the
// streaming API.
func (r Resolution) Valid() bool {
	_, ok := validResolutions[r]
	return ok
}

// Valid returns whether s is a known bar shape.
func (s BarShape) Valid() bool {
	return s == BarShapeClassic || s == BarShapeHeikinAshi
}

// StreamSubscription identifies a single stream. Resolution is only relevant
// (and required) for DataKindOHLC; empty BarShape means BarShapeClassic.
type StreamSubscription struct {
	Epic       string
	Kind       DataKind
	Resolution Resolution
	BarShape   BarShape
}

// normalize fills in defaults and validates the subscription.
func (s StreamSubscription) normalize() (StreamSubscription, error) {
	if s.Epic == "" {
		return s, errors.NotValidf("empty epic")
	}

	s.Kind = DataKind(strings.ToUpper(string(s.Kind)))

	switch s.Kind {
	case DataKindMarket:
		s.Resolution = ""
		s.BarShape = ""

	case DataKindOHLC:
		// Resolutions are upper case and shapes lower case on the wire;
		// "HEIKIN_ASHI" means "heikin-ashi".
		s.Resolution = Resolution(strings.ToUpper(string(s.Resolution)))
		s.BarShape = BarShape(strings.Replace(strings.ToLower(string(s.BarShape)), "_", "-", -1))

		if s.Resolution == "" {
			return s, errors.NotValidf("resolution for OHLC subscription %q", s.Epic)
		}
		if !s.Resolution.Valid() {
			return s, errors.NotValidf("resolution %q", s.Resolution)
		}
		if s.BarShape == "" {
			s.BarShape = BarShapeClassic
		}
		if !s.BarShape.Valid() {
			return s, errors.NotValidf("bar shape %q", s.BarShape)
		}

	default:
		return s, errors.NotValidf("data kind %q", s.Kind)
	}

	return s, nil
}

// Validate returns a not valid error (see errors.IsNotValid) if the
// subscription can't be subscribed to.
func (s StreamSubscription) Validate() error {
	_, err := s.normalize()
	return errors.Trace(err)
}

// String returns the subscription in the format understood by
// ParseSubscription.
func (s StreamSubscription) String() string {
	switch s.Kind {
	case DataKindOHLC:
		if s.BarShape == "" {
			return fmt.Sprintf("ohlc:%s:%s", s.Epic, s.Resolution)
		}
		return fmt.Sprintf("ohlc:%s:%s:%s", s.Epic, s.Resolution, s.BarShape)
	case DataKindMarket:
		return "market:" + s.Epic
	}

	return fmt.Sprintf("%s:%s", strings.ToLower(string(s.Kind)), s.Epic)
}

// ParseSubscription parses a subscription given as "market:EPIC" or
// "ohlc:EPIC:RESOLUTION[:SHAPE]", e.g. "ohlc:EURUSD:MINUTE_5:heikin-ashi".
// The result is validated and normalized.
func ParseSubscription(str string) (StreamSubscription, error) {
	parts := strings.Split(str, ":")

	var sub StreamSubscription

	switch strings.ToLower(parts[0]) {
	case "market":
		if len(parts) != 2 {
			return sub, errors.NotValidf("market subscription %q (want market:EPIC)", str)
		}
		sub = StreamSubscription{Epic: parts[1], Kind: DataKindMarket}

	case "ohlc":
		if len(parts) != 3 && len(parts) != 4 {
			return sub, errors.NotValidf("OHLC subscription %q (want ohlc:EPIC:RESOLUTION[:SHAPE])", str)
		}
		sub = StreamSubscription{
			Epic:       parts[1],
			Kind:       DataKindOHLC,
			Resolution: Resolution(parts[2]),
		}
		if len(parts) == 4 {
			sub.BarShape = BarShape(parts[3])
		}

	default:
		return sub, errors.NotValidf("subscription %q (unknown data kind)", str)
	}

	sub, err := sub.normalize()
	return sub, errors.Trace(err)
}

// Key returns the canonical stream key, e.g. "/market/BTCUSD" or
// "/ohlc/EURUSD/MINUTE_5/classic". The same key is derived from inbound data
// frames, so this is what links a frame to its subscriber.
func (s StreamSubscription) Key() string {
	switch s.Kind {
	case DataKindOHLC:
		return ohlcKey(s.Epic, string(s.Resolution), string(s.BarShape))
	default:
		return marketKey(s.Epic)
	}
}

func marketKey(epic string) string {
	return "/market/" + epic
}

func ohlcKey(epic, resolution, shape string) string {
	return "/ohlc/" + epic + "/" + resolution + "/" + shape
}

// DataCB is a signature of a subscriber callback. It's invoked by the
// connection's reading goroutine, so it should return quickly.
type DataCB func(frame *DataFrame)

// Subscription is a desired subscription as stored by the registry.
type Subscription struct {
	StreamSubscription

	Callback DataCB

	// Active is true for every record in the registry; a record which is not
	// active is never resubscribed nor called.
	Active bool
}

// registry is the store of desired subscriptions, keyed by the canonical
// stream key. It never performs any I/O.
type registry struct {
	subs map[string]Subscription
	mtx  sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		subs: make(map[string]Subscription),
	}
}

// upsert inserts the subscription or replaces the existing one with the same
// key. Returns true if a record with that key already existed.
func (r *registry) upsert(sub Subscription) (replaced bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	_, replaced = r.subs[sub.Key()]
	r.subs[sub.Key()] = sub

	return replaced
}

func (r *registry) remove(key string) (Subscription, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}

	return sub, ok
}

func (r *registry) get(key string) (Subscription, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	sub, ok := r.subs[key]
	return sub, ok
}

// snapshot returns a copy of all records ordered by key.
func (r *registry) snapshot() []Subscription {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return r.copyLocked()
}

// drain atomically returns all records and clears the registry.
func (r *registry) drain() []Subscription {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	subs := r.copyLocked()
	r.subs = make(map[string]Subscription)

	return subs
}

func (r *registry) isEmpty() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.subs) == 0
}

func (r *registry) len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.subs)
}

// NOTE: r.mtx should be locked when copyLocked is called
func (r *registry) copyLocked() []Subscription {
	subs := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Key() < subs[j].Key()
	})

	return subs
}
