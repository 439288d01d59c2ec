package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Epic is the Capital.com instrument identifier, e.g. "EURUSD" or "OIL_CRUDE".
type Epic string

// Quote represents a single "quote" streaming update: the best bid and offer
// for the epic at the given time.
type Quote struct {
	Epic    Epic   `json:"epic"`
	Product string `json:"product"`

	Bid    decimal.Decimal `json:"bid"`
	BidQty decimal.Decimal `json:"bidQty"`
	Ofr    decimal.Decimal `json:"ofr"`
	OfrQty decimal.Decimal `json:"ofrQty"`

	// Timestamp is in milliseconds since the epoch.
	Timestamp int64 `json:"timestamp"`
}

// Mid returns the middle of the spread.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ofr).Div(decimal.NewFromInt(2))
}

// Spread returns the difference between offer and bid.
func (q Quote) Spread() decimal.Decimal {
	return q.Ofr.Sub(q.Bid)
}

// Time converts Timestamp to time.Time.
func (q Quote) Time() time.Time {
	return msToTime(q.Timestamp)
}

func (q Quote) String() string {
	return fmt.Sprintf("%s bid=%s ofr=%s", q.Epic, q.Bid, q.Ofr)
}

// OHLCBar represents a single "ohlc.event" streaming update. Bars are sent
// repeatedly while they're open, so the same T can be seen multiple times with
// updated values.
type OHLCBar struct {
	Epic       Epic   `json:"epic"`
	Resolution string `json:"resolution"`
	// Type is the bar shape: "classic" or "heikin-ashi".
	Type      string `json:"type"`
	PriceType string `json:"priceType"`

	// T is the bar open time in milliseconds since the epoch.
	T int64 `json:"t"`

	Open  decimal.Decimal `json:"o"`
	High  decimal.Decimal `json:"h"`
	Low   decimal.Decimal `json:"l"`
	Close decimal.Decimal `json:"c"`
}

// Time converts T to time.Time.
func (b OHLCBar) Time() time.Time {
	return msToTime(b.T)
}

func (b OHLCBar) String() string {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf("[failed to stringify OHLCBar: %s]", err)
	}

	return string(data)
}

func msToTime(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
