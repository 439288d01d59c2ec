package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
)

// PricesTimeFormat is the format of time values in the prices endpoint, both
// in query params and in the response. All times are UTC.
const PricesTimeFormat = "2006-01-02T15:04:05"

// PricePoint is a price on both sides of the book.
type PricePoint struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// Side returns the bid price for "bid" and the ask price for anything else.
func (p PricePoint) Side(priceType string) decimal.Decimal {
	if priceType == "bid" {
		return p.Bid
	}
	return p.Ask
}

// HistoricalPrice is a single bar returned by the prices endpoint.
type HistoricalPrice struct {
	SnapshotTime    string `json:"snapshotTime"`
	SnapshotTimeUTC string `json:"snapshotTimeUTC"`

	OpenPrice  PricePoint `json:"openPrice"`
	ClosePrice PricePoint `json:"closePrice"`
	HighPrice  PricePoint `json:"highPrice"`
	LowPrice   PricePoint `json:"lowPrice"`

	LastTradedVolume decimal.Decimal `json:"lastTradedVolume"`
}

// Time parses SnapshotTimeUTC.
func (p HistoricalPrice) Time() (time.Time, error) {
	t, err := time.Parse(PricesTimeFormat, p.SnapshotTimeUTC)
	if err != nil {
		return time.Time{}, errors.Annotatef(err, "parsing snapshot time %q", p.SnapshotTimeUTC)
	}

	return t, nil
}

type PricesResponse struct {
	Prices         []HistoricalPrice `json:"prices"`
	InstrumentType string            `json:"instrumentType"`
}

// PricesParams are query params of the prices endpoint; zero values are
// omitted, in which case the server returns the last 10 bars.
type PricesParams struct {
	// Resolution is one of MINUTE, MINUTE_5, ..., WEEK; the server defaults
	// to MINUTE.
	Resolution string
	// Max is the max number of bars, up to 1000.
	Max  int
	From time.Time
	To   time.Time
}

func (p PricesParams) query() url.Values {
	q := url.Values{}

	if p.Resolution != "" {
		q.Set("resolution", p.Resolution)
	}
	if p.Max > 0 {
		q.Set("max", strconv.Itoa(p.Max))
	}
	if !p.From.IsZero() {
		q.Set("from", p.From.UTC().Format(PricesTimeFormat))
	}
	if !p.To.IsZero() {
		q.Set("to", p.To.UTC().Format(PricesTimeFormat))
	}

	return q
}

// Prices returns historical prices of the epic, oldest first.
func (c *SessionClient) Prices(ctx context.Context, epic string, params PricesParams) (*PricesResponse, error) {
	if epic == "" {
		return nil, errors.NotValidf("empty epic")
	}

	path := "prices/" + url.PathEscape(epic)
	if q := params.query(); len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res PricesResponse
	if err := c.doAuth(ctx, http.MethodGet, path, nil, &res, true); err != nil {
		return nil, errors.Annotatef(err, "prices of %q", epic)
	}

	return &res, nil
}
