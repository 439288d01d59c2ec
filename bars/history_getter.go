package bars

import (
	"context"

	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/rest"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"github.com/y3sh/capital-sdk-go/common"
)

// HistoryGetter gets the most recent bars of a stream. Typically clients
// should use HistoryGetterREST, which gets them from the REST API.
//
// This is needed in the first place because the stream only delivers the
// current bar, so whenever the client just starts, or misses some bars
// because of a reconnection, it needs the history to fill the series.
type HistoryGetter interface {
	GetHistory(ctx context.Context) ([]common.OHLCBar, error)
}

var _ HistoryGetter = &HistoryGetterREST{}

// HistoryGetterREST implements HistoryGetter; it gets bars of the given
// stream from the prices endpoint. Heikin-Ashi bars are computed from the
// classic ones.
type HistoryGetterREST struct {
	client    *rest.SessionClient
	sub       websocket.StreamSubscription
	priceType string
	max       int
}

// NewHistoryGetterREST creates a new history getter which uses the REST API
// to get max bars (up to 1000) of the given OHLC stream. Prices of priceType
// ("bid" or "ask") are used.
func NewHistoryGetterREST(
	client *rest.SessionClient, sub websocket.StreamSubscription, priceType string, max int,
) (*HistoryGetterREST, error) {
	if err := sub.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	if sub.Kind != websocket.DataKindOHLC {
		return nil, errors.NotValidf("history of %s", sub)
	}

	if priceType != "bid" && priceType != "ask" {
		return nil, errors.NotValidf("price type %q", priceType)
	}

	if sub.BarShape == "" {
		sub.BarShape = websocket.BarShapeClassic
	}

	return &HistoryGetterREST{
		client:    client,
		sub:       sub,
		priceType: priceType,
		max:       max,
	}, nil
}

func (hg *HistoryGetterREST) GetHistory(ctx context.Context) ([]common.OHLCBar, error) {
	res, err := hg.client.Prices(ctx, hg.sub.Epic, rest.PricesParams{
		Resolution: string(hg.sub.Resolution),
		Max:        hg.max,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	bars, err := FromPrices(hg.sub.Epic, hg.sub.Resolution, hg.priceType, res.Prices)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if hg.sub.BarShape == websocket.BarShapeHeikinAshi {
		bars = HeikinAshi(bars)
	}

	return bars, nil
}

// FromPrices converts bars returned by the prices endpoint into classic
// OHLC bars, using prices of priceType ("bid" or "ask").
func FromPrices(
	epic string, resolution websocket.Resolution, priceType string, prices []rest.HistoricalPrice,
) ([]common.OHLCBar, error) {
	ret := make([]common.OHLCBar, 0, len(prices))

	for _, p := range prices {
		t, err := p.Time()
		if err != nil {
			return nil, errors.Trace(err)
		}

		ret = append(ret, common.OHLCBar{
			Epic:       common.Epic(epic),
			Resolution: string(resolution),
			Type:       string(websocket.BarShapeClassic),
			PriceType:  priceType,
			T:          t.UnixNano() / 1e6,
			Open:       p.OpenPrice.Side(priceType),
			High:       p.HighPrice.Side(priceType),
			Low:        p.LowPrice.Side(priceType),
			Close:      p.ClosePrice.Side(priceType),
		})
	}

	return ret, nil
}
