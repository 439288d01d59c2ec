package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionKey(t *testing.T) {
	assert := assert.New(t)

	market, err := StreamSubscription{Epic: "BTCUSD", Kind: DataKindMarket}.normalize()
	assert.Nil(err)
	assert.Equal("/market/BTCUSD", market.Key())

	ohlc, err := StreamSubscription{
		Epic:       "EURUSD",
		Kind:       DataKindOHLC,
		Resolution: ResolutionMinute5,
	}.normalize()
	assert.Nil(err)
	assert.Equal(BarShapeClassic, ohlc.BarShape)
	assert.Equal("/ohlc/EURUSD/MINUTE_5/classic", ohlc.Key())

	ha, err := StreamSubscription{
		Epic:       "EURUSD",
		Kind:       DataKindOHLC,
		Resolution: ResolutionHour,
		BarShape:   BarShapeHeikinAshi,
	}.normalize()
	assert.Nil(err)
	assert.Equal("/ohlc/EURUSD/HOUR/heikin-ashi", ha.Key())

	// Case of kind, resolution and shape doesn't matter
	for _, sub := range []StreamSubscription{
		{Epic: "EURUSD", Kind: DataKindOHLC, Resolution: ResolutionMinute5, BarShape: "CLASSIC"},
		{Epic: "EURUSD", Kind: "ohlc", Resolution: "minute_5", BarShape: "Classic"},
	} {
		got, err := sub.normalize()
		if assert.Nil(err, "%+v", sub) {
			assert.Equal("/ohlc/EURUSD/MINUTE_5/classic", got.Key())
			assert.Equal(DataKindOHLC, got.Kind)
		}
	}

	for _, shape := range []BarShape{"HEIKIN_ASHI", "heikin_ashi", "Heikin-Ashi"} {
		got, err := StreamSubscription{Epic: "EURUSD", Kind: DataKindOHLC, Resolution: ResolutionHour, BarShape: shape}.normalize()
		if assert.Nil(err, string(shape)) {
			assert.Equal(BarShapeHeikinAshi, got.BarShape)
		}
	}

	market, err = StreamSubscription{Epic: "BTCUSD", Kind: "market"}.normalize()
	assert.Nil(err)
	assert.Equal("/market/BTCUSD", market.Key())

	// Resolution and shape are irrelevant for quotes
	withRes, err := StreamSubscription{
		Epic:       "BTCUSD",
		Kind:       DataKindMarket,
		Resolution: ResolutionDay,
	}.normalize()
	assert.Nil(err)
	assert.Equal(market, withRes)
}

func TestSubscriptionValidation(t *testing.T) {
	for _, sub := range []StreamSubscription{
		{Kind: DataKindMarket},
		{Epic: "EURUSD"},
		{Epic: "EURUSD", Kind: "TRADES"},
		{Epic: "EURUSD", Kind: DataKindOHLC},
		{Epic: "EURUSD", Kind: DataKindOHLC, Resolution: "MINUTE_7"},
		{Epic: "EURUSD", Kind: DataKindOHLC, Resolution: ResolutionMinute, BarShape: "renko"},
	} {
		_, err := sub.normalize()
		if !errors.IsNotValid(err) {
			t.Errorf("%+v: want not valid error, got: %v", sub, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)

	reg := newRegistry()
	assert.True(reg.isEmpty())

	calls := []string{}
	btc := StreamSubscription{Epic: "BTCUSD", Kind: DataKindMarket}
	eur := StreamSubscription{Epic: "EURUSD", Kind: DataKindOHLC, Resolution: ResolutionMinute5, BarShape: BarShapeClassic}

	assert.False(reg.upsert(Subscription{
		StreamSubscription: btc,
		Callback:           func(*DataFrame) { calls = append(calls, "first") },
		Active:             true,
	}))
	assert.False(reg.upsert(Subscription{StreamSubscription: eur, Active: true}))

	// Last writer wins
	assert.True(reg.upsert(Subscription{
		StreamSubscription: btc,
		Callback:           func(*DataFrame) { calls = append(calls, "second") },
		Active:             true,
	}))
	assert.Equal(2, reg.len())

	sub, ok := reg.get(btc.Key())
	assert.True(ok)
	sub.Callback(nil)
	assert.Equal([]string{"second"}, calls)

	// Snapshot is ordered by key and doesn't change with the registry
	snap := reg.snapshot()
	if assert.Len(snap, 2) {
		assert.Equal("/market/BTCUSD", snap[0].Key())
		assert.Equal("/ohlc/EURUSD/MINUTE_5/classic", snap[1].Key())
	}

	removed, ok := reg.remove(btc.Key())
	assert.True(ok)
	assert.Equal(btc, removed.StreamSubscription)
	assert.Len(snap, 2)

	_, ok = reg.remove(btc.Key())
	assert.False(ok)

	_, ok = reg.get(btc.Key())
	assert.False(ok)

	drained := reg.drain()
	assert.Len(drained, 1)
	assert.True(reg.isEmpty())
	assert.Empty(reg.drain())
}

// TestRegistryConcurrent is meant to be run with -race.
func TestRegistryConcurrent(t *testing.T) {
	reg := newRegistry()

	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for i := 0; i < 200; i++ {
				sub := StreamSubscription{Epic: fmt.Sprintf("EPIC%d_%d", w, i%10), Kind: DataKindMarket}

				reg.upsert(Subscription{StreamSubscription: sub, Active: true})
				reg.get(sub.Key())
				reg.snapshot()
				reg.len()

				if i%2 == 0 {
					reg.remove(sub.Key())
				}
			}
		}(w)
	}

	wg.Wait()

	// Each writer keeps the odd epics only
	snap := reg.snapshot()
	if len(snap) != 4*5 {
		t.Fatalf("want %d records, got %d", 4*5, len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Key() >= snap[i].Key() {
			t.Errorf("snapshot is not ordered: %s before %s", snap[i-1].Key(), snap[i].Key())
		}
	}
}

func TestParseSubscription(t *testing.T) {
	assert := assert.New(t)

	for str, want := range map[string]StreamSubscription{
		"market:BTCUSD":                    {Epic: "BTCUSD", Kind: DataKindMarket},
		"MARKET:OIL_CRUDE":                 {Epic: "OIL_CRUDE", Kind: DataKindMarket},
		"ohlc:EURUSD:MINUTE_5":             {Epic: "EURUSD", Kind: DataKindOHLC, Resolution: ResolutionMinute5, BarShape: BarShapeClassic},
		"ohlc:EURUSD:hour:heikin-ashi":     {Epic: "EURUSD", Kind: DataKindOHLC, Resolution: ResolutionHour, BarShape: BarShapeHeikinAshi},
		"ohlc:US100:MINUTE_15:Heikin-Ashi": {Epic: "US100", Kind: DataKindOHLC, Resolution: ResolutionMinute15, BarShape: BarShapeHeikinAshi},
		"ohlc:US100:MINUTE_15:HEIKIN_ASHI": {Epic: "US100", Kind: DataKindOHLC, Resolution: ResolutionMinute15, BarShape: BarShapeHeikinAshi},
		"ohlc:EURUSD:MINUTE_5:CLASSIC":     {Epic: "EURUSD", Kind: DataKindOHLC, Resolution: ResolutionMinute5, BarShape: BarShapeClassic},
	} {
		got, err := ParseSubscription(str)
		if assert.Nil(err, str) {
			assert.Equal(want, got, str)
		}

		// Round trip
		again, err := ParseSubscription(got.String())
		if assert.Nil(err, got.String()) {
			assert.Equal(got, again)
		}
	}

	for _, str := range []string{
		"",
		"BTCUSD",
		"market:",
		"market:BTCUSD:MINUTE",
		"ohlc:EURUSD",
		"ohlc:EURUSD:MINUTE_7",
		"ohlc:EURUSD:MINUTE:renko",
		"trades:BTCUSD",
	} {
		_, err := ParseSubscription(str)
		assert.True(errors.IsNotValid(err), "%q: %v", str, err)
	}
}
