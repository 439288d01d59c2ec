package bars

import (
	"github.com/shopspring/decimal"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"github.com/y3sh/capital-sdk-go/common"
)

var (
	two  = decimal.NewFromInt(2)
	four = decimal.NewFromInt(4)
)

// HeikinAshi computes Heikin-Ashi bars from classic ones (oldest first):
//
//	close = (open + high + low + close) / 4
//	open  = (previous open + previous close) / 2
//	high  = max(high, open, close)
//	low   = min(low, open, close)
//
// The first bar has no previous one, so its open is (open + close) / 2.
func HeikinAshi(classic []common.OHLCBar) []common.OHLCBar {
	ret := make([]common.OHLCBar, 0, len(classic))

	for i, bar := range classic {
		ha := bar
		ha.Type = string(websocket.BarShapeHeikinAshi)

		ha.Close = bar.Open.Add(bar.High).Add(bar.Low).Add(bar.Close).Div(four)

		if i == 0 {
			ha.Open = bar.Open.Add(bar.Close).Div(two)
		} else {
			prev := ret[i-1]
			ha.Open = prev.Open.Add(prev.Close).Div(two)
		}

		ha.High = decimal.Max(bar.High, ha.Open, ha.Close)
		ha.Low = decimal.Min(bar.Low, ha.Open, ha.Close)

		ret = append(ret, ha)
	}

	return ret
}
