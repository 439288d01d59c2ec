package bars

import (
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"github.com/y3sh/capital-sdk-go/common"
)

var (
	// ErrGap is returned when a bar is more than one period newer than the
	// last bar of the series, i.e. some bars might have been missed.
	ErrGap = errors.New("gap between bars")

	// ErrStaleBar is returned when a bar is older than the whole series.
	ErrStaleBar = errors.New("stale bar")
)

// DefaultMaxBars is used if the max length of the series is not given.
const DefaultMaxBars = 500

var periods = map[websocket.Resolution]time.Duration{
	websocket.ResolutionMinute:   time.Minute,
	websocket.ResolutionMinute5:  5 * time.Minute,
	websocket.ResolutionMinute10: 10 * time.Minute,
	websocket.ResolutionMinute15: 15 * time.Minute,
	websocket.ResolutionMinute30: 30 * time.Minute,
	websocket.ResolutionHour:     time.Hour,
	websocket.ResolutionHour2:    2 * time.Hour,
	websocket.ResolutionHour3:    3 * time.Hour,
	websocket.ResolutionHour4:    4 * time.Hour,
	websocket.ResolutionDay:      24 * time.Hour,
	websocket.ResolutionWeek:     7 * 24 * time.Hour,
}

// Period returns the duration of a bar with the given resolution, or 0 if
// it's not fixed (MONTH).
func Period(resolution websocket.Resolution) time.Duration {
	return periods[resolution]
}

// Series represents a "live" series of OHLC bars of a single stream, which is
// able to receive history snapshots and streaming updates. Bars are ordered
// by open time; an open bar is updated in place until the next one starts.
//
// It is not thread-safe; so if you need to use it from more than one
// goroutine, apply your own synchronization.
type Series struct {
	period time.Duration
	maxLen int

	bars []common.OHLCBar
}

// NewSeries creates a series with the given history; at most maxLen most
// recent bars are kept (DefaultMaxBars if maxLen is not positive).
func NewSeries(resolution websocket.Resolution, maxLen int, history []common.OHLCBar) *Series {
	if maxLen <= 0 {
		maxLen = DefaultMaxBars
	}

	s := &Series{
		period: Period(resolution),
		maxLen: maxLen,
	}
	s.ApplySnapshot(history)

	return s
}

// Bars returns a copy of all bars, oldest first.
func (s *Series) Bars() []common.OHLCBar {
	ret := make([]common.OHLCBar, len(s.bars))
	copy(ret, s.bars)
	return ret
}

// Len returns the number of bars.
func (s *Series) Len() int {
	return len(s.bars)
}

// Last returns the most recent bar; ok is false if the series is empty.
func (s *Series) Last() (bar common.OHLCBar, ok bool) {
	if len(s.bars) == 0 {
		return common.OHLCBar{}, false
	}

	return s.bars[len(s.bars)-1], true
}

// ApplyBar applies the given bar (received from the wire) to the series. If
// there's a gap between the last bar and the new one, returns ErrGap without
// applying the bar.
func (s *Series) ApplyBar(bar common.OHLCBar) error {
	return s.ApplyBarOpt(bar, false)
}

// ApplyBarOpt applies the given bar (received from the wire) to the series.
// If ignoreGap is true, applies the bar even if it's more than one period
// newer than the last one.
func (s *Series) ApplyBarOpt(bar common.OHLCBar, ignoreGap bool) error {
	n := len(s.bars)
	if n == 0 {
		s.bars = append(s.bars, bar)
		return nil
	}

	last := s.bars[n-1]

	switch {
	case bar.T == last.T:
		s.bars[n-1] = bar

	case bar.T > last.T:
		if !ignoreGap && s.period > 0 && bar.T-last.T > s.period.Milliseconds() {
			return errors.Annotatef(ErrGap, "%s after %s", bar.Time(), last.Time())
		}

		s.bars = append(s.bars, bar)
		s.trim()

	default:
		if bar.T < s.bars[0].T {
			return errors.Annotatef(ErrStaleBar, "%s before %s", bar.Time(), s.bars[0].Time())
		}

		i := sort.Search(n, func(i int) bool { return s.bars[i].T >= bar.T })
		if s.bars[i].T == bar.T {
			s.bars[i] = bar
			break
		}

		// Missing bar in the middle
		s.bars = append(s.bars, common.OHLCBar{})
		copy(s.bars[i+1:], s.bars[i:])
		s.bars[i] = bar
		s.trim()
	}

	return nil
}

// ApplySnapshot replaces the bars covered by the snapshot; bars older or
// newer than the snapshot are kept.
func (s *Series) ApplySnapshot(history []common.OHLCBar) {
	if len(history) == 0 {
		return
	}

	snapshot := make([]common.OHLCBar, len(history))
	copy(snapshot, history)
	sort.SliceStable(snapshot, func(i, j int) bool { return snapshot[i].T < snapshot[j].T })

	firstT, lastT := snapshot[0].T, snapshot[len(snapshot)-1].T

	merged := make([]common.OHLCBar, 0, len(s.bars)+len(snapshot))
	for _, bar := range s.bars {
		if bar.T < firstT {
			merged = append(merged, bar)
		}
	}

	merged = append(merged, snapshot...)

	for _, bar := range s.bars {
		if bar.T > lastT {
			merged = append(merged, bar)
		}
	}

	s.bars = merged
	s.trim()
}

func (s *Series) trim() {
	if extra := len(s.bars) - s.maxLen; extra > 0 {
		s.bars = append(s.bars[:0:0], s.bars[extra:]...)
	}
}
