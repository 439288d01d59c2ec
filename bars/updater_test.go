package bars

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"github.com/y3sh/capital-sdk-go/common"
	"go.uber.org/zap/zaptest"
)

func TestUpdater(t *testing.T) {
	if err := testUpdaterRegular(t); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	if err := testUpdaterNoHistoryGetter(t); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
}

// testUpdaterRegular tests regular workflow:
// - a bar from the stream before the history arrives
// - history from REST, a bit behind the streamed bar, so the streamed bar
//   is applied on top and we get in sync
// - a few in-order bars
// - a bar after a gap, so we get out of sync
// - requesting history from REST, getting error
// - requesting history from REST again, getting it, and getting in sync
// - resync after a reconnection
func testUpdaterRegular(t *testing.T) (err error) {
	mocks := newUpdaterMocks()

	defer func() {
		if err != nil {
			err = errors.Annotate(err, mocks.clock.Now().String())
		}
	}()

	updater, err := NewSeriesUpdater(&SeriesUpdaterParams{
		Resolution:      websocket.ResolutionMinute,
		MaxBars:         10,
		HistoryGetter:   mocks.hgetter,
		Logger:          zaptest.NewLogger(t),
		clock:           mocks.clock,
		getHistoryDelay: getHistoryDelayMock,
		gettingHistory:  mocks.gettingHistory,
		internalEvent:   mocks.internalEvent,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer updater.Close()

	updater.OnUpdate(mocks.onUpdate)

	if err := mocks.expectNoEvents(); err != nil {
		return errors.Trace(err)
	}

	mocks.clock.Add(1000 * time.Millisecond)

	if err := mocks.expectEvent(updaterMockEventTypeGettingHistory, nil); err != nil {
		return errors.Trace(err)
	}

	// Receive bar: we don't have the history yet, so expect no updates
	if err := mocks.receiveBar(updater, testBar(3, "1.0803")); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectNoEvents(); err != nil {
		return errors.Trace(err)
	}

	// Receive history up to bar 2
	mocks.hgetter.historyChan <- historyWithErr{
		bars: []common.OHLCBar{
			testBar(0, "1.08"),
			testBar(1, "1.0801"),
			testBar(2, "1.0802"),
		},
	}

	// Getting in sync
	if err := mocks.expectStateUpdate(true); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectSeriesUpdate([]common.OHLCBar{
		testBar(0, "1.08"),
		testBar(1, "1.0801"),
		testBar(2, "1.0802"),
		testBar(3, "1.0803"),
	}); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventGetHistoryResultHandled); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectNoEvents(); err != nil {
		return errors.Trace(err)
	}

	// Bar 3 updated, and bar 4 (still in sync) {{{
	updater.ReceiveBar(testBar(3, "1.0813"))

	if err := mocks.expectSeriesUpdate([]common.OHLCBar{
		testBar(0, "1.08"),
		testBar(1, "1.0801"),
		testBar(2, "1.0802"),
		testBar(3, "1.0813"),
	}); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventBarHandled); err != nil {
		return errors.Trace(err)
	}

	updater.ReceiveBar(testBar(4, "1.0804"))

	if err := mocks.expectSeriesUpdate([]common.OHLCBar{
		testBar(0, "1.08"),
		testBar(1, "1.0801"),
		testBar(2, "1.0802"),
		testBar(3, "1.0813"),
		testBar(4, "1.0804"),
	}); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventBarHandled); err != nil {
		return errors.Trace(err)
	}
	// }}}

	// Bar 7 after a gap: out of sync {{{
	updater.ReceiveBar(testBar(7, "1.0807"))

	if err := mocks.expectStateUpdate(false); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventBarHandled); err != nil {
		return errors.Trace(err)
	}

	// One more bar while out of sync: no updates
	if err := mocks.receiveBar(updater, testBar(8, "1.0808")); err != nil {
		return errors.Trace(err)
	}
	// }}}

	// History fails first {{{
	mocks.clock.Add(1000 * time.Millisecond)

	if err := mocks.expectEvent(updaterMockEventTypeGettingHistory, nil); err != nil {
		return errors.Trace(err)
	}

	mocks.hgetter.historyChan <- historyWithErr{
		err: errors.New("rate limited"),
	}

	if err := mocks.expectGetHistoryError(); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventGetHistoryResultHandled); err != nil {
		return errors.Trace(err)
	}

	// Second attempt is delayed a bit more
	mocks.clock.Add(1000 * time.Millisecond)

	if err := mocks.expectNoEvents(); err != nil {
		return errors.Trace(err)
	}

	mocks.clock.Add(1000 * time.Millisecond)

	if err := mocks.expectEvent(updaterMockEventTypeGettingHistory, nil); err != nil {
		return errors.Trace(err)
	}
	// }}}

	// History with the missing bars; pending bars are applied on top {{{
	mocks.hgetter.historyChan <- historyWithErr{
		bars: []common.OHLCBar{
			testBar(4, "1.0804"),
			testBar(5, "1.0805"),
			testBar(6, "1.0806"),
			testBar(7, "1.0817"),
		},
	}

	if err := mocks.expectStateUpdate(true); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectSeriesUpdate([]common.OHLCBar{
		testBar(0, "1.08"),
		testBar(1, "1.0801"),
		testBar(2, "1.0802"),
		testBar(3, "1.0813"),
		testBar(4, "1.0804"),
		testBar(5, "1.0805"),
		testBar(6, "1.0806"),
		testBar(7, "1.0807"),
		testBar(8, "1.0808"),
	}); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventGetHistoryResultHandled); err != nil {
		return errors.Trace(err)
	}
	// }}}

	// Resync, e.g. after a reconnection {{{
	updater.Resync()

	if err := mocks.expectStateUpdate(false); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventResyncHandled); err != nil {
		return errors.Trace(err)
	}

	mocks.clock.Add(1000 * time.Millisecond)

	if err := mocks.expectEvent(updaterMockEventTypeGettingHistory, nil); err != nil {
		return errors.Trace(err)
	}

	mocks.hgetter.historyChan <- historyWithErr{
		bars: []common.OHLCBar{
			testBar(8, "1.0818"),
			testBar(9, "1.0809"),
			testBar(10, "1.081"),
		},
	}

	if err := mocks.expectStateUpdate(true); err != nil {
		return errors.Trace(err)
	}

	// Trimmed to 10 bars
	if err := mocks.expectSeriesUpdate([]common.OHLCBar{
		testBar(1, "1.0801"),
		testBar(2, "1.0802"),
		testBar(3, "1.0813"),
		testBar(4, "1.0804"),
		testBar(5, "1.0805"),
		testBar(6, "1.0806"),
		testBar(7, "1.0807"),
		testBar(8, "1.0818"),
		testBar(9, "1.0809"),
		testBar(10, "1.081"),
	}); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectInternalEvent(internalEventGetHistoryResultHandled); err != nil {
		return errors.Trace(err)
	}
	// }}}

	if err := mocks.expectNoEvents(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// testUpdaterNoHistoryGetter tests that without a history getter, bars are
// applied as they come, gaps included.
func testUpdaterNoHistoryGetter(t *testing.T) (err error) {
	mocks := newUpdaterMocks()

	updater, err := NewSeriesUpdater(&SeriesUpdaterParams{
		Resolution:      websocket.ResolutionMinute,
		clock:           mocks.clock,
		getHistoryDelay: getHistoryDelayMock,
		gettingHistory:  mocks.gettingHistory,
		internalEvent:   mocks.internalEvent,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer updater.Close()

	updater.OnUpdate(mocks.onUpdate)

	if err := mocks.expectNoEvents(); err != nil {
		return errors.Trace(err)
	}

	// Feed it through the stream callback
	cb := updater.Callback()

	for _, bar := range []common.OHLCBar{
		testBar(0, "1.08"),
		testBar(5, "1.0805"),
	} {
		payload, err := json.Marshal(bar)
		if err != nil {
			return errors.Trace(err)
		}

		cb(&websocket.DataFrame{
			Destination: "ohlc.event",
			Epic:        "EURUSD",
			Resolution:  websocket.ResolutionMinute,
			BarShape:    websocket.BarShapeClassic,
			Payload:     payload,
		})

		if err := mocks.expectEvent(updaterMockEventTypeSeriesUpdate, nil); err != nil {
			return errors.Trace(err)
		}

		if err := mocks.expectInternalEvent(internalEventBarHandled); err != nil {
			return errors.Trace(err)
		}
	}

	// Undecodable frames are dropped
	cb(&websocket.DataFrame{Destination: "ohlc.event", Payload: json.RawMessage(`{"o":"x"}`)})

	// Resync is a no-op
	updater.Resync()

	if err := mocks.expectInternalEvent(internalEventResyncHandled); err != nil {
		return errors.Trace(err)
	}

	mocks.clock.Add(time.Minute)

	if err := mocks.expectNoEvents(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

func TestNewSeriesUpdater(t *testing.T) {
	_, err := NewSeriesUpdater(&SeriesUpdaterParams{Resolution: "MINUTE_7"})
	if !errors.IsNotValid(err) {
		t.Errorf("want not valid error, got %v", err)
	}
}

func TestStateUpdateString(t *testing.T) {
	if s := (&StateUpdate{IsInSync: true}).String(); s != "Synchronized" {
		t.Errorf("got %q", s)
	}

	if s := (&StateUpdate{NumBars: 3, NumPending: 1}).String(); s != "Out of sync: bars: 3, pending: 1" {
		t.Errorf("got %q", s)
	}
}

// getHistoryDelayMock returns 1 second, plus a second for every failed
// attempt.
func getHistoryDelayMock(firstSyncing bool, fetchHistoryAttempt int) time.Duration {
	return time.Duration(fetchHistoryAttempt+1) * time.Second
}

type updaterMockEventType int

const (
	updaterMockEventTypeSeriesUpdate updaterMockEventType = iota
	updaterMockEventTypeStateUpdate
	updaterMockEventTypeGetHistoryError
	updaterMockEventTypeGettingHistory
	updaterMockEventTypeInternalEvent
)

type updaterMockEvent struct {
	typ updaterMockEventType

	seriesUpdate    *Snapshot
	stateUpdate     *StateUpdate
	getHistoryError error
	internalEvent   internalEvent
}

var _ HistoryGetter = &historyGetterMock{}

type historyWithErr struct {
	bars []common.OHLCBar
	err  error
}

type historyGetterMock struct {
	historyChan chan historyWithErr
}

func (hg *historyGetterMock) GetHistory(ctx context.Context) ([]common.OHLCBar, error) {
	select {
	case h := <-hg.historyChan:
		return h.bars, h.err
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

type updaterMocks struct {
	clock      *clock.Mock
	eventsChan chan updaterMockEvent
	hgetter    *historyGetterMock
}

func newUpdaterMocks() *updaterMocks {
	c := clock.NewMockOpt(clock.MockOpt{
		Gosched: func() {},
	})

	c.Set(time.Unix(0, testT0*int64(time.Millisecond)).UTC())

	return &updaterMocks{
		clock:      c,
		eventsChan: make(chan updaterMockEvent, 1),
		hgetter: &historyGetterMock{
			historyChan: make(chan historyWithErr),
		},
	}
}

func (m *updaterMocks) onUpdate(update Update) {
	if s := update.SeriesUpdate; s != nil {
		m.eventsChan <- updaterMockEvent{
			typ:          updaterMockEventTypeSeriesUpdate,
			seriesUpdate: s,
		}
	} else if state := update.StateUpdate; state != nil {
		m.eventsChan <- updaterMockEvent{
			typ:         updaterMockEventTypeStateUpdate,
			stateUpdate: state,
		}
	} else if err := update.GetHistoryError; err != nil {
		m.eventsChan <- updaterMockEvent{
			typ:             updaterMockEventTypeGetHistoryError,
			getHistoryError: err,
		}
	}
}

func (m *updaterMocks) expectNoEvents() error {
	select {
	case e := <-m.eventsChan:
		return errors.Errorf("expected no events, but got %+v", e)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (m *updaterMocks) expectEvent(wantTyp updaterMockEventType, cb func(e updaterMockEvent) error) error {
	select {
	case e := <-m.eventsChan:
		if e.typ != wantTyp {
			return errors.Errorf("expected event of type %v, got %+v", wantTyp, e)
		}

		if cb != nil {
			if err := cb(e); err != nil {
				return errors.Trace(err)
			}
		}

		return nil
	case <-time.After(1 * time.Second):
		return errors.Errorf("expected event of type %v, got nothing", wantTyp)
	}
}

func (m *updaterMocks) expectSeriesUpdate(want []common.OHLCBar) error {
	err := m.expectEvent(updaterMockEventTypeSeriesUpdate, func(e updaterMockEvent) error {
		return errors.Trace(compareBars(want, e.seriesUpdate.Bars))
	})

	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (m *updaterMocks) expectStateUpdate(wantSync bool) error {
	err := m.expectEvent(updaterMockEventTypeStateUpdate, func(e updaterMockEvent) error {
		if e.stateUpdate.IsInSync != wantSync {
			return errors.Errorf(
				"wanted state update with IsInSync %v, got %+v", wantSync, e.stateUpdate,
			)
		}

		return nil
	})

	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (m *updaterMocks) expectGetHistoryError() error {
	err := m.expectEvent(updaterMockEventTypeGetHistoryError, func(e updaterMockEvent) error {
		if errors.Cause(e.getHistoryError).Error() != "rate limited" {
			return errors.Errorf("unexpected error: %v", e.getHistoryError)
		}

		return nil
	})

	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (m *updaterMocks) expectInternalEvent(want internalEvent) error {
	err := m.expectEvent(updaterMockEventTypeInternalEvent, func(e updaterMockEvent) error {
		if e.internalEvent != want {
			return errors.Errorf("wanted internal event %v, got %v", want, e.internalEvent)
		}

		return nil
	})

	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (m *updaterMocks) gettingHistory() {
	m.eventsChan <- updaterMockEvent{
		typ: updaterMockEventTypeGettingHistory,
	}
}

func (m *updaterMocks) internalEvent(e internalEvent) {
	m.eventsChan <- updaterMockEvent{
		typ:           updaterMockEventTypeInternalEvent,
		internalEvent: e,
	}
}

func (m *updaterMocks) receiveBar(updater *SeriesUpdater, bar common.OHLCBar) error {
	updater.ReceiveBar(bar)

	if err := m.expectInternalEvent(internalEventBarHandled); err != nil {
		return errors.Trace(err)
	}

	return nil
}
