package bars

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"github.com/y3sh/capital-sdk-go/common"
	"go.uber.org/zap"
)

const (
	// maxPendingBars limits how many bars are kept while waiting for history.
	maxPendingBars = 100

	getHistoryTimeout = 30 * time.Second
)

type getHistoryResult struct {
	bars []common.OHLCBar
	err  error
}

// SeriesUpdater maintains the up-to-date series of bars by applying live
// updates (which are typically fed to it from the StreamClient, see
// Callback), and filling it with history when needed.
type SeriesUpdater struct {
	params SeriesUpdaterParams

	barsChan             chan common.OHLCBar
	resyncChan           chan struct{}
	getHistoryResultChan chan getHistoryResult
	stopChan             chan struct{}
	addUpdateCB          chan OnUpdateCB

	ctx    context.Context
	cancel context.CancelFunc

	series *Series

	updateCBs []OnUpdateCB

	// pendingBars are received while out of sync; they're applied on top of
	// the history once it arrives.
	pendingBars []common.OHLCBar

	// fetchHistoryTimer is a timer which fires when we need to request the
	// history from the REST API.
	fetchHistoryTimer *clock.Timer
	// fetchHistoryAttempt represents how many times in a row we tried to fetch
	// the history from the REST API.
	fetchHistoryAttempt int

	// isInSync reflects whether the series has no gaps since the last
	// history. Needed only for sending StateUpdate.
	isInSync bool

	// If firstSyncing is true, it means we'll be syncing the first time after
	// the start; this is needed to use a smaller randomized delay before
	// fetching the history.
	firstSyncing bool
}

// SeriesUpdaterParams contains params for creating a new series updater.
type SeriesUpdaterParams struct {
	// Resolution is required: it's needed to detect gaps.
	Resolution websocket.Resolution

	// MaxBars is the max length of the series; DefaultMaxBars if zero.
	MaxBars int

	// HistoryGetter is optional; it returns the most recent bars, typically
	// from REST API. See NewHistoryGetterREST.
	//
	// If HistoryGetter is not set, the series only contains bars received
	// after the start, and gaps are ignored.
	HistoryGetter HistoryGetter

	Logger *zap.Logger

	// Below are mockables; should only be set for tests. By default, prod values
	// will be used.

	clock clock.Clock

	// getHistoryDelay returns the delay before fetching the history from REST
	// API.
	getHistoryDelay func(firstSyncing bool, fetchHistoryAttempt int) time.Duration

	// gettingHistory is called right before running a goroutine with
	// GetHistory. It's a no-op for prod.
	gettingHistory func()

	// internalEvent is called right after processing an event in eventLoop.
	// It's a no-op for prod.
	internalEvent func(ie internalEvent)
}

// NewSeriesUpdater creates a new series updater with the provided params.
func NewSeriesUpdater(params *SeriesUpdaterParams) (*SeriesUpdater, error) {
	if _, ok := periods[params.Resolution]; !ok && params.Resolution != websocket.ResolutionMonth {
		return nil, errors.NotValidf("resolution %q", params.Resolution)
	}

	su := &SeriesUpdater{
		params: *params,

		barsChan:             make(chan common.OHLCBar, 1),
		resyncChan:           make(chan struct{}, 1),
		getHistoryResultChan: make(chan getHistoryResult, 1),
		stopChan:             make(chan struct{}),
		addUpdateCB:          make(chan OnUpdateCB, 1),

		firstSyncing: true,
	}

	su.ctx, su.cancel = context.WithCancel(context.Background())

	// Set prod values for mockables by default.

	if su.params.Logger == nil {
		su.params.Logger = zap.NewNop()
	}

	if su.params.clock == nil {
		su.params.clock = clock.New()
	}

	if su.params.getHistoryDelay == nil {
		su.params.getHistoryDelay = getHistoryDelayDefault
	}

	if su.params.gettingHistory == nil {
		su.params.gettingHistory = func() {}
	}

	if su.params.internalEvent == nil {
		su.params.internalEvent = func(ie internalEvent) {}
	}

	if su.params.HistoryGetter == nil {
		su.series = NewSeries(su.params.Resolution, su.params.MaxBars, nil)
		su.isInSync = true
	}

	su.getHistoryFromAPIAfterTimeout()

	go su.eventLoop()

	return su, nil
}

// ReceiveBar should be called when a new bar is received from the websocket.
// If the bar applies cleanly to the series, the OnUpdate callbacks will be
// called shortly.
func (su *SeriesUpdater) ReceiveBar(bar common.OHLCBar) {
	select {
	case su.barsChan <- bar:
	case <-su.stopChan:
	}
}

// Resync should be called when some bars might have been missed, typically
// after the stream reconnects; the history is fetched again.
func (su *SeriesUpdater) Resync() {
	select {
	case su.resyncChan <- struct{}{}:
	default:
		// Already requested
	}
}

// Callback returns a websocket.DataCB feeding OHLC frames to the updater.
func (su *SeriesUpdater) Callback() websocket.DataCB {
	return func(frame *websocket.DataFrame) {
		bar, err := frame.OHLCBar()
		if err != nil {
			su.params.Logger.Warn("Failed to decode bar", zap.Error(err))
			return
		}

		su.ReceiveBar(*bar)
	}
}

type OnUpdateCB func(update Update)

// Update carries exactly one of the fields.
type Update struct {
	SeriesUpdate    *Snapshot
	StateUpdate     *StateUpdate
	GetHistoryError error
}

// Snapshot is a copy of the series.
type Snapshot struct {
	Bars []common.OHLCBar
}

// OnUpdate registers a new callback which will be called when an update is
// available: either state update or series update. The callback will be
// called from the same internal eventloop, so they are never called
// concurrently with each other, and the callback shouldn't block.
func (su *SeriesUpdater) OnUpdate(cb OnUpdateCB) {
	su.addUpdateCB <- cb
}

// StateUpdate is delivered to handlers (registered with OnUpdate) when
// the series becomes in sync or goes out of sync; see IsInSync field.
type StateUpdate struct {
	// IsInSync is false while the series might be missing some bars.
	IsInSync bool

	// NumBars is the length of the series.
	NumBars int
	// NumPending is the number of bars waiting for the history.
	NumPending int
}

func (su *StateUpdate) String() string {
	if su.IsInSync {
		return "Synchronized"
	}

	return fmt.Sprintf("Out of sync: bars: %d, pending: %d", su.NumBars, su.NumPending)
}

// Close stops event loop; after that instance of SeriesUpdater can't be
// used anymore.
func (su *SeriesUpdater) Close() error {
	su.cancel()
	close(su.stopChan)
	return nil
}

// receiveBarInternal should only be called from the eventLoop.
func (su *SeriesUpdater) receiveBarInternal(bar common.OHLCBar) {
	if !su.isInSync {
		su.addPending(bar)
		su.getHistoryFromAPIAfterTimeout()
		return
	}

	// Without history there's nothing to fill gaps with
	ignoreGap := su.params.HistoryGetter == nil

	err := su.series.ApplyBarOpt(bar, ignoreGap)
	switch errors.Cause(err) {
	case nil:
		// The bar was applied cleanly, so, call the on-update callbacks
		su.callUpdateCBs(Update{
			SeriesUpdate: &Snapshot{Bars: su.series.Bars()},
		})

	case ErrGap:
		su.params.Logger.Info("Gap in bars, fetching history", zap.Error(err))

		su.addPending(bar)
		su.setInSync(false)
		su.getHistoryFromAPIAfterTimeout()

	default:
		su.params.Logger.Debug("Ignoring bar", zap.Error(err))
	}
}

// receiveHistoryInternal should only be called from the eventLoop.
func (su *SeriesUpdater) receiveHistoryInternal(history []common.OHLCBar) {
	if su.series == nil {
		su.series = NewSeries(su.params.Resolution, su.params.MaxBars, history)
	} else {
		su.series.ApplySnapshot(history)
	}

	// History covers everything up to now, so whatever is still missing
	// between the history and the pending bars is a gap on the server too.
	for _, bar := range su.pendingBars {
		if err := su.series.ApplyBarOpt(bar, true); err != nil {
			su.params.Logger.Debug("Ignoring pending bar", zap.Error(err))
		}
	}
	su.pendingBars = nil

	su.setInSync(true)

	// Now that we have updated series, call the on-update callbacks
	su.callUpdateCBs(Update{
		SeriesUpdate: &Snapshot{Bars: su.series.Bars()},
	})
}

// addPending should only be called from the eventLoop.
func (su *SeriesUpdater) addPending(bar common.OHLCBar) {
	n := len(su.pendingBars)
	if n > 0 && su.pendingBars[n-1].T == bar.T {
		// Open bar updated
		su.pendingBars[n-1] = bar
		return
	}

	su.pendingBars = append(su.pendingBars, bar)
	if len(su.pendingBars) > maxPendingBars {
		su.pendingBars = su.pendingBars[len(su.pendingBars)-maxPendingBars:]
	}
}

// setInSync should only be called from the eventLoop.
func (su *SeriesUpdater) setInSync(inSync bool) {
	if su.isInSync == inSync {
		return
	}

	su.isInSync = inSync
	su.callUpdateCBs(Update{
		StateUpdate: su.getStateUpdate(),
	})

	if inSync {
		su.firstSyncing = false
	}
}

// resyncInternal should only be called from the eventLoop.
func (su *SeriesUpdater) resyncInternal() {
	if su.params.HistoryGetter == nil {
		return
	}

	su.setInSync(false)
	su.getHistoryFromAPIAfterTimeout()
}

// getHistoryFromAPIAfterTimeout should only be called from the eventLoop.
func (su *SeriesUpdater) getHistoryFromAPIAfterTimeout() {
	if su.params.HistoryGetter == nil {
		return
	}

	if su.fetchHistoryTimer != nil {
		// History fetching is already scheduled, so nothing to do here
		return
	}

	delay := su.params.getHistoryDelay(su.firstSyncing, su.fetchHistoryAttempt)

	su.fetchHistoryTimer = su.params.clock.AfterFunc(delay, func() {
		// For testability, we shouldn't block in that callback, because it's
		// called synchronously by the time-mocking package (clock). So, here we
		// just announce that we're going to get the history, and then start
		// another goroutine which actually calls GetHistory() etc.

		su.params.gettingHistory()

		go func() {
			ctx, cancel := context.WithTimeout(su.ctx, getHistoryTimeout)
			defer cancel()

			bars, err := su.params.HistoryGetter.GetHistory(ctx)

			select {
			case su.getHistoryResultChan <- getHistoryResult{bars: bars, err: err}:
			case <-su.stopChan:
			}
		}()
	})
}

// callUpdateCBs should only be called from the eventLoop.
func (su *SeriesUpdater) callUpdateCBs(update Update) {
	for _, cb := range su.updateCBs {
		cb(update)
	}
}

// getStateUpdate should only be called from the eventLoop.
func (su *SeriesUpdater) getStateUpdate() *StateUpdate {
	ret := &StateUpdate{
		IsInSync:   su.isInSync,
		NumPending: len(su.pendingBars),
	}

	if su.series != nil {
		ret.NumBars = su.series.Len()
	}

	return ret
}

type internalEvent int

const (
	internalEventBarHandled internalEvent = iota
	internalEventResyncHandled
	internalEventGetHistoryResultHandled
)

func (su *SeriesUpdater) eventLoop() {
	for {
		select {
		case bar := <-su.barsChan:
			su.receiveBarInternal(bar)
			su.params.internalEvent(internalEventBarHandled)

		case <-su.resyncChan:
			su.resyncInternal()
			su.params.internalEvent(internalEventResyncHandled)

		case res := <-su.getHistoryResultChan:
			su.fetchHistoryTimer = nil

			if res.err != nil {
				// Got an error while receiving the history, so schedule it again
				// with a longer delay.
				su.fetchHistoryAttempt++

				// Let the client code know about that error
				su.callUpdateCBs(Update{
					GetHistoryError: errors.Trace(res.err),
				})

				su.getHistoryFromAPIAfterTimeout()

				su.params.internalEvent(internalEventGetHistoryResultHandled)
				break
			}

			su.fetchHistoryAttempt = 0

			// Update the series
			su.receiveHistoryInternal(res.bars)

			su.params.internalEvent(internalEventGetHistoryResultHandled)

		case cb := <-su.addUpdateCB:
			su.updateCBs = append(su.updateCBs, cb)

		case <-su.stopChan:
			return
		}
	}
}

// getHistoryDelayDefault calculates a delay before fetching the history:
// 5 seconds more after each subsequent attempt, but not more than 30 seconds,
// plus a random delay.
func getHistoryDelayDefault(firstSyncing bool, fetchHistoryAttempt int) time.Duration {
	delay := time.Duration(fetchHistoryAttempt) * 5 * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}

	// The first time, fetch almost right away; the stream has no history to
	// offer. Later, the current bar is being delivered by the stream anyway,
	// so there's no rush, and many series shouldn't hit the API all at once.
	if firstSyncing {
		delay += time.Duration(rand.Int31n(500)) * time.Millisecond
	} else {
		delay += time.Duration(rand.Int31n(5000)) * time.Millisecond
	}

	return delay
}
