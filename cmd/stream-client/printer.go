package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/y3sh/capital-sdk-go/client/websocket"
)

var (
	red    = color.RedString
	green  = color.GreenString
	yellow = color.YellowString
	blue   = color.BlueString
)

// printer writes stream data to the output, either as colored text or as a
// JSON object per line.
type printer struct {
	format string
	w      io.Writer

	// lastMid is used to color quotes by the direction of the change.
	lastMid map[string]decimal.Decimal
	mtx     sync.Mutex
}

func newPrinter(format string, w io.Writer) *printer {
	return &printer{
		format:  format,
		w:       w,
		lastMid: map[string]decimal.Decimal{},
	}
}

type jsonLine struct {
	Stream      string          `json:"stream"`
	Destination string          `json:"destination"`
	Epic        string          `json:"epic"`
	Payload     json.RawMessage `json:"payload"`
}

func (p *printer) callback(sub websocket.StreamSubscription) websocket.DataCB {
	stream := sub.String()

	return func(frame *websocket.DataFrame) {
		p.mtx.Lock()
		defer p.mtx.Unlock()

		if p.format == "json" {
			p.printJSON(stream, frame)
			return
		}

		p.printText(stream, frame)
	}
}

func (p *printer) printJSON(stream string, frame *websocket.DataFrame) {
	data, err := json.Marshal(jsonLine{
		Stream:      stream,
		Destination: frame.Destination,
		Epic:        frame.Epic,
		Payload:     frame.Payload,
	})
	if err != nil {
		fmt.Fprintln(p.w, red("Error: bad data received on %s: %s", stream, err))
		return
	}

	fmt.Fprintln(p.w, string(data))
}

func (p *printer) printText(stream string, frame *websocket.DataFrame) {
	switch frame.Kind() {
	case websocket.DataKindMarket:
		q, err := frame.Quote()
		if err != nil {
			fmt.Fprintln(p.w, red("Error: %s", err))
			return
		}

		mid := q.Mid()
		midStr := mid.StringFixed(5)

		if last, ok := p.lastMid[stream]; ok {
			switch mid.Cmp(last) {
			case 1:
				midStr = green(midStr)
			case -1:
				midStr = red(midStr)
			}
		}
		p.lastMid[stream] = mid

		fmt.Fprintf(p.w, "%s %-12s bid %s ofr %s mid %s spread %s\n",
			q.Time().Format("15:04:05.000"), q.Epic, q.Bid, q.Ofr, midStr, yellow(q.Spread().String()),
		)

	case websocket.DataKindOHLC:
		b, err := frame.OHLCBar()
		if err != nil {
			fmt.Fprintln(p.w, red("Error: %s", err))
			return
		}

		fmt.Fprintf(p.w, "%s %-12s %s o %s h %s l %s c %s\n",
			b.Time().Format("2006-01-02 15:04"), b.Epic, blue("%s/%s", b.Resolution, b.Type),
			b.Open, b.High, b.Low, b.Close,
		)

	default:
		fmt.Fprintf(p.w, "%s: %s\n", stream, frame.Payload)
	}
}
