package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/y3sh/capital-sdk-go/client/websocket"
)

func init() {
	color.NoColor = true
}

var testSubBTC = websocket.StreamSubscription{Epic: "BTCUSD", Kind: websocket.DataKindMarket}

func quoteFrame(bid, ofr string) *websocket.DataFrame {
	return &websocket.DataFrame{
		Destination: "quote",
		Epic:        "BTCUSD",
		Payload:     json.RawMessage(`{"epic":"BTCUSD","bid":` + bid + `,"ofr":` + ofr + `,"timestamp":1709251200000}`),
	}
}

func TestPrinterText(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	p := newPrinter("text", &buf)

	p.callback(testSubBTC)(quoteFrame("64000", "64010"))

	line := buf.String()
	assert.True(strings.HasPrefix(line, "00:00:00.000 BTCUSD"), line)
	assert.Contains(line, "bid 64000 ofr 64010 mid 64005.00000 spread 10")

	buf.Reset()
	p.callback(websocket.StreamSubscription{
		Epic:       "EURUSD",
		Kind:       websocket.DataKindOHLC,
		Resolution: websocket.ResolutionMinute,
	})(&websocket.DataFrame{
		Destination: "ohlc.event",
		Epic:        "EURUSD",
		Resolution:  websocket.ResolutionMinute,
		BarShape:    websocket.BarShapeClassic,
		Payload:     json.RawMessage(`{"epic":"EURUSD","resolution":"MINUTE","type":"classic","t":1709251200000,"o":1.08,"h":1.09,"l":1.07,"c":1.085}`),
	})
	assert.Equal("2024-03-01 00:00 EURUSD       MINUTE/classic o 1.08 h 1.09 l 1.07 c 1.085\n", buf.String())

	buf.Reset()
	p.callback(testSubBTC)(&websocket.DataFrame{
		Destination: "quote",
		Epic:        "BTCUSD",
		Payload:     json.RawMessage(`{"bid":"oops"}`),
	})
	assert.Contains(buf.String(), "Error:")
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter("json", &buf)

	p.callback(testSubBTC)(quoteFrame("64000", "64010"))

	assert.JSONEq(t, `{
		"stream": "market:BTCUSD",
		"destination": "quote",
		"epic": "BTCUSD",
		"payload": {"epic":"BTCUSD","bid":64000,"ofr":64010,"timestamp":1709251200000}
	}`, buf.String())
}
