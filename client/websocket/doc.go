// Copyright 2018 Cryptowatch. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license which can be found in the LICENSE file.

/*
Package websocket provides a client for the Capital.com streaming API. The
client keeps a set of desired subscriptions (quotes and OHLC bars) alive over a
single websocket connection: it connects on the first subscription,
reconnects with exponential backoff when the connection drops, re-sends every
subscription after each reconnection, and routes incoming data to the
callback of the matching subscription.

Capital.com Streaming API

View the full API documentation here: https://open-api.capital.com/#section/WebSocket-API

Connecting

The streaming endpoint is authenticated with the session tokens (CST and
X-SECURITY-TOKEN) obtained from the REST session endpoint. StreamClient doesn't
log in by itself; it asks a TokenProvider for the tokens before every
connection attempt, and asks it to re-authenticate if there are none.
rest.SessionClient is a TokenProvider.

StreamClientParams

	type StreamClientParams struct {
		// Required
		Tokens TokenProvider

		// Not required
		URL               string
		ReconnectOpts     *ReconnectOpts
		KeepAliveInterval time.Duration
		Logger            *zap.Logger
		Metrics           *Metrics
	}

URL is the streaming endpoint; you will not need to supply it unless testing
against a non-production environment.

ReconnectOpts determine how the client reconnects. By default, it waits 5
seconds before the first reconnection attempt, doubling the delay on each
failure up to 60 seconds, and gives up after 10 consecutive failures. The
counter is reset on every successful connection. Once the client gave up, the
next Subscribe starts over.

Basic Usage

	client, err := websocket.NewStreamClient(&websocket.StreamClientParams{
		Tokens: session, // e.g. *rest.SessionClient after Login
		Logger: logger,
	})
	if err != nil {
		log.Fatal(err)
	}

	err = client.Subscribe(websocket.StreamSubscription{
		Epic: "EURUSD",
		Kind: websocket.DataKindMarket,
	}, func(f *websocket.DataFrame) {
		q, err := f.Quote()
		if err != nil {
			return
		}
		// Handle the quote
	})

	err = client.Subscribe(websocket.StreamSubscription{
		Epic:       "EURUSD",
		Kind:       websocket.DataKindOHLC,
		Resolution: websocket.ResolutionMinute5,
		BarShape:   websocket.BarShapeClassic,
	}, func(f *websocket.DataFrame) {
		bar, err := f.OHLCBar()
		// ...
	})

	// Later
	client.StopAll()

Callbacks are called from the connection's reading goroutine: they should
return quickly and must not call Unsubscribe or StopAll synchronously.

Errors and Connection States

Subscribe and Unsubscribe only return validation errors; network failures are
logged, and recovered from by the reconnection logic. The connection is fatally
stopped (no more attempts) when the server reports an authentication failure,
when tokens can't be obtained, or when reconnect attempts are exhausted; Err
returns the reason in that case.

State changes (disconnected, connecting, connected, stopping) can be observed
with OnStateChange:

	client.OnStateChange(
		websocket.ConnStateAny,
		func(oldState, state websocket.ConnState) {
			log.Printf("State updated: %s -> %s", oldState, state)
		},
	)
*/
package websocket
