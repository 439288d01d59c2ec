package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

// newEchoServer returns a websocket server which sends every received text
// message back, and the ws:// URL to connect to it.
func newEchoServer(t *testing.T) (*httptest.Server, string) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}

			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))

	return ts, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestConnSendReceive(t *testing.T) {
	assert := assert.New(t)

	ts, u := newEchoServer(t)
	defer ts.Close()

	rx := make(chan string, 16)
	c, err := Dial(context.Background(), &TransportParams{URL: u}, func(data []byte) {
		rx <- string(data)
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Fatal(err)
	}

	assert.Nil(c.Send(context.Background(), []byte(`{"destination":"ping"}`)))

	select {
	case msg := <-rx:
		assert.Equal(`{"destination":"ping"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}

	assert.Nil(c.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection is not closed")
	}

	// Closed by us, so it's a normal closure
	assert.True(websocket.IsCloseError(errors.Cause(c.Err()), websocket.CloseNormalClosure), "%v", c.Err())

	assert.Equal(ErrNotConnected, errors.Cause(c.Send(context.Background(), []byte("x"))))

	// Close is idempotent
	assert.Nil(c.Close())
}

func TestConnPongTimeout(t *testing.T) {
	// The server neither reads nor answers pings
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		time.Sleep(2 * time.Second)
	}))
	defer ts.Close()

	c, err := Dial(context.Background(), &TransportParams{
		URL:          "ws" + strings.TrimPrefix(ts.URL, "http"),
		PingInterval: 100 * time.Millisecond,
		PongTimeout:  100 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case <-c.Done():
		assert.NotNil(t, c.Err())
	case <-time.After(time.Second):
		t.Fatal("dead connection is not detected")
	}
}

func TestDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := Dial(context.Background(), &TransportParams{
		URL: "ws" + strings.TrimPrefix(ts.URL, "http"),
	}, nil)
	if assert.NotNil(t, err) {
		assert.Contains(t, err.Error(), "401")
	}
}
