package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testAPIKey     = "test-api-key"
	testIdentifier = "trader@example.com"
	testPassword   = "secret"
)

// testAPI is a fake Capital.com session API.
type testAPI struct {
	logins  int
	logouts int

	// sessionCST is the CST the server currently accepts
	sessionCST string

	// noTokens makes the login response lack the tokens
	noTokens bool

	requests []string
	mtx      sync.Mutex
}

func (api *testAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		api.mtx.Lock()
		defer api.mtx.Unlock()

		api.requests = append(api.requests, r.Method+" /session")

		if r.Header.Get("X-CAP-API-KEY") != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"errorCode":"error.invalid.api.key"}`))
			return
		}

		switch r.Method {
		case http.MethodPost:
			var req loginRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			if req.Identifier != testIdentifier || req.Password != testPassword || req.EncryptedPassword {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"errorCode":"error.invalid.details"}`))
				return
			}

			api.logins++
			api.sessionCST = "cst-" + string(rune('0'+api.logins))

			if !api.noTokens {
				w.Header().Set("CST", api.sessionCST)
				w.Header().Set("X-SECURITY-TOKEN", "xst-"+string(rune('0'+api.logins)))
			}
			w.Write([]byte(`{"accountType":"CFD","currentAccountId":"12345678","streamingHost":"wss://api-streaming-capital.backend-capital.com/"}`))

		case http.MethodGet:
			if r.Header.Get("CST") != api.sessionCST {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"errorCode":"error.invalid.session.token"}`))
				return
			}

			// Tokens might be rotated on any response
			w.Header().Set("X-SECURITY-TOKEN", "xst-rotated")
			w.Write([]byte(`{"clientId":"100","accountId":"12345678","timezoneOffset":3,"locale":"en","currency":"USD","streamEndpoint":"wss://api-streaming-capital.backend-capital.com/"}`))

		case http.MethodDelete:
			if r.Header.Get("CST") != api.sessionCST {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			api.logouts++
			api.sessionCST = ""
			w.Write([]byte(`{"status":"SUCCESS"}`))
		}
	})

	mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"OK"}`))
	})

	mux.HandleFunc("/api/v1/prices/", func(w http.ResponseWriter, r *http.Request) {
		api.mtx.Lock()
		defer api.mtx.Unlock()

		api.requests = append(api.requests, r.Method+" "+strings.TrimPrefix(r.URL.RequestURI(), "/api/v1"))

		if r.Header.Get("CST") != api.sessionCST {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"errorCode":"error.invalid.session.token"}`))
			return
		}

		if r.URL.Path != "/api/v1/prices/EURUSD" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errorCode":"error.not-found.epic"}`))
			return
		}

		w.Write([]byte(testPricesResponse))
	})

	return mux
}

func newTestSessionClient(t *testing.T, ts *httptest.Server) *SessionClient {
	c, err := NewSessionClient(&SessionClientParams{
		APIURL:     ts.URL + "/api/v1/",
		APIKey:     testAPIKey,
		Identifier: testIdentifier,
		Password:   testPassword,
		HTTPClient: ts.Client(),
		Logger:     zaptest.NewLogger(t),
	})
	require.Nil(t, err)

	return c
}

func TestLoginLogout(t *testing.T) {
	assert := assert.New(t)

	api := &testAPI{}
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()

	c := newTestSessionClient(t, ts)
	ctx := context.Background()

	_, ok := c.Tokens()
	assert.False(ok)

	if err := c.Login(ctx); err != nil {
		t.Log(errors.ErrorStack(err))
		t.Fatal(err)
	}

	tokens, ok := c.Tokens()
	assert.True(ok)
	assert.Equal("cst-1", tokens.CST)
	assert.Equal("xst-1", tokens.SecurityToken)
	assert.Equal("12345678", c.AccountID())

	details, err := c.SessionDetails(ctx)
	if assert.Nil(err) {
		assert.Equal("USD", details.Currency)
		assert.Equal("12345678", details.AccountID)
	}

	// Rotated token is picked up
	tokens, _ = c.Tokens()
	assert.Equal("xst-rotated", tokens.SecurityToken)

	assert.Nil(c.Logout(ctx))
	assert.Equal(1, api.logouts)

	_, ok = c.Tokens()
	assert.False(ok)
	assert.Equal("", c.AccountID())

	// Nothing to do on the server this time
	assert.Nil(c.Logout(ctx))
	assert.Equal(1, api.logouts)

	_, err = c.SessionDetails(ctx)
	assert.Equal(ErrNotLoggedIn, errors.Cause(err))
}

func TestLoginFailure(t *testing.T) {
	assert := assert.New(t)

	api := &testAPI{}
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()

	c, err := NewSessionClient(&SessionClientParams{
		APIURL:     ts.URL + "/api/v1",
		APIKey:     testAPIKey,
		Identifier: testIdentifier,
		Password:   "wrong",
		HTTPClient: ts.Client(),
	})
	require.Nil(t, err)

	err = c.Login(context.Background())
	assert.True(IsUnauthorized(err), "%v", err)

	if apiErr, ok := errors.Cause(err).(*APIError); assert.True(ok) {
		assert.Equal("error.invalid.details", apiErr.ErrorCode)
	}

	_, ok := c.Tokens()
	assert.False(ok)

	// Reauthenticate fails the same way
	assert.True(IsUnauthorized(c.Reauthenticate(context.Background())))
}

func TestLoginWithoutTokens(t *testing.T) {
	api := &testAPI{noTokens: true}
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()

	c := newTestSessionClient(t, ts)

	err := c.Login(context.Background())
	assert.Equal(t, ErrNoTokens, errors.Cause(err))
}

// TestSessionExpired checks that a request rejected with 401 results in a new
// login and a retry.
func TestSessionExpired(t *testing.T) {
	assert := assert.New(t)

	api := &testAPI{}
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()

	c := newTestSessionClient(t, ts)
	ctx := context.Background()

	require.Nil(t, c.Login(ctx))

	// The server forgets the session
	api.mtx.Lock()
	api.sessionCST = "expired"
	api.mtx.Unlock()

	// The request is rejected first, and retried after a new login
	details, err := c.SessionDetails(ctx)
	if assert.Nil(err) {
		assert.Equal("100", details.ClientID)
	}

	assert.Equal(2, api.logins)

	tokens, _ := c.Tokens()
	assert.Equal("cst-2", tokens.CST)

	assert.Equal([]string{
		"POST /session",
		"GET /session",
		"POST /session",
		"GET /session",
	}, api.requests)
}

func TestPing(t *testing.T) {
	api := &testAPI{}
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()

	c := newTestSessionClient(t, ts)

	// No session needed
	assert.Nil(t, c.Ping(context.Background()))
}

func TestNewSessionClient(t *testing.T) {
	_, err := NewSessionClient(nil)
	assert.True(t, errors.IsNotValid(err))

	c, err := NewSessionClient(&SessionClientParams{APIKey: testAPIKey})
	require.Nil(t, err)
	assert.Equal(t, DemoURL, c.params.APIURL)

	// Credentials are only needed to log in
	err = c.Login(context.Background())
	assert.True(t, errors.IsNotValid(err))
}
