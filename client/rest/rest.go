/*
Package rest provides a client for the Capital.com REST session API: it logs
in, keeps the session tokens (CST and X-SECURITY-TOKEN) up to date, and hands
them to the streaming client.
*/
package rest // import "github.com/y3sh/capital-sdk-go/client/rest"

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/common"
	"go.uber.org/zap"
)

const (
	DemoURL = "https://demo-api-capital.backend-capital.com/api/v1"
	LiveURL = "https://api-capital.backend-capital.com/api/v1"

	// DefaultRESTURL is used if SessionClientParams.APIURL is empty.
	DefaultRESTURL = DemoURL

	defaultHTTPTimeout = 30 * time.Second

	headerAPIKey        = "X-CAP-API-KEY"
	headerCST           = "CST"
	headerSecurityToken = "X-SECURITY-TOKEN"

	// maxErrorBody limits how much of an error response is kept in APIError.
	maxErrorBody = 500
)

var (
	// ErrNotLoggedIn is returned by authenticated requests made without
	// session tokens.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrNoTokens means the server accepted the login but didn't send the
	// session tokens.
	ErrNoTokens = errors.New("session tokens missing in login response")
)

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	// ErrorCode is the "errorCode" from the response body, if any.
	ErrorCode string
	Body      string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("api error: http %d: %s", e.StatusCode, e.ErrorCode)
	}

	return fmt.Sprintf("api error: http %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized returns whether err is an APIError with status 401.
func IsUnauthorized(err error) bool {
	apiErr, ok := errors.Cause(err).(*APIError)
	return ok && apiErr.StatusCode == http.StatusUnauthorized
}

// SessionClientParams contains options for SessionClient.
type SessionClientParams struct {
	// APIURL is the API URL to use. If empty, DefaultRESTURL is used.
	APIURL string

	// APIKey, Identifier and Password are the credentials; all are required
	// to log in.
	APIKey     string
	Identifier string
	Password   string

	// HTTPClient, if nil, a client with a 30 second timeout is used.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// SessionClient manages a Capital.com trading session. It implements
// websocket.TokenProvider.
type SessionClient struct {
	params SessionClientParams

	tokens    common.SessionTokens
	accountID string
	mtx       sync.Mutex

	// loginMtx makes sure that concurrent re-authentications result in a
	// single login at a time.
	loginMtx sync.Mutex
}

type loginRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	EncryptedPassword bool   `json:"encryptedPassword"`
}

type loginResponse struct {
	AccountType      string `json:"accountType"`
	CurrentAccountID string `json:"currentAccountId"`
	StreamingHost    string `json:"streamingHost"`
}

type errorResponse struct {
	ErrorCode string `json:"errorCode"`
}

type pingResponse struct {
	Status string `json:"status"`
}

// SessionDetails describes the current session, as returned by GET /session.
type SessionDetails struct {
	ClientID       string `json:"clientId"`
	AccountID      string `json:"accountId"`
	TimezoneOffset int    `json:"timezoneOffset"`
	Locale         string `json:"locale"`
	Currency       string `json:"currency"`
	StreamEndpoint string `json:"streamEndpoint"`
}

// NewSessionClient creates a REST client for the given account. Only the API
// key is required here; the identifier and password are checked by Login.
// No request is made until Login is called.
func NewSessionClient(params *SessionClientParams) (*SessionClient, error) {
	if params == nil {
		params = &SessionClientParams{}
	}

	c := &SessionClient{
		params: *params,
	}

	if c.params.APIKey == "" {
		return nil, errors.NotValidf("empty API key")
	}

	if c.params.APIURL == "" {
		c.params.APIURL = DefaultRESTURL
	}
	c.params.APIURL = strings.TrimSuffix(c.params.APIURL, "/")

	if c.params.HTTPClient == nil {
		c.params.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	if c.params.Logger == nil {
		c.params.Logger = zap.NewNop()
	}

	return c, nil
}

// Login creates a new session, replacing the current tokens.
func (c *SessionClient) Login(ctx context.Context) error {
	c.loginMtx.Lock()
	defer c.loginMtx.Unlock()

	return errors.Trace(c.login(ctx))
}

func (c *SessionClient) login(ctx context.Context) error {
	if c.params.Identifier == "" || c.params.Password == "" {
		return errors.NotValidf("empty identifier or password")
	}

	c.params.Logger.Info("logging in", zap.String("url", c.params.APIURL))

	// Tokens of the previous session must not survive a login without tokens
	c.clear()

	var res loginResponse
	err := c.do(ctx, http.MethodPost, "session", &loginRequest{
		Identifier:        c.params.Identifier,
		Password:          c.params.Password,
		EncryptedPassword: false,
	}, false, &res)
	if err != nil {
		c.clear()
		c.params.Logger.Error("login failed", zap.Error(err))
		return errors.Annotatef(err, "login")
	}

	if _, ok := c.Tokens(); !ok {
		c.clear()
		return errors.Trace(ErrNoTokens)
	}

	c.mtx.Lock()
	c.accountID = res.CurrentAccountID
	c.mtx.Unlock()

	if res.CurrentAccountID == "" {
		c.params.Logger.Warn("logged in, but the response has no current account id")
	} else {
		c.params.Logger.Info("logged in", zap.String("account_id", res.CurrentAccountID))
	}

	return nil
}

// Logout closes the session on the server. Local tokens are cleared even if
// the request fails.
func (c *SessionClient) Logout(ctx context.Context) error {
	if _, ok := c.Tokens(); !ok {
		c.params.Logger.Info("not logged in, no server logout needed")
		c.clear()
		return nil
	}

	err := c.doAuth(ctx, http.MethodDelete, "session", nil, nil, false)
	c.clear()

	if err != nil {
		c.params.Logger.Error("logout request failed, local session cleared anyway", zap.Error(err))
		return errors.Annotatef(err, "logout")
	}

	c.params.Logger.Info("logged out")

	return nil
}

// Ping checks connectivity with the API. It doesn't keep the session alive.
func (c *SessionClient) Ping(ctx context.Context) error {
	var res pingResponse
	if err := c.do(ctx, http.MethodGet, "ping", nil, false, &res); err != nil {
		return errors.Annotatef(err, "ping")
	}

	c.params.Logger.Debug("ping", zap.String("status", res.Status))

	return nil
}

// SessionDetails returns details of the current session. If the session has
// expired, it logs in again and retries.
func (c *SessionClient) SessionDetails(ctx context.Context) (*SessionDetails, error) {
	var res SessionDetails
	if err := c.doAuth(ctx, http.MethodGet, "session", nil, &res, true); err != nil {
		return nil, errors.Annotatef(err, "session details")
	}

	return &res, nil
}

// Tokens returns current session tokens; ok is false if not logged in.
func (c *SessionClient) Tokens() (common.SessionTokens, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.tokens, c.tokens.Valid()
}

// Reauthenticate drops the current tokens and logs in again.
func (c *SessionClient) Reauthenticate(ctx context.Context) error {
	c.loginMtx.Lock()
	defer c.loginMtx.Unlock()

	c.params.Logger.Warn("re-authenticating")

	return errors.Trace(c.login(ctx))
}

// AccountID returns the current account id, as reported by the last login.
func (c *SessionClient) AccountID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.accountID
}

func (c *SessionClient) clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.tokens = common.SessionTokens{}
	c.accountID = ""
}

// updateTokens takes whichever tokens are present in the response headers.
func (c *SessionClient) updateTokens(h http.Header) {
	cst, xst := h.Get(headerCST), h.Get(headerSecurityToken)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if cst != "" && cst != c.tokens.CST {
		c.tokens.CST = cst
		c.params.Logger.Debug("CST updated")
	}

	if xst != "" && xst != c.tokens.SecurityToken {
		c.tokens.SecurityToken = xst
		c.params.Logger.Debug("security token updated")
	}
}

// doAuth performs an authenticated request. If the server responds with 401
// and retry is true, it logs in again and retries once.
func (c *SessionClient) doAuth(ctx context.Context, method, path string, body, out interface{}, retry bool) error {
	err := c.do(ctx, method, path, body, true, out)
	if !retry || !IsUnauthorized(err) {
		return errors.Trace(err)
	}

	c.params.Logger.Warn("unauthorized, the session might have expired; logging in again", zap.String("path", path))

	if err := c.Reauthenticate(ctx); err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(c.do(ctx, method, path, body, true, out))
}

func (c *SessionClient) do(ctx context.Context, method, path string, body interface{}, auth bool, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Trace(err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("%s/%s", c.params.APIURL, path), reqBody)
	if err != nil {
		return errors.Trace(err)
	}
	req = req.WithContext(ctx)

	req.Header.Set(headerAPIKey, c.params.APIKey)
	req.Header.Set("Content-Type", "application/json")

	if auth {
		tokens, ok := c.Tokens()
		if !ok {
			return errors.Trace(ErrNotLoggedIn)
		}
		req.Header.Set(headerCST, tokens.CST)
		req.Header.Set(headerSecurityToken, tokens.SecurityToken)
	}

	resp, err := c.params.HTTPClient.Do(req)
	if err != nil {
		return errors.Annotatef(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	c.updateTokens(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}

		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.ErrorCode = er.ErrorCode
		}

		return errors.Trace(apiErr)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return errors.Annotatef(err, "decoding %s %s response", method, path)
	}

	return nil
}
