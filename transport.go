package stackmob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// requestSpec describes one API request. The transport turns it into a
// signed HTTP request, follows cluster redirects, and retries per the
// configured strategy.
type requestSpec struct {
	method string
	path   string
	query  url.Values
	// headers are request-specific headers (ranges, ordering, expand)
	// layered over the standard ones.
	headers http.Header
	// body is JSON-marshaled when non-nil.
	body interface{}
	// form is a form-encoded body for the token endpoints. Mutually
	// exclusive with body.
	form url.Values
	// unauthenticated skips MAC signing under OAuth2. The token
	// endpoints authenticate by API key and credentials, not by token.
	unauthenticated bool
	// skipRefresh suppresses the proactive and reactive token refresh,
	// breaking the recursion for the refresh request itself.
	skipRefresh bool
}

// responseMeta carries response metadata the caller may need beyond the
// decoded body, such as the Content-Range header on range queries.
type responseMeta struct {
	statusCode int
	header     http.Header
}

// contentRange parses the Content-Range header, nil when absent.
func (m *responseMeta) contentRange() (*RangeInfo, error) {
	if m == nil {
		return nil, nil
	}
	return parseContentRange(m.header.Get("Content-Range"))
}

// httpTransport handles HTTP communication with the API. It signs each
// request per the configured auth scheme, keeps the user session fresh,
// and layers retry, circuit breaking, hedging, and observability around
// every call.
type httpTransport struct {
	// client is the underlying HTTP client. Redirects are not followed
	// automatically; each hop must be re-signed first.
	client *http.Client
	// config holds the client configuration
	config *Config
	// baseURL is the parsed base URL for the API
	baseURL *url.URL
	// oauth1 signs every request when the scheme is AuthOAuth1
	oauth1 *oauth1Signer
	// sessions guards the stored user session
	sessions *sessionManager
	// circuitBreaker provides fault tolerance
	circuitBreaker CircuitBreaker
	// perEndpointCircuitBreaker provides per-endpoint circuit breaking
	perEndpointCircuitBreaker *perEndpointCircuitBreaker
	// retryExecutor handles retry logic
	retryExecutor *retryExecutor
	// hedgedExecutor races duplicate GETs when configured
	hedgedExecutor *hedgedExecutor
	// observer for monitoring operations
	observer Observer

	// overridable for deterministic tests
	requestID func() string
	now       func() time.Time
}

// newHTTPTransport creates a transport from a validated config.
func newHTTPTransport(config *Config) (*httpTransport, error) {
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URL: %v", ErrInvalidConfig, err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base URL must have a scheme and host", ErrInvalidConfig)
	}

	transport := &http.Transport{
		MaxIdleConns:        config.TransportConfig.MaxIdleConns,
		MaxConnsPerHost:     config.TransportConfig.MaxConnsPerHost,
		IdleConnTimeout:     config.TransportConfig.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		// The cluster redirects across app nodes and each hop needs a
		// fresh signature, so redirects are followed manually.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var circuitBreaker CircuitBreaker
	var perEndpointCB *perEndpointCircuitBreaker
	if config.CircuitBreakerConfig != nil {
		if config.EnablePerEndpointCircuitBreaker {
			perEndpointCB = NewPerEndpointCircuitBreaker(*config.CircuitBreakerConfig, config.Observer)
			circuitBreaker = NewNoopCircuitBreaker()
		} else {
			cb := NewCircuitBreaker(*config.CircuitBreakerConfig)
			circuitBreaker = newObservedCircuitBreaker(cb, "global", config.Observer)
		}
	} else {
		circuitBreaker = NewNoopCircuitBreaker()
	}

	retryStrategy := config.RetryStrategy
	if retryStrategy == nil {
		retryStrategy = &ExponentialBackoffStrategy{
			InitialInterval: config.RetryConfig.InitialInterval,
			MaxInterval:     config.RetryConfig.MaxInterval,
			Multiplier:      config.RetryConfig.Multiplier,
			Jitter:          0.3,
			Budget: RetryBudget{
				MaxAttempts: config.RetryConfig.MaxRetries + 1, // +1 for initial attempt
			},
		}
	}

	var hedged *hedgedExecutor
	if config.HedgedRequestConfig != nil {
		hedged = newHedgedExecutor(*config.HedgedRequestConfig)
	}

	t := &httpTransport{
		client:                    client,
		config:                    config,
		baseURL:                   baseURL,
		sessions:                  newSessionManager(config.TokenStore, config.RefreshSkew),
		circuitBreaker:            circuitBreaker,
		perEndpointCircuitBreaker: perEndpointCB,
		retryExecutor:             newRetryExecutor(retryStrategy, config.Observer),
		hedgedExecutor:            hedged,
		observer:                  config.Observer,
		requestID:                 uuid.NewString,
		now:                       time.Now,
	}
	if config.AuthScheme == AuthOAuth1 {
		t.oauth1 = newOAuth1Signer(config.PublicKey, config.PrivateKey)
	}
	return t, nil
}

// signer picks the signer for the current request: OAuth1 always signs
// with the key pair; OAuth2 signs with the session MAC token when one
// exists and the request wants authentication.
func (t *httpTransport) signer(spec *requestSpec) requestSigner {
	if t.oauth1 != nil {
		return t.oauth1
	}
	if spec.unauthenticated {
		return anonymousSigner{}
	}
	if sess := t.sessions.current(); sess != nil && sess.AccessToken != "" && sess.MACKey != "" {
		return newMACSigner(sess.AccessToken, sess.MACKey)
	}
	return anonymousSigner{}
}

// do executes a request with the full pipeline: proactive token
// refresh, circuit breaking, retries, optional hedging for GETs, and a
// single reactive refresh-and-retry when the server rejects the token.
func (t *httpTransport) do(ctx context.Context, spec *requestSpec, result interface{}) (*responseMeta, error) {
	ctx = t.observer.OnRequestStart(ctx, spec.method, spec.path)
	start := t.now()

	if !spec.skipRefresh && t.sessions.needsRefresh() {
		// Best effort: a failed proactive refresh surfaces as a 401 on
		// the request itself, which the reactive path handles.
		_ = t.refreshSession(ctx, "")
	}

	meta, err := t.execute(ctx, spec, result)

	if err != nil && !spec.skipRefresh && t.oauth1 == nil && isInvalidToken(err) {
		// The rejected token is passed along so the refresh runs even
		// when the client-side expiry has not passed (server-revoked
		// tokens and sessions without expires_in still read as valid).
		if sess := t.sessions.current(); sess != nil && sess.CanRefresh() {
			if refreshErr := t.refreshSession(ctx, sess.AccessToken); refreshErr == nil {
				meta, err = t.execute(ctx, spec, result)
			}
		}
	}

	status := 0
	if meta != nil {
		status = meta.statusCode
	}
	t.observer.OnRequestEnd(ctx, spec.method, spec.path, status, time.Since(start), err)

	return meta, err
}

// execute wraps a single request pass in the circuit breaker, retry,
// and hedging layers.
func (t *httpTransport) execute(ctx context.Context, spec *requestSpec, result interface{}) (*responseMeta, error) {
	var mu sync.Mutex
	var meta *responseMeta

	perform := func() error {
		m, err := t.roundTrip(ctx, spec, result)
		if m != nil {
			mu.Lock()
			meta = m
			mu.Unlock()
		}
		return err
	}

	// Hedging duplicates requests, so only idempotent reads qualify.
	// Each attempt decodes into its own buffer; only the winning
	// attempt's bytes and response metadata reach the caller. An
	// abandoned loser may still be in flight when the winner returns
	// and must not overwrite either.
	if t.hedgedExecutor != nil && spec.method == http.MethodGet {
		perform = func() error {
			var winnerMu sync.Mutex
			var winner json.RawMessage
			var winnerMeta *responseMeta
			var won bool
			err := t.hedgedExecutor.Execute(ctx, func() error {
				var raw json.RawMessage
				m, err := t.roundTrip(ctx, spec, &raw)
				if err != nil {
					return err
				}
				winnerMu.Lock()
				if !won {
					won = true
					winner = raw
					winnerMeta = m
				}
				winnerMu.Unlock()
				return nil
			})
			if err != nil {
				return err
			}
			winnerMu.Lock()
			raw, m := winner, winnerMeta
			winnerMu.Unlock()
			if m != nil {
				mu.Lock()
				meta = m
				mu.Unlock()
			}
			if result != nil && len(raw) > 0 {
				return deserialize(raw, result)
			}
			return nil
		}
	}

	executeFn := func() error {
		return t.retryExecutor.Execute(ctx, spec.method, spec.path, perform)
	}

	var err error
	if t.perEndpointCircuitBreaker != nil {
		err = t.perEndpointCircuitBreaker.Execute(spec.method+" "+spec.path, executeFn)
	} else {
		err = t.circuitBreaker.Execute(executeFn)
	}

	mu.Lock()
	m := meta
	mu.Unlock()
	return m, err
}

// roundTrip performs one HTTP request, following cluster redirects with
// a fresh signature per hop.
func (t *httpTransport) roundTrip(ctx context.Context, spec *requestSpec, result interface{}) (*responseMeta, error) {
	bodyBytes, contentType, err := t.encodeBody(spec)
	if err != nil {
		return nil, err
	}

	// spec.path is already percent-encoded by buildPath; parsing it
	// keeps the encoding on the wire (Path alone would be re-escaped).
	ref, err := url.Parse(spec.path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", spec.path, err)
	}
	target := t.baseURL.ResolveReference(ref)
	if len(spec.query) > 0 {
		target.RawQuery = spec.query.Encode()
	}

	for hop := 0; ; hop++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, spec.method, target.String(), bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		t.setHeaders(req, spec, contentType)

		if err := t.signer(spec).sign(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				timeoutErr := &TimeoutError{Op: spec.method + " " + spec.path}
				return nil, timeoutErr.ToError()
			}
			netErr := &NetworkError{Op: spec.method + " " + spec.path, Err: err}
			return nil, netErr.ToError()
		}

		if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if location == "" {
				return nil, fmt.Errorf("%w: redirect without Location", ErrInvalidResponse)
			}
			if hop+1 > t.config.MaxRedirects {
				return nil, fmt.Errorf("%w: stopped after %d redirects", ErrTooManyRedirects, t.config.MaxRedirects)
			}

			next, err := target.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed Location %q", ErrInvalidResponse, location)
			}
			t.observer.OnRedirect(spec.method, next.String(), hop+1)
			target = next
			continue
		}

		return t.handleResponse(resp, spec, target, result)
	}
}

// encodeBody renders the request body and its content type.
func (t *httpTransport) encodeBody(spec *requestSpec) ([]byte, string, error) {
	if spec.form != nil {
		return []byte(spec.form.Encode()), "application/x-www-form-urlencoded", nil
	}
	if spec.body != nil {
		raw, err := serialize(spec.body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request body: %w", err)
		}
		return raw, "application/json", nil
	}
	return nil, "", nil
}

// setHeaders applies the standard platform headers, then config-level
// custom headers, then request-specific ones.
func (t *httpTransport) setHeaders(req *http.Request, spec *requestSpec, contentType string) {
	req.Header.Set("Accept", t.config.acceptHeader())
	req.Header.Set("X-StackMob-User-Agent", t.config.userAgent())
	req.Header.Set("X-Request-ID", t.requestID())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if t.oauth1 == nil {
		req.Header.Set("X-StackMob-API-Key", t.config.PublicKey)
	}

	for key, value := range t.config.Headers {
		req.Header.Set(key, value)
	}
	for key, values := range spec.headers {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

// handleResponse reads the body and decodes success or error.
func (t *httpTransport) handleResponse(resp *http.Response, spec *requestSpec, target *url.URL, result interface{}) (*responseMeta, error) {
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		netErr := &NetworkError{Op: "reading response", Err: err}
		return nil, netErr.ToError()
	}

	meta := &responseMeta{statusCode: resp.StatusCode, header: resp.Header}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if result != nil && len(respBody) > 0 {
			if err := deserialize(respBody, result); err != nil {
				return meta, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
			}
		}
		return meta, nil
	}

	apiErr := parseAPIError(resp.StatusCode, respBody)
	if typed, ok := apiErr.(*APIError); ok {
		enhanced := typed.ToError()
		enhanced.WithContext(&ErrorContext{
			URL:    target.String(),
			Method: spec.method,
		})
		if reqID := resp.Header.Get("X-Request-ID"); reqID != "" {
			enhanced.RequestID = reqID
		}
		return meta, enhanced
	}
	return meta, apiErr
}

// refreshSession exchanges the refresh token for a new MAC token. Only
// one refresh runs at a time; losers of the race reuse the winner's
// session. staleToken, when non-empty, is a token the server rejected
// and forces the refresh past the client-side expiry check.
func (t *httpTransport) refreshSession(ctx context.Context, staleToken string) error {
	fresh, err := t.sessions.refresh(staleToken, func(refreshToken string) (*Session, error) {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)

		var resp loginResponse
		_, err := t.do(ctx, &requestSpec{
			method:          http.MethodPost,
			path:            "/user/refreshToken",
			query:           url.Values{"token_type": {"mac"}},
			form:            form,
			unauthenticated: true,
			skipRefresh:     true,
		}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.AccessToken == "" || resp.MACKey == "" {
			return nil, fmt.Errorf("%w: token response missing access_token or mac_key", ErrInvalidResponse)
		}
		return sessionFromLogin(&resp, t.now()), nil
	})

	username := ""
	if fresh != nil {
		username = fresh.Username
	}
	t.observer.OnSessionRefresh(username, err)
	return err
}

// get performs a GET request
func (t *httpTransport) get(ctx context.Context, path string, result interface{}) (*responseMeta, error) {
	return t.do(ctx, &requestSpec{method: http.MethodGet, path: path}, result)
}

// post performs a POST request with a JSON body
func (t *httpTransport) post(ctx context.Context, path string, body, result interface{}) (*responseMeta, error) {
	return t.do(ctx, &requestSpec{method: http.MethodPost, path: path, body: body}, result)
}

// put performs a PUT request with a JSON body
func (t *httpTransport) put(ctx context.Context, path string, body, result interface{}) (*responseMeta, error) {
	return t.do(ctx, &requestSpec{method: http.MethodPut, path: path, body: body}, result)
}

// del performs a DELETE request
func (t *httpTransport) del(ctx context.Context, path string) (*responseMeta, error) {
	return t.do(ctx, &requestSpec{method: http.MethodDelete, path: path}, nil)
}

// close releases idle connections.
func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}

// buildPath builds a URL path with proper escaping for path segments.
// Placeholders {0}, {1}, ... are replaced with the escaped arguments.
// QueryEscape is used so '=', '&' and friends are encoded too, then '+'
// is rewritten to %20 since '+' only means space in query strings.
//
//	buildPath("/{0}/{1}", "books", "id with/slash")
//	// "/books/id%20with%2Fslash"
func buildPath(pattern string, args ...string) string {
	path := pattern
	for i, arg := range args {
		placeholder := fmt.Sprintf("{%d}", i)
		escaped := url.QueryEscape(arg)
		escaped = strings.Replace(escaped, "+", "%20", -1)
		path = strings.Replace(path, placeholder, escaped, 1)
	}
	return path
}
