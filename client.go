package stackmob

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is the core API surface: user sessions plus schema CRUD and
// queries. All methods are safe for concurrent use.
//
//	client, err := stackmob.NewClient(
//	    stackmob.DefaultConfig().WithKeys("pub", ""))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var book map[string]interface{}
//	err = client.Get(ctx, "books", "4f3c...", &book)
//	if stackmob.IsNotFound(err) {
//	    // no such object
//	}
type Client interface {
	// Login establishes a user session with username and password.
	// The issued MAC token signs subsequent requests and is persisted
	// in the configured TokenStore. Only meaningful under OAuth2.
	Login(ctx context.Context, username, password string) (*Session, error)

	// Logout invalidates the session server-side and drops the stored
	// token. Returns ErrNotLoggedIn when no session exists.
	Logout(ctx context.Context) error

	// CurrentSession returns the stored session, or nil when logged
	// out. The returned value is a snapshot; mutating it has no effect.
	CurrentSession() *Session

	// Create inserts value into schema. The created object, including
	// its generated primary key and timestamps, is decoded into dest
	// when dest is non-nil.
	Create(ctx context.Context, schema string, value, dest interface{}) error

	// Get fetches the object with the given primary key into dest.
	// Returns an error satisfying IsNotFound when it does not exist.
	Get(ctx context.Context, schema, id string, dest interface{}) error

	// Query runs query against schema, decoding the matching objects
	// into dest (a pointer to a slice). The returned RangeInfo is
	// non-nil when the server reported Content-Range for a ranged
	// query.
	Query(ctx context.Context, schema string, query *Query, dest interface{}) (*RangeInfo, error)

	// Update partially updates the object: only the attributes present
	// in value change. The updated object is decoded into dest when
	// dest is non-nil.
	Update(ctx context.Context, schema, id string, value, dest interface{}) error

	// Delete removes the object with the given primary key.
	Delete(ctx context.Context, schema, id string) error

	// Close releases the client's resources. The client must not be
	// used afterwards. Safe to call multiple times.
	Close() error
}

// GetOptions modifies a single-object fetch.
type GetOptions struct {
	// Expand inlines related objects up to this depth (1 to 3).
	Expand int

	// Select restricts the returned fields.
	Select []string
}

// ExtendedClient adds the less common platform operations: counts,
// atomic counters, relation management, and circuit breaker
// introspection.
//
//	ext, _ := stackmob.NewExtendedClient(config)
//	total, err := ext.Count(ctx, "books", stackmob.NewQuery().EqualTo("genre", "scifi"))
type ExtendedClient interface {
	Client

	// GetWithOptions fetches an object with relation expansion or field
	// selection.
	GetWithOptions(ctx context.Context, schema, id string, dest interface{}, opts *GetOptions) error

	// Count returns the number of objects matching query without
	// transferring them. Pass nil to count the whole schema.
	Count(ctx context.Context, schema string, query *Query) (int64, error)

	// Increment atomically adds delta to a numeric field server-side,
	// immune to read-modify-write races. The updated object is decoded
	// into dest when dest is non-nil.
	Increment(ctx context.Context, schema, id, field string, delta int, dest interface{}) error

	// AddRelated appends objects or ids to a relation field. New child
	// objects are created in one round trip; the response, decoded into
	// dest when non-nil, carries the generated child ids.
	AddRelated(ctx context.Context, schema, id, relation string, related interface{}, dest interface{}) error

	// RemoveRelated removes the given ids from a relation field. With
	// cascade, the referenced child objects are deleted too.
	RemoveRelated(ctx context.Context, schema, id, relation string, ids []string, cascade bool) error

	// CircuitState reports the breaker state for an endpoint, or the
	// global breaker's state when per-endpoint breaking is off.
	CircuitState(endpoint string) CircuitState
}

// client is the concrete implementation of ExtendedClient
type client struct {
	transport *httpTransport
	config    *Config
	mu        sync.RWMutex
	closed    bool
}

// NewClient creates a client with the provided configuration. A nil
// config uses DefaultConfig, which still needs keys and will fail
// validation without them.
//
//	config := stackmob.DefaultConfig().
//	    WithKeys("my-public-key", "").
//	    WithAPIVersion(1).
//	    WithTimeout(10 * time.Second)
//	client, err := stackmob.NewClient(config)
func NewClient(config *Config) (Client, error) {
	return newClient(config)
}

// NewExtendedClient creates a client exposing the extended operations.
func NewExtendedClient(config *Config) (ExtendedClient, error) {
	return newClient(config)
}

func newClient(config *Config) (*client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	transport, err := newHTTPTransport(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &client{
		transport: transport,
		config:    config,
	}, nil
}

// Login establishes a user session
func (c *client) Login(ctx context.Context, username, password string) (*Session, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password required", ErrInvalidConfig)
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var resp loginResponse
	_, err := c.transport.do(ctx, &requestSpec{
		method:          http.MethodPost,
		path:            "/user/accessToken",
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

	sess := sessionFromLogin(&resp, time.Now())
	if sess.Username == "" {
		sess.Username = username
	}
	if err := c.transport.sessions.install(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Logout invalidates the session and drops the stored token
func (c *client) Logout(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if c.transport.sessions.current() == nil {
		return ErrNotLoggedIn
	}

	// The stored token is dropped even when the server call fails; a
	// dead session is worse than an orphaned server-side token.
	_, err := c.transport.get(ctx, "/user/logout", nil)
	if clearErr := c.transport.sessions.clear(); clearErr != nil && err == nil {
		err = clearErr
	}
	return err
}

// CurrentSession returns the stored session, or nil
func (c *client) CurrentSession() *Session {
	sess := c.transport.sessions.current()
	if sess == nil {
		return nil
	}
	snapshot := *sess
	return &snapshot
}

// Create inserts a new object into the schema
func (c *client) Create(ctx context.Context, schema string, value, dest interface{}) error {
	if err := c.checkSchema(schema); err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	_, err := c.transport.post(ctx, buildPath("/{0}", schema), value, dest)
	return err
}

// Get fetches an object by primary key
func (c *client) Get(ctx context.Context, schema, id string, dest interface{}) error {
	return c.GetWithOptions(ctx, schema, id, dest, nil)
}

// GetWithOptions fetches an object with expansion or field selection
func (c *client) GetWithOptions(ctx context.Context, schema, id string, dest interface{}, opts *GetOptions) error {
	if err := c.checkSchema(schema); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if dest == nil {
		return fmt.Errorf("destination cannot be nil")
	}

	spec := &requestSpec{
		method: http.MethodGet,
		path:   buildPath("/{0}/{1}", schema, id),
	}
	if opts != nil {
		spec.headers = make(http.Header)
		if opts.Expand > 0 {
			if opts.Expand > 3 {
				return fmt.Errorf("expand depth %d out of range [1, 3]", opts.Expand)
			}
			spec.headers.Set("X-StackMob-Expand", fmt.Sprintf("%d", opts.Expand))
		}
		if len(opts.Select) > 0 {
			spec.headers.Set("X-StackMob-Select", strings.Join(opts.Select, ","))
		}
	}

	_, err := c.transport.do(ctx, spec, dest)
	return err
}

// Query runs a filtered read against the schema
func (c *client) Query(ctx context.Context, schema string, query *Query, dest interface{}) (*RangeInfo, error) {
	if err := c.checkSchema(schema); err != nil {
		return nil, err
	}
	if dest == nil {
		return nil, fmt.Errorf("destination cannot be nil")
	}
	if query == nil {
		query = NewQuery()
	}

	params, headers, err := query.encode()
	if err != nil {
		return nil, err
	}

	meta, err := c.transport.do(ctx, &requestSpec{
		method:  http.MethodGet,
		path:    buildPath("/{0}", schema),
		query:   params,
		headers: headers,
	}, dest)
	if err != nil {
		return nil, err
	}
	return meta.contentRange()
}

// Count returns the matching object count via a zero-width range
func (c *client) Count(ctx context.Context, schema string, query *Query) (int64, error) {
	if err := c.checkSchema(schema); err != nil {
		return 0, err
	}
	if query == nil {
		query = NewQuery()
	}

	params, headers, err := query.encode()
	if err != nil {
		return 0, err
	}
	if headers == nil {
		headers = make(http.Header)
	}
	// A zero-width range makes the server report the total in
	// Content-Range without shipping the objects.
	headers.Set("Range", "objects=0-0")

	var discard []map[string]interface{}
	meta, err := c.transport.do(ctx, &requestSpec{
		method:  http.MethodGet,
		path:    buildPath("/{0}", schema),
		query:   params,
		headers: headers,
	}, &discard)
	if err != nil {
		// An empty result set can come back 404-shaped on some
		// schemas; that still means zero.
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	rng, err := meta.contentRange()
	if err != nil {
		return 0, err
	}
	if rng == nil || rng.Total < 0 {
		return int64(len(discard)), nil
	}
	return rng.Total, nil
}

// Update partially updates an object
func (c *client) Update(ctx context.Context, schema, id string, value, dest interface{}) error {
	if err := c.checkSchema(schema); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	_, err := c.transport.put(ctx, buildPath("/{0}/{1}", schema, id), value, dest)
	return err
}

// Increment atomically adds delta to a numeric field
func (c *client) Increment(ctx context.Context, schema, id, field string, delta int, dest interface{}) error {
	if err := c.checkSchema(schema); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if field == "" {
		return fmt.Errorf("field cannot be empty")
	}

	body := map[string]interface{}{field + "[inc]": delta}
	_, err := c.transport.put(ctx, buildPath("/{0}/{1}", schema, id), body, dest)
	return err
}

// Delete removes an object by primary key
func (c *client) Delete(ctx context.Context, schema, id string) error {
	if err := c.checkSchema(schema); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	_, err := c.transport.del(ctx, buildPath("/{0}/{1}", schema, id))
	return err
}

// AddRelated appends objects or ids to a relation field
func (c *client) AddRelated(ctx context.Context, schema, id, relation string, related interface{}, dest interface{}) error {
	if err := c.checkSchema(schema); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if relation == "" {
		return fmt.Errorf("relation cannot be empty")
	}
	if related == nil {
		return fmt.Errorf("related value cannot be nil")
	}
	_, err := c.transport.post(ctx, buildPath("/{0}/{1}/{2}", schema, id, relation), related, dest)
	return err
}

// RemoveRelated removes ids from a relation field
func (c *client) RemoveRelated(ctx context.Context, schema, id, relation string, ids []string, cascade bool) error {
	if err := c.checkSchema(schema); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if relation == "" {
		return fmt.Errorf("relation cannot be empty")
	}
	if len(ids) == 0 {
		return fmt.Errorf("ids cannot be empty")
	}

	escaped := make([]string, len(ids))
	for i, rid := range ids {
		escaped[i] = strings.Replace(url.QueryEscape(rid), "+", "%20", -1)
	}

	spec := &requestSpec{
		method: http.MethodDelete,
		path:   buildPath("/{0}/{1}/{2}", schema, id, relation) + "/" + strings.Join(escaped, ","),
	}
	if cascade {
		spec.headers = http.Header{"X-StackMob-CascadeDelete": {"true"}}
	}
	_, err := c.transport.do(ctx, spec, nil)
	return err
}

// CircuitState reports breaker state for monitoring
func (c *client) CircuitState(endpoint string) CircuitState {
	if c.transport.perEndpointCircuitBreaker != nil {
		return c.transport.perEndpointCircuitBreaker.State(endpoint)
	}
	return c.transport.circuitBreaker.State()
}

// Close closes the client and releases resources
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.close()
}

// checkClosed returns an error once the client is closed
func (c *client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	return nil
}

// checkSchema validates the schema argument and client state.
func (c *client) checkSchema(schema string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if schema == "" {
		return fmt.Errorf("schema cannot be empty")
	}
	return nil
}
