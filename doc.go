// Package stackmob provides a Go client library for the StackMob
// backend-as-a-service REST API. It handles request signing (OAuth 1.0a
// or the platform's OAuth2 MAC-token variant), session and token
// lifecycle, the platform's JSON wire conventions, and a thin
// object-mapping layer over the remote datastore.
//
// # Features
//
// The library provides:
//   - Signed requests: OAuth 1.0a for trusted server-side apps, OAuth2
//     MAC tokens for user sessions
//   - Automatic access-token refresh (proactive before expiry and
//     reactive after a 401), single-flight so concurrent callers share
//     one refresh
//   - Manual redirect following with per-hop re-signing
//   - Datastore CRUD, server-side queries with pagination, relation
//     expansion, atomic counters, and geospatial constraints
//   - Reflection-based mapping between Go structs and the platform's
//     lowercase attribute wire format
//   - Automatic retries with exponential backoff and a retry budget
//   - Circuit breaker pattern for fault tolerance
//   - Observer hooks with logrus, Prometheus, and OpenTelemetry
//     implementations included
//
// # Basic Usage
//
// Create a client with your application keys and talk to a schema:
//
//	package main
//
//	import (
//	    "context"
//	    "log"
//
//	    "github.com/stackmob/stackmob-go"
//	)
//
//	func main() {
//	    config := stackmob.DefaultConfig().
//	        WithKeys("my-public-key", "my-private-key").
//	        WithAPIVersion(1)
//
//	    client, err := stackmob.NewClient(config)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer client.Close()
//
//	    ctx := context.Background()
//
//	    // Create an object in the "todo" schema.
//	    todo := map[string]interface{}{"title": "write docs"}
//	    var created map[string]interface{}
//	    if err := client.Create(ctx, "todo", todo, &created); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Read it back.
//	    var fetched map[string]interface{}
//	    err = client.Get(ctx, "todo", created["todo_id"].(string), &fetched)
//	    if stackmob.IsNotFound(err) {
//	        log.Println("gone already")
//	    }
//	}
//
// # Queries
//
// Queries are built fluently and encoded into the platform's query
// parameters and headers:
//
//	q := stackmob.NewQuery().
//	    EqualTo("done", false).
//	    GreaterThan("priority", 3).
//	    OrderByDesc("createddate").
//	    Range(0, 9)
//
//	var todos []map[string]interface{}
//	rng, err := client.Query(ctx, "todo", q, &todos)
//	// rng.Total holds the server-side count from Content-Range.
//
// # Sessions
//
// Under the OAuth2 scheme a user session is established with Login,
// after which every request is signed with the issued MAC token:
//
//	ext, _ := stackmob.NewExtendedClient(config)
//	session, err := ext.Login(ctx, "alice", "hunter2")
//	// ... authenticated requests ...
//	err = ext.Logout(ctx)
//
// Tokens refresh automatically; provide a custom TokenStore to persist
// sessions across process restarts.
//
// # Models
//
// The Store and TypedStore helpers map annotated structs onto schemas:
//
//	type Todo struct {
//	    ID       string `stackmob:"todo_id"`
//	    Title    string `stackmob:"title"`
//	    Done     bool   `stackmob:"done"`
//	    Created  int64  `stackmob:"createddate,readonly"`
//	}
//
//	store := stackmob.NewStore(ext, "todo")
//	err := store.Save(ctx, &Todo{Title: "ship it"}) // POST, fills ID
package stackmob
