package stackmob

import (
	"context"
	"fmt"
)

// TypedStore is a generic wrapper around Store that gives compile-time
// typed reads, removing the interface{} destinations from application
// code.
//
//	type Todo struct {
//	    ID    string `stackmob:"todo_id"`
//	    Title string `stackmob:"title"`
//	}
//
//	todos := stackmob.NewTypedStore[Todo](client, "todo")
//
//	todo, err := todos.Load(ctx, "4f3c...")
//	list, rng, err := todos.Query(ctx, stackmob.NewQuery().Range(0, 9))
type TypedStore[T any] struct {
	store *Store
}

// NewTypedStore creates a typed store bound to a schema. An empty
// schema is derived from T's type name or Schemer implementation.
func NewTypedStore[T any](client ExtendedClient, schema string) *TypedStore[T] {
	return &TypedStore[T]{store: NewStore(client, schema)}
}

// Load fetches the object with the given id.
func (ts *TypedStore[T]) Load(ctx context.Context, id string) (*T, error) {
	var model T
	if err := ts.store.Load(ctx, id, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

// Save creates or updates the model, per Store.Save.
func (ts *TypedStore[T]) Save(ctx context.Context, model *T) error {
	return ts.store.Save(ctx, model)
}

// Destroy deletes the object the model's primary key points at.
func (ts *TypedStore[T]) Destroy(ctx context.Context, model *T) error {
	return ts.store.Destroy(ctx, model)
}

// Query runs a query and returns the typed matches.
func (ts *TypedStore[T]) Query(ctx context.Context, query *Query) ([]T, *RangeInfo, error) {
	var out []T
	rng, err := ts.store.Query(ctx, query, &out)
	if err != nil {
		return nil, nil, err
	}
	return out, rng, nil
}

// First returns the first match of the query, or an error satisfying
// IsNotFound when nothing matches.
func (ts *TypedStore[T]) First(ctx context.Context, query *Query) (*T, error) {
	if query == nil {
		query = NewQuery()
	}
	out, _, err := ts.Query(ctx, query.Range(0, 0))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no objects match query", ErrNotFound)
	}
	return &out[0], nil
}
