// Package repo provides read-only, label-scoped record access on top of a
// Cypher session.
package repo

import "context"

// Reader fetches records of one kind by id or as an ordered list.
type Reader[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Count(ctx context.Context) (int64, error)
}

// Order is one ORDER BY key.
type Order struct {
	Key  string
	Desc bool
}

// ListOpts controls ordering and pagination for List. Limit <= 0 means no limit.
type ListOpts struct {
	Offset int
	Limit  int
	Order  []Order
	Filter map[string]any // property equality filters
}
