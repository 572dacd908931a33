// Package entstore implements the store gateway on PostgreSQL through the
// generated Ent client. Claim-style operations (feature claim, queue
// dequeue) run in transactions with row locks so concurrent control-plane
// loops never double-dispatch.
package entstore

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/pkg/store"
)

// opTimeout bounds every single store operation.
const opTimeout = 5 * time.Second

// EntStore is the PostgreSQL-backed store gateway.
type EntStore struct {
	client *ent.Client
}

// New creates a store over an Ent client.
func New(client *ent.Client) *EntStore {
	return &EntStore{client: client}
}

// interface guard
var _ store.Store = (*EntStore)(nil)

// opCtx derives the bounded context every operation runs under.
func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// wrapErr classifies an ent error: not-found and constraint conditions map
// to store sentinels, everything else (driver failures, timeouts) is
// transient and worth retrying.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case ent.IsNotFound(err):
		return store.ErrNotFound
	case ent.IsConstraintError(err):
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	default:
		return store.Transient(fmt.Errorf("%s: %w", op, err))
	}
}
