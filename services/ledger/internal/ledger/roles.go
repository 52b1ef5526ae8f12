package ledger

import (
	"context"

	"github.com/example/consumption-ledger/services/ledger/internal/store"
)

// roles is the capability set of one identity for one call, resolved
// from persisted state and never from the shape of the request.
type roles struct {
	owner    bool
	reporter bool
	self     bool
}

func resolveRoles(ctx context.Context, tx store.Tx, identity, userID, contentID string) (roles, error) {
	var r roles
	if identity == "" {
		return r, nil
	}
	owner, err := tx.Owner(ctx)
	if err != nil {
		return r, err
	}
	r.owner = owner != "" && owner == identity
	r.self = identity == userID
	if !r.owner {
		if r.reporter, err = tx.ReporterApproved(ctx, identity, contentID); err != nil {
			return r, err
		}
	}
	return r, nil
}

// requireOwner fails unless identity is the current owner.
func requireOwner(ctx context.Context, tx store.Tx, identity string) error {
	owner, err := tx.Owner(ctx)
	if err != nil {
		return err
	}
	if owner == "" {
		return ErrNotInitialized
	}
	if identity == "" || identity != owner {
		return ErrUnauthorized
	}
	return nil
}
