// Package permissions resolves which documents a tenant owns.
package permissions

import (
	"context"
)

// OwnershipResolver returns the ids of every document a tenant owns
type OwnershipResolver interface {
	OwnedDocumentIDs(ctx context.Context, tenantID string) ([]int64, error)
}

// OwnershipWriter records and revokes document ownership in an external system
type OwnershipWriter interface {
	GrantOwner(ctx context.Context, tenantID string, documentID int64) error
	RevokeOwner(ctx context.Context, tenantID string, documentID int64) error
}
