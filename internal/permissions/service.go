package permissions

import (
	"context"
)

// DocumentIDLister is the part of the document store StoreResolver needs
type DocumentIDLister interface {
	ListOwnedDocumentIDs(ctx context.Context, tenantID string) ([]int64, error)
}

// StoreResolver answers ownership from the document store's user_id column
type StoreResolver struct {
	store DocumentIDLister
}

// NewStoreResolver creates a resolver backed by store
func NewStoreResolver(store DocumentIDLister) *StoreResolver {
	return &StoreResolver{store: store}
}

// OwnedDocumentIDs implements OwnershipResolver
func (s *StoreResolver) OwnedDocumentIDs(ctx context.Context, tenantID string) ([]int64, error) {
	return s.store.ListOwnedDocumentIDs(ctx, tenantID)
}

// NoopWriter is the OwnershipWriter used when the document store is authoritative
type NoopWriter struct{}

// GrantOwner implements OwnershipWriter
func (NoopWriter) GrantOwner(context.Context, string, int64) error { return nil }

// RevokeOwner implements OwnershipWriter
func (NoopWriter) RevokeOwner(context.Context, string, int64) error { return nil }
