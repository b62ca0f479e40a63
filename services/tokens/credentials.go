package tokens

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"market_sync_backend/models"
)

// CredentialStore is the opaque secret store collaborator. Secrets are
// created out-of-band; the engine only reads them.
type CredentialStore interface {
	GetSecret(ctx context.Context, sourceID uint) (string, error)
}

// GormCredentialStore reads credentials from the relational store.
type GormCredentialStore struct {
	db *gorm.DB
}

// NewGormCredentialStore creates a credential store over the shared database.
func NewGormCredentialStore(db *gorm.DB) *GormCredentialStore {
	return &GormCredentialStore{db: db}
}

// GetSecret returns the long-lived secret for a source.
func (s *GormCredentialStore) GetSecret(ctx context.Context, sourceID uint) (string, error) {
	var cred models.Credential
	if err := s.db.WithContext(ctx).Where("source_id = ?", sourceID).First(&cred).Error; err != nil {
		return "", fmt.Errorf("credential not found for source %d: %w", sourceID, err)
	}
	return cred.Secret, nil
}
