package domain

import (
	"context"
	"errors"
	"time"

	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"gorm.io/datatypes"
)

// ProviderCredential is the at-rest form of a tenant's provider credential.
type ProviderCredential struct {
	TenantID     string            `json:"tenant_id" gorm:"primaryKey;type:text"`
	Provider     string            `json:"provider" gorm:"primaryKey;type:text"`
	SealedSecret []byte            `json:"-" gorm:"not null"`
	Config       datatypes.JSONMap `json:"config" gorm:"type:jsonb;not null"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time         `json:"updated_at" gorm:"not null"`
}

func (ProviderCredential) TableName() string { return "provider_credentials" }

// Store hands out decrypted credentials. Callers own the returned secret and must wipe it.
type Store interface {
	Fetch(ctx context.Context, tenantID, provider string) (*providerdomain.Credential, error)
}

type Service interface {
	Store
	Put(ctx context.Context, req PutRequest) error
}

type PutRequest struct {
	TenantID string            `json:"-"`
	Provider string            `json:"-"`
	Secret   string            `json:"secret" validate:"required"`
	Config   map[string]string `json:"config"`
}

var (
	ErrCredentialNotFound = errors.New("credential_not_found")
	ErrCredentialInvalid  = errors.New("credential_invalid")
	ErrKeyNotConfigured   = errors.New("credential_key_not_configured")
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidProvider    = errors.New("invalid_provider")
)

// IsCredentialError reports failures that no retry can fix.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrCredentialNotFound) ||
		errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrKeyNotConfigured)
}
