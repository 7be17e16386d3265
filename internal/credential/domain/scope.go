package domain

import (
	"context"

	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
)

// WithCredential fetches a credential, passes it to fn and wipes the secret when fn
// returns or panics. fn must not retain the credential.
func WithCredential(ctx context.Context, store Store, tenantID, provider string, fn func(*providerdomain.Credential) error) error {
	cred, err := store.Fetch(ctx, tenantID, provider)
	if err != nil {
		return err
	}
	defer cred.Wipe()
	return fn(cred)
}
