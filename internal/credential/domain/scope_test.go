package domain

import (
	"context"
	"errors"
	"testing"

	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	issued []*providerdomain.Credential
	err    error
}

func (f *fakeStore) Fetch(_ context.Context, tenantID, provider string) (*providerdomain.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	cred := &providerdomain.Credential{TenantID: tenantID, Provider: provider, Secret: []byte("top-secret")}
	f.issued = append(f.issued, cred)
	return cred, nil
}

func TestWithCredentialWipesOnSuccessAndError(t *testing.T) {
	store := &fakeStore{}
	var seen []byte

	err := WithCredential(context.Background(), store, "t1", "aws", func(c *providerdomain.Credential) error {
		seen = c.Secret
		assert.Equal(t, "top-secret", string(c.Secret))
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, store.issued[0].Secret)
	assert.Equal(t, make([]byte, len(seen)), seen)

	boom := errors.New("boom")
	err = WithCredential(context.Background(), store, "t1", "aws", func(*providerdomain.Credential) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, store.issued[1].Secret)
}

func TestWithCredentialWipesOnPanic(t *testing.T) {
	store := &fakeStore{}
	assert.Panics(t, func() {
		_ = WithCredential(context.Background(), store, "t1", "aws", func(*providerdomain.Credential) error {
			panic("processor bug")
		})
	})
	require.Len(t, store.issued, 1)
	assert.Nil(t, store.issued[0].Secret)
}

func TestWithCredentialPropagatesFetchError(t *testing.T) {
	store := &fakeStore{err: ErrCredentialNotFound}
	called := false
	err := WithCredential(context.Background(), store, "t1", "aws", func(*providerdomain.Credential) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCredentialNotFound)
	assert.False(t, called)
	assert.True(t, IsCredentialError(err))
}
