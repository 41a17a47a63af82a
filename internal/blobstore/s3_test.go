package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSecretsProvider struct {
	values map[string][]byte
}

func (s stubSecretsProvider) Fetch(_ context.Context, name string) ([]byte, error) {
	v, ok := s.values[name]
	if !ok {
		return nil, errors.New("secret not set")
	}
	return v, nil
}

func TestStaticCredentialsFromReturnsFalseWhenProviderNil(t *testing.T) {
	_, ok := staticCredentialsFrom(context.Background(), nil)
	assert.False(t, ok)
}

func TestStaticCredentialsFromReturnsFalseWhenEitherHalfMissing(t *testing.T) {
	provider := stubSecretsProvider{values: map[string][]byte{
		awsAccessKeySecret: []byte("AKIAEXAMPLE"),
	}}
	_, ok := staticCredentialsFrom(context.Background(), provider)
	assert.False(t, ok, "missing secret key half must not yield partial static credentials")
}

func TestStaticCredentialsFromReturnsProviderWhenBothHalvesPresent(t *testing.T) {
	provider := stubSecretsProvider{values: map[string][]byte{
		awsAccessKeySecret: []byte("AKIAEXAMPLE"),
		awsSecretKeySecret: []byte("secretvalue"),
	}}
	creds, ok := staticCredentialsFrom(context.Background(), provider)
	require.True(t, ok)

	got, err := creds.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIAEXAMPLE", got.AccessKeyID)
	assert.Equal(t, "secretvalue", got.SecretAccessKey)
}
