package secretkey_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vpnhood/tunnelcore/internal/secretkey"
)

func newSecret(fill byte) (s [128]byte) {
	for i := range s {
		s[i] = fill
	}
	return s
}

func TestAPIKeyIsDeterministic(t *testing.T) {
	secret := newSecret(0x42)
	store1 := secretkey.NewStore(secret)
	store2 := secretkey.NewStore(secret)

	require.Equal(t, store1.APIKey(), store2.APIKey())
	require.NotEmpty(t, store1.APIKey())
}

func TestSetSecretRecomputesAPIKey(t *testing.T) {
	store := secretkey.NewStore(newSecret(0x01))
	originalKey := store.APIKey()

	store.SetSecret(newSecret(0x02))

	require.NotEqual(t, originalKey, store.APIKey())
	require.Equal(t, newSecret(0x02), store.Secret())
}

func TestDifferentSecretsProduceDifferentKeys(t *testing.T) {
	a := secretkey.NewStore(newSecret(0x01))
	b := secretkey.NewStore(newSecret(0x02))
	require.NotEqual(t, a.APIKey(), b.APIKey())
}
