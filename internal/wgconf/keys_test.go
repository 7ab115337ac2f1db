package wgconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func TestGenerateKeyPairAgrees(t *testing.T) {
	for i := 0; i < 20; i++ {
		kp, err := GenerateKeyPair()
		require.NoError(t, err)
		pub, err := PublicKeyOf(kp.PrivateKey)
		require.NoError(t, err)
		assert.Equal(t, kp.PublicKey, pub)
		assert.True(t, ValidKey(kp.PublicKey))
	}
}

func TestPresharedKey(t *testing.T) {
	psk, err := GeneratePresharedKey()
	require.NoError(t, err)
	assert.True(t, ValidKey(psk))
	assert.Len(t, psk, 44)
}

func TestPublicKeyOfRejectsGarbage(t *testing.T) {
	_, err := PublicKeyOf("not-a-key")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.False(t, ValidKey("abc"))
}
