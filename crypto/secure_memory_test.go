package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	assert.Error(t, SecureWipe(nil))
	assert.NotPanics(t, func() { ZeroBytes(nil) })
}

func TestSecureWipe_KeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	public := kp.Public

	require.NoError(t, WipeKeyPair(kp))
	assert.Equal(t, [32]byte{}, kp.Private)
	assert.Equal(t, public, kp.Public, "only the private half is wiped")

	assert.Error(t, WipeKeyPair(nil))
}
