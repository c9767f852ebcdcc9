package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal([]byte(`{"celsius":21}`), bob.Public, alice.Private)
	require.NoError(t, err)

	plain, ok := OpenFrom(sealed, alice.Public[:], bob.Private)
	require.True(t, ok)
	assert.Equal(t, `{"celsius":21}`, string(plain))

	_, ok = OpenFrom(sealed, bob.Public[:], bob.Private)
	assert.False(t, ok, "wrong sender key must not open")
	_, ok = OpenFrom(sealed[:10], alice.Public[:], bob.Private)
	assert.False(t, ok)
	_, ok = OpenFrom(sealed, alice.Public[:5], bob.Private)
	assert.False(t, ok)
}

func TestParsePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pub, err := ParsePublicKey(" " + kp.String() + "\n")
	require.NoError(t, err)
	assert.Equal(t, kp.Public[:], pub[:])

	_, err = ParsePublicKey("abcd")
	assert.Error(t, err)
	_, err = ParsePublicKey("zz")
	assert.Error(t, err)
}

func TestLoadKeyPairDerivesPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "relay.key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0o600))

	loaded, err := LoadKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Public[:], loaded.Public[:])

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err = LoadKeyPair(path)
	assert.Error(t, err)
}
