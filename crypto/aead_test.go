package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCipherRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, SymmetricKeySize)
	for _, suite := range []CipherSuite{SuiteAES256GCM, SuiteXChaCha20Poly1305} {
		t.Run(string(suite), func(t *testing.T) {
			c, err := NewMessageCipher(suite)
			require.NoError(t, err)
			assert.Equal(t, suite, c.Suite())

			sealed, err := c.Seal(key, []byte("hello"), []byte("ad"), nil)
			require.NoError(t, err)
			assert.Len(t, sealed, len("hello")+c.Overhead())

			pt, err := c.Open(key, sealed, []byte("ad"))
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), pt)

			_, err = c.Open(key, sealed, []byte("other"))
			assert.ErrorIs(t, err, ErrDecryptionFailed)

			_, err = c.Open(key, sealed[:4], []byte("ad"))
			assert.ErrorIs(t, err, ErrInvalidCiphertext)

			_, err = c.Seal(key[:16], []byte("x"), nil, nil)
			assert.ErrorIs(t, err, ErrInvalidKeySize)
		})
	}
}

func TestParseCipherSuite(t *testing.T) {
	s, err := ParseCipherSuite("xchacha20-poly1305")
	require.NoError(t, err)
	assert.Equal(t, SuiteXChaCha20Poly1305, s)

	s, err = ParseCipherSuite("")
	require.NoError(t, err)
	assert.Equal(t, SuiteAES256GCM, s)

	_, err = ParseCipherSuite("rc4")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
