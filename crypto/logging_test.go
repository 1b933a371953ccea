package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	kp := &KeyPair{
		Algorithm:   AlgorithmMLKEM768,
		Private:     []byte("secret"),
		Fingerprint: strings.Repeat("ab", 32),
	}
	NewLogger("Enroll").
		WithField("device_id", "d1").
		WithKey(kp).
		WithBlob("envelope", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}).
		WithError(errors.New("boom"), "wrap").
		Warn("wrap failed")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Enroll", entry.Data["function"])
	assert.Equal(t, "d1", entry.Data["device_id"])
	assert.Equal(t, AlgorithmMLKEM768, entry.Data["algorithm"])
	assert.Equal(t, strings.Repeat("ab", 8)+"...", entry.Data["fingerprint"])
	assert.Equal(t, "0102030405060708...", entry.Data["envelope_preview"])
	assert.Equal(t, 10, entry.Data["envelope_size"])
	assert.Equal(t, "boom", entry.Data["error"])
	assert.Equal(t, "wrap", entry.Data["operation"])
	for _, v := range entry.Data {
		assert.NotEqual(t, kp.Private, v)
	}
}

func TestSecureFieldHash(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		preview string
	}{
		{"nil", nil, "nil"},
		{"short", []byte{0xde, 0xad}, "dead"},
		{"exact", make([]byte, 8), "0000000000000000"},
		{"long", make([]byte, 9), "0000000000000000..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := SecureFieldHash(tt.data, "x")
			if f["x_preview"] != tt.preview {
				t.Errorf("preview = %v, want %s", f["x_preview"], tt.preview)
			}
			if f["x_size"] != len(tt.data) {
				t.Errorf("size = %v, want %d", f["x_size"], len(tt.data))
			}
		})
	}
}
