package limits

import (
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

// TestMessageOverheadMatchesXChaCha verifies MessageOverhead covers the
// largest cipher suite in use.
func TestMessageOverheadMatchesXChaCha(t *testing.T) {
	want := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if MessageOverhead != want {
		t.Errorf("MessageOverhead = %d, want %d", MessageOverhead, want)
	}
}

// TestValidatePlaintextMessage tests the plaintext validation function
func TestValidatePlaintextMessage(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		wantErr error
	}{
		{
			name:    "empty message",
			message: []byte{},
			wantErr: ErrMessageEmpty,
		},
		{
			name:    "nil message",
			message: nil,
			wantErr: ErrMessageEmpty,
		},
		{
			name:    "valid small message",
			message: []byte("Hello, world!"),
			wantErr: nil,
		},
		{
			name:    "valid max-size message",
			message: make([]byte, MaxPlaintextMessage),
			wantErr: nil,
		},
		{
			name:    "message too large",
			message: make([]byte, MaxPlaintextMessage+1),
			wantErr: ErrMessageTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlaintextMessage(tt.message)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("ValidatePlaintextMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidatorsBounds checks each validator accepts its limit and rejects one byte more.
func TestValidatorsBounds(t *testing.T) {
	tests := []struct {
		name  string
		fn    func([]byte) error
		limit int
	}{
		{"sealed", ValidateSealedMessage, MaxSealedMessage},
		{"wrapped key", ValidateWrappedKey, MaxWrappedKey},
		{"backup", ValidateBackupBlob, MaxBackupBlob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(make([]byte, tt.limit)); err != nil {
				t.Errorf("limit-sized input rejected: %v", err)
			}
			if err := tt.fn(make([]byte, tt.limit+1)); !errors.Is(err, ErrMessageTooLarge) {
				t.Errorf("oversized input error = %v, want ErrMessageTooLarge", err)
			}
			if err := tt.fn(nil); !errors.Is(err, ErrMessageEmpty) {
				t.Errorf("empty input error = %v, want ErrMessageEmpty", err)
			}
		})
	}
}

// TestConstantConsistency verifies internal consistency of the size constants
func TestConstantConsistency(t *testing.T) {
	if MaxSealedMessage != MaxPlaintextMessage+MessageOverhead {
		t.Errorf("MaxSealedMessage (%d) != MaxPlaintextMessage (%d) + MessageOverhead (%d)",
			MaxSealedMessage, MaxPlaintextMessage, MessageOverhead)
	}

	if MaxBackupBlob <= MaxSealedMessage {
		t.Errorf("MaxBackupBlob (%d) should be > MaxSealedMessage (%d)", MaxBackupBlob, MaxSealedMessage)
	}

	if MaxProcessingBuffer <= MaxBackupBlob {
		t.Errorf("MaxProcessingBuffer (%d) should be > MaxBackupBlob (%d)", MaxProcessingBuffer, MaxBackupBlob)
	}
}
