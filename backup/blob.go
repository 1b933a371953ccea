package backup

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/limits"
	"github.com/opd-ai/keyratchet/model"
)

// FormatVersion is the blob layout written by this package.
const FormatVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// Blob is a password-protected backup. Everything but Ciphertext is
// authenticated as associated data.
type Blob struct {
	ID         string                   `cbor:"1,keyasint"`
	UserID     string                   `cbor:"2,keyasint"`
	Version    uint8                    `cbor:"3,keyasint"`
	KDF        crypto.PasswordKDFParams `cbor:"4,keyasint"`
	Salt       []byte                   `cbor:"5,keyasint"`
	Nonce      []byte                   `cbor:"6,keyasint"`
	Ciphertext []byte                   `cbor:"7,keyasint"`
	CreatedAt  time.Time                `cbor:"8,keyasint"`
}

// blobHeader is the authenticated part of a Blob.
type blobHeader struct {
	ID        string                   `cbor:"1,keyasint"`
	UserID    string                   `cbor:"2,keyasint"`
	Version   uint8                    `cbor:"3,keyasint"`
	KDF       crypto.PasswordKDFParams `cbor:"4,keyasint"`
	Salt      []byte                   `cbor:"5,keyasint"`
	Nonce     []byte                   `cbor:"6,keyasint"`
	CreatedAt time.Time                `cbor:"8,keyasint"`
}

func (b *Blob) associatedData() ([]byte, error) {
	return encMode.Marshal(blobHeader{
		ID:        b.ID,
		UserID:    b.UserID,
		Version:   b.Version,
		KDF:       b.KDF,
		Salt:      b.Salt,
		Nonce:     b.Nonce,
		CreatedAt: b.CreatedAt,
	})
}

// MarshalBinary encodes the blob as CBOR.
func (b *Blob) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(b)
}

// UnmarshalBinary decodes a blob. Oversized input is rejected before decoding.
func (b *Blob) UnmarshalBinary(data []byte) error {
	if err := limits.ValidateBackupBlob(data); err != nil {
		return err
	}
	var out Blob
	if err := decMode.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode backup blob: %w", err)
	}
	*b = out
	return nil
}

// Snapshot is the plaintext content of a backup.
type Snapshot struct {
	UserID    string           `cbor:"1,keyasint"`
	CreatedAt time.Time        `cbor:"2,keyasint"`
	KeyPairs  []*model.KeyPair `cbor:"3,keyasint"`
	// Records references the wrapped key records the key pairs can open.
	Records []model.RecordRef `cbor:"4,keyasint"`
}

// Wipe zeroes every private handle in the snapshot.
func (s *Snapshot) Wipe() {
	for _, kp := range s.KeyPairs {
		if kp != nil {
			_ = crypto.WipeKeyPair(&kp.KeyPair)
		}
	}
}
