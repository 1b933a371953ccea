package keyratchet

import (
	"errors"

	"github.com/opd-ai/keyratchet/backup"
	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/keywrap"
	"github.com/opd-ai/keyratchet/negotiation"
	"github.com/opd-ai/keyratchet/ratchet"
)

// ErrEncryptionUnavailable is returned when a message cannot be sealed.
// No plaintext is ever returned in its place.
var ErrEncryptionUnavailable = errors.New("message encryption unavailable")

// Errors of the underlying packages, for matching with errors.Is.
var (
	ErrUnsupportedAlgorithm = crypto.ErrUnsupportedAlgorithm
	ErrInvalidPublicKey     = crypto.ErrInvalidPublicKey
	ErrInvalidCiphertext    = crypto.ErrInvalidCiphertext
	ErrDecryptionFailed     = crypto.ErrDecryptionFailed
	ErrDecapsulationFailed  = keywrap.ErrDecapsulationFailed
	ErrNotAuthorized        = keywrap.ErrNotAuthorized
	ErrNoSuchRecord         = keywrap.ErrNoSuchRecord
	ErrNoCommonAlgorithm    = negotiation.ErrNoCommonAlgorithm
	ErrRotationFailed       = ratchet.ErrRotationFailed
	ErrInvalidPassword      = backup.ErrInvalidPassword
	ErrNotFound             = interfaces.ErrNotFound
	ErrEpochConflict        = interfaces.ErrEpochConflict
	ErrActiveEpoch          = interfaces.ErrActiveEpoch
)
