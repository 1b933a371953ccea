package keyratchet

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/limits"
	"github.com/opd-ai/keyratchet/ratchet"
)

// Envelope is a message sealed under one epoch key.
type Envelope struct {
	ConversationID string
	Epoch          uint64
	Suite          crypto.CipherSuite
	// Sealed is nonce || ciphertext.
	Sealed []byte
}

func messageAD(conversationID string, epoch uint64, suite crypto.CipherSuite) []byte {
	return []byte("keyratchet/message|" + conversationID + "|" + strconv.FormatUint(epoch, 10) + "|" + string(suite))
}

// EncryptMessage seals a message under the conversation's active epoch and
// counts it toward the rotation threshold. The conversation and epoch are
// bound as associated data. Every failure is ErrEncryptionUnavailable.
func (m *Manager) EncryptMessage(ctx context.Context, conversationID string, plaintext []byte) (*Envelope, error) {
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionUnavailable, err)
	}

	if _, err := m.ratchet.RecordMessage(ctx, conversationID); err != nil {
		// A failed threshold rotation keeps the previous epoch usable. A
		// pending rotation that removes a device does not.
		st := m.ratchet.State(conversationID)
		if !ratchet.IsRetryable(err) || st.PendingTrigger == ratchet.TriggerRevocation ||
			st.PendingTrigger == ratchet.TriggerSuspension {
			return nil, fmt.Errorf("%w: %w", ErrEncryptionUnavailable, err)
		}
		logrus.WithFields(logrus.Fields{
			"function":        "EncryptMessage",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Warn("Rotation failed, sealing under the current epoch")
	}

	key, h, err := m.wrapper.ActiveKey(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionUnavailable, err)
	}
	defer crypto.ZeroBytes(key)

	suite := m.cipher.Suite()
	sealed, err := m.cipher.Seal(key, plaintext, messageAD(conversationID, h.Epoch, suite), m.entropy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionUnavailable, err)
	}
	return &Envelope{
		ConversationID: conversationID,
		Epoch:          h.Epoch,
		Suite:          suite,
		Sealed:         sealed,
	}, nil
}

// DecryptMessage opens an envelope as deviceID. The device must hold a
// record for the envelope's epoch.
func (m *Manager) DecryptMessage(ctx context.Context, deviceID string, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if err := limits.ValidateSealedMessage(env.Sealed); err != nil {
		return nil, err
	}
	c, err := crypto.NewMessageCipher(env.Suite)
	if err != nil {
		return nil, err
	}
	key, err := m.wrapper.UnwrapEpoch(ctx, deviceID, env.ConversationID, env.Epoch)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)
	return c.Open(key, env.Sealed, messageAD(env.ConversationID, env.Epoch, env.Suite))
}
