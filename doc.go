// Package keyratchet manages end-to-end encryption keys for a multi-device
// chat system.
//
// Every conversation has a sequence of epochs. Each epoch has a random
// 256-bit key that is wrapped separately for every trusted device of every
// participant, using the strongest KEM all of them support: ML-KEM, an
// X25519 plus ML-KEM hybrid or, when a device only speaks classical
// cryptography, RSA-OAEP. Epochs rotate after a number of messages, after
// an interval, and whenever a device is revoked or suspended, so a device
// removed from a conversation cannot read anything sent after its removal.
//
// # Getting Started
//
//	options := keyratchet.NewOptions()
//	options.Rotation.MessageThreshold = 500
//
//	dir := directory.NewMemory()
//	m, err := keyratchet.New(options, dir, store.NewMemory())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	dir.PutDevice(phone)
//	dir.Join("conv-1", "alice", "bob")
//	if _, err := m.AddDevice(ctx, phone); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := m.StartConversation(ctx, "conv-1"); err != nil {
//	    log.Fatal(err)
//	}
//
//	env, err := m.EncryptMessage(ctx, "conv-1", []byte("hello"))
//	...
//	plaintext, err := m.DecryptMessage(ctx, phone.ID, env)
//
// # Collaborators
//
// The application supplies an [interfaces.ParticipantDirectory] that knows
// users, devices and conversation membership, and an [interfaces.KeyStore]
// for wrapped keys. The store package provides in-memory, PostgreSQL and
// Redis implementations. Lifecycle events go to an [interfaces.AuditSink]
// without blocking the caller.
//
// # Configuration
//
// [Options] can be built in code from [NewOptions] or read from YAML with
// [LoadOptions]:
//
//	backend: circl
//	cipher: XChaCha20-Poly1305
//	rotation:
//	  message_threshold: 1000
//	  interval: 168h
//	  check_every: 1m
//	  retained_epochs: 2
//	backup_kdf:
//	  kdf: argon2id
//	  iterations: 3
//	  memory: 65536
//	  parallelism: 4
//	  key_length: 32
//
// # Backups
//
// [Manager.CreateBackup] seals a user's key pairs under a password so a new
// device can recover conversation history. Any restore failure is reported
// as [ErrInvalidPassword].
package keyratchet
