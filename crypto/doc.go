// Package crypto implements the primitives behind keyratchet's key management:
// key-encapsulation mechanisms, the key-wrap construction, message AEADs and
// key derivation.
//
// # Algorithms
//
// Five KEM identifiers are supported, in negotiation order:
//
//   - [AlgorithmHybrid]: RSA-OAEP-4096 and ML-KEM-768 combined with HKDF-SHA-512
//   - [AlgorithmMLKEM1024], [AlgorithmMLKEM768], [AlgorithmMLKEM512]
//   - [AlgorithmRSAOAEP4096]: RSA-OAEP with SHA-256 carrying a random secret
//
// A [Provider] maps identifiers to implementations. The ML-KEM backend is
// chosen once when the provider is built:
//
//	p, err := crypto.NewProvider(crypto.BackendCIRCL)
//	kp, err := p.GenerateKeyPair(crypto.AlgorithmMLKEM768)
//
// [BackendStdlib] uses Go's crypto/mlkem and has no ML-KEM-512; asking for
// it returns [ErrUnsupportedAlgorithm].
//
// # Key Wrapping
//
// [Provider.WrapKey] encapsulates to a public key and seals a 32-byte epoch
// key with ChaCha20-Poly1305 under a key derived from the fresh shared secret:
//
//	envelope, err := p.WrapKey(kp.Algorithm, kp.Public, epochKey, ad)
//	epochKey, err := p.UnwrapKey(kp.Algorithm, kp.Private, envelope, ad)
//
// [KeyCheck] commits to a key so every recipient can confirm it recovered the
// same one.
//
// # Memory
//
// Private key handles and shared secrets are wiped with [ZeroBytes] and
// [WipeKeyPair] once they are no longer needed.
package crypto
