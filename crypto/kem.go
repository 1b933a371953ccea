package crypto

import (
	"fmt"
	"strings"
)

// KEM is the capability set every key-encapsulation variant implements.
//
// Encapsulate returns the wrapped secret (the ciphertext a recipient
// decapsulates) and the shared secret. Implementations must not retain
// the returned shared secret.
type KEM interface {
	Algorithm() Algorithm
	GenerateKeyPair(entropy EntropySource) (*KeyPair, error)
	Encapsulate(public []byte, entropy EntropySource) (wrapped, shared []byte, err error)
	Decapsulate(wrapped, private []byte) (shared []byte, err error)
}

// Backend selects the ML-KEM implementation used by a Provider.
type Backend uint8

const (
	// BackendCIRCL uses cloudflare/circl and supports every ML-KEM level.
	BackendCIRCL Backend = iota
	// BackendStdlib uses Go's crypto/mlkem (ML-KEM-768 and ML-KEM-1024 only).
	BackendStdlib
)

// String returns the backend name.
func (b Backend) String() string {
	switch b {
	case BackendCIRCL:
		return "circl"
	case BackendStdlib:
		return "stdlib"
	default:
		return fmt.Sprintf("backend(%d)", uint8(b))
	}
}

// ParseBackend resolves a backend name.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "circl":
		return BackendCIRCL, nil
	case "stdlib", "go":
		return BackendStdlib, nil
	default:
		return 0, fmt.Errorf("unknown KEM backend %q", name)
	}
}

const (
	// DefaultRSABits is the modulus size behind AlgorithmRSAOAEP4096.
	DefaultRSABits = 4096
	// MinRSABits is the smallest modulus accepted for encapsulation.
	MinRSABits = 2048
)

type providerConfig struct {
	rsaBits int
	entropy EntropySource
}

// ProviderOption configures a Provider.
type ProviderOption func(*providerConfig)

// WithRSABits overrides the RSA modulus size used for key generation.
func WithRSABits(bits int) ProviderOption {
	return func(c *providerConfig) { c.rsaBits = bits }
}

// WithEntropy overrides the entropy source used for generation and encapsulation.
func WithEntropy(e EntropySource) ProviderOption {
	return func(c *providerConfig) { c.entropy = e }
}

// Provider resolves algorithms to KEM implementations. The backend is fixed
// at construction time so every call in a process behaves the same way.
type Provider struct {
	backend Backend
	entropy EntropySource
	kems    map[Algorithm]KEM
}

// NewProvider builds a provider for the given backend.
func NewProvider(backend Backend, opts ...ProviderOption) (*Provider, error) {
	cfg := providerConfig{rsaBits: DefaultRSABits}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.rsaBits < MinRSABits {
		return nil, fmt.Errorf("rsa modulus %d below minimum %d", cfg.rsaBits, MinRSABits)
	}
	if cfg.entropy == nil {
		cfg.entropy = DefaultEntropy()
	}

	rsaKEM := &rsaOAEP{bits: cfg.rsaBits}
	kems := map[Algorithm]KEM{AlgorithmRSAOAEP4096: rsaKEM}

	switch backend {
	case BackendCIRCL:
		kems[AlgorithmMLKEM512] = newCIRCLMLKEM(AlgorithmMLKEM512)
		kems[AlgorithmMLKEM768] = newCIRCLMLKEM(AlgorithmMLKEM768)
		kems[AlgorithmMLKEM1024] = newCIRCLMLKEM(AlgorithmMLKEM1024)
	case BackendStdlib:
		kems[AlgorithmMLKEM768] = newStdlibMLKEM768()
		kems[AlgorithmMLKEM1024] = newStdlibMLKEM1024()
	default:
		return nil, fmt.Errorf("unknown KEM backend %d", backend)
	}
	kems[AlgorithmHybrid] = &hybridKEM{classical: rsaKEM, pq: kems[AlgorithmMLKEM768]}

	NewLogger("NewProvider").
		WithField("backend", backend.String()).
		WithField("rsa_bits", cfg.rsaBits).
		Debug("KEM provider initialized")

	return &Provider{backend: backend, entropy: cfg.entropy, kems: kems}, nil
}

// Backend returns the backend selected at construction.
func (p *Provider) Backend() Backend { return p.backend }

// Entropy returns the provider's entropy source.
func (p *Provider) Entropy() EntropySource { return p.entropy }

// Supports reports whether the algorithm is available in this provider.
func (p *Provider) Supports(alg Algorithm) bool {
	_, ok := p.kems[alg]
	return ok
}

// Algorithms lists the supported algorithms, strongest first.
func (p *Provider) Algorithms() []Algorithm {
	out := make([]Algorithm, 0, len(p.kems))
	for alg := range p.kems {
		out = append(out, alg)
	}
	return SortByRank(out)
}

// KEM returns the implementation for an algorithm.
func (p *Provider) KEM(alg Algorithm) (KEM, error) {
	k, ok := p.kems[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s (backend %s)", ErrUnsupportedAlgorithm, alg, p.backend)
	}
	return k, nil
}

// GenerateKeyPair creates a key pair for the algorithm.
func (p *Provider) GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	k, err := p.KEM(alg)
	if err != nil {
		return nil, err
	}
	return k.GenerateKeyPair(p.entropy)
}

// Encapsulate produces a wrapped secret and the shared secret for a public key.
func (p *Provider) Encapsulate(public []byte, alg Algorithm) (wrapped, shared []byte, err error) {
	k, err := p.KEM(alg)
	if err != nil {
		return nil, nil, err
	}
	return k.Encapsulate(public, p.entropy)
}

// Decapsulate recovers the shared secret from a wrapped secret.
func (p *Provider) Decapsulate(wrapped, private []byte, alg Algorithm) ([]byte, error) {
	k, err := p.KEM(alg)
	if err != nil {
		return nil, err
	}
	return k.Decapsulate(wrapped, private)
}
