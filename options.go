package keyratchet

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/ratchet"
	"github.com/opd-ai/keyratchet/store"
)

// Options contains the configuration of a Manager.
type Options struct {
	// Backend selects the KEM implementation: "circl" or "stdlib".
	Backend string `yaml:"backend"`
	// RSABits is the modulus size of classical key pairs.
	RSABits int `yaml:"rsa_bits"`
	// Cipher is the message AEAD: "AES-256-GCM" or "XChaCha20-Poly1305".
	Cipher string `yaml:"cipher"`

	Rotation ratchet.Policy `yaml:"rotation"`

	// WrapParallelism bounds concurrent per-device wraps of one epoch.
	WrapParallelism int `yaml:"wrap_parallelism"`
	// RevocationParallelism bounds concurrent conversation rotations
	// after a device is added, revoked or suspended.
	RevocationParallelism int `yaml:"revocation_parallelism"`
	// AuditBuffer is the queue length of the asynchronous audit sink.
	AuditBuffer int `yaml:"audit_buffer"`

	BackupKDF  crypto.PasswordKDFParams `yaml:"backup_kdf"`
	StoreRetry RetryOptions             `yaml:"store_retry"`
}

// RetryOptions configures retries of transient key store failures.
type RetryOptions struct {
	MaxRetries uint64        `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	retry := store.DefaultRetryOptions()
	return &Options{
		Backend:               crypto.BackendCIRCL.String(),
		RSABits:               crypto.DefaultRSABits,
		Cipher:                string(crypto.SuiteAES256GCM),
		Rotation:              ratchet.DefaultPolicy(),
		WrapParallelism:       8,
		RevocationParallelism: 8,
		AuditBuffer:           1024,
		BackupKDF:             crypto.DefaultPasswordKDFParams(),
		StoreRetry: RetryOptions{
			MaxRetries: retry.MaxRetries,
			BaseDelay:  retry.BaseDelay,
			MaxDelay:   retry.MaxDelay,
		},
	}
}

// LoadOptions reads a YAML (or JSON) file over the defaults and validates
// the result. Durations are written as "168h", "30s" and so on.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	opts := NewOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("options %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks every field against its bounds.
func (o *Options) Validate() error {
	if _, err := crypto.ParseBackend(o.Backend); err != nil {
		return err
	}
	if o.RSABits < crypto.MinRSABits {
		return fmt.Errorf("rsa_bits %d below %d", o.RSABits, crypto.MinRSABits)
	}
	if _, err := crypto.ParseCipherSuite(o.Cipher); err != nil {
		return err
	}
	if err := o.Rotation.Validate(); err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	if o.WrapParallelism < 1 || o.RevocationParallelism < 1 {
		return errors.New("parallelism must be at least 1")
	}
	if o.AuditBuffer < 1 {
		return errors.New("audit_buffer must be at least 1")
	}
	if o.BackupKDF.KeyLength != crypto.SymmetricKeySize {
		return fmt.Errorf("%w: backup key length must be %d", crypto.ErrInvalidKDFParams, crypto.SymmetricKeySize)
	}
	if err := o.BackupKDF.Validate(); err != nil {
		return fmt.Errorf("backup_kdf: %w", err)
	}
	if o.StoreRetry.BaseDelay < 0 || o.StoreRetry.MaxDelay < 0 {
		return errors.New("store_retry delays must not be negative")
	}
	return nil
}

func (o *Options) retryOptions() store.RetryOptions {
	return store.RetryOptions{
		MaxRetries: o.StoreRetry.MaxRetries,
		BaseDelay:  o.StoreRetry.BaseDelay,
		MaxDelay:   o.StoreRetry.MaxDelay,
	}
}
