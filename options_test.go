package keyratchet

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/keyratchet/crypto"
)

func TestNewOptionsAreValid(t *testing.T) {
	if err := NewOptions().Validate(); err != nil {
		t.Fatalf("default options invalid: %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"defaults", func(*Options) {}, false},
		{"stdlib backend", func(o *Options) { o.Backend = "stdlib" }, false},
		{"unknown backend", func(o *Options) { o.Backend = "liboqs" }, true},
		{"small rsa", func(o *Options) { o.RSABits = 1024 }, true},
		{"xchacha", func(o *Options) { o.Cipher = "XChaCha20-Poly1305" }, false},
		{"unknown cipher", func(o *Options) { o.Cipher = "DES" }, true},
		{"negative interval", func(o *Options) { o.Rotation.Interval = -time.Hour }, true},
		{"zero check period", func(o *Options) { o.Rotation.CheckEvery = 0 }, true},
		{"zero wrap parallelism", func(o *Options) { o.WrapParallelism = 0 }, true},
		{"zero revocation parallelism", func(o *Options) { o.RevocationParallelism = 0 }, true},
		{"zero audit buffer", func(o *Options) { o.AuditBuffer = 0 }, true},
		{"short backup key", func(o *Options) { o.BackupKDF.KeyLength = 16 }, true},
		{"weak argon2", func(o *Options) { o.BackupKDF.Memory = 1024 }, true},
		{"negative retry delay", func(o *Options) { o.StoreRetry.BaseDelay = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			tt.mutate(o)
			err := o.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyratchet.yaml")
	data := `
backend: stdlib
cipher: XChaCha20-Poly1305
rotation:
  message_threshold: 250
  interval: 24h
  check_every: 30s
  retained_epochs: 2
  retain_revoked_history: true
  failure_alert_threshold: 5
revocation_parallelism: 4
backup_kdf:
  kdf: scrypt
  iterations: 15
  memory: 8
  parallelism: 1
  key_length: 32
store_retry:
  max_retries: 5
  base_delay: 100ms
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	o, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions() error = %v", err)
	}
	if o.Backend != "stdlib" || o.Cipher != "XChaCha20-Poly1305" {
		t.Errorf("backend/cipher = %q/%q", o.Backend, o.Cipher)
	}
	if o.Rotation.MessageThreshold != 250 || o.Rotation.Interval != 24*time.Hour ||
		o.Rotation.CheckEvery != 30*time.Second || o.Rotation.RetainedEpochs != 2 ||
		!o.Rotation.RetainRevokedHistory || o.Rotation.FailureAlertThreshold != 5 {
		t.Errorf("rotation = %+v", o.Rotation)
	}
	if o.RevocationParallelism != 4 {
		t.Errorf("RevocationParallelism = %d, want 4", o.RevocationParallelism)
	}
	if o.BackupKDF.KDF != crypto.KDFScrypt || o.BackupKDF.Iterations != 15 {
		t.Errorf("BackupKDF = %+v", o.BackupKDF)
	}
	if o.StoreRetry.MaxRetries != 5 || o.StoreRetry.BaseDelay != 100*time.Millisecond {
		t.Errorf("StoreRetry = %+v", o.StoreRetry)
	}

	// Unset fields keep their defaults.
	def := NewOptions()
	if o.RSABits != def.RSABits || o.WrapParallelism != def.WrapParallelism || o.AuditBuffer != def.AuditBuffer {
		t.Errorf("defaults not preserved: %+v", o)
	}
}

func TestLoadOptionsErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOptions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("rotation: [not, a, map]"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptions(bad); err == nil {
		t.Error("expected parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("rsa_bits: 512\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptions(invalid); err == nil {
		t.Error("expected validation error")
	}
}
