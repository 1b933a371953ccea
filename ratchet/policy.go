package ratchet

import (
	"errors"
	"time"
)

// Policy holds the rotation thresholds.
type Policy struct {
	// MessageThreshold rotates after this many messages in one epoch. Zero disables it.
	MessageThreshold uint64 `yaml:"message_threshold" json:"message_threshold"`
	// Interval rotates epochs older than this. Zero disables it.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// CheckEvery is the tick period of Run.
	CheckEvery time.Duration `yaml:"check_every" json:"check_every"`
	// RetainedEpochs is how many superseded epochs are kept after a
	// rotation. Zero deletes the previous epoch as soon as the new one
	// is committed.
	RetainedEpochs int `yaml:"retained_epochs" json:"retained_epochs"`
	// RetainRevokedHistory keeps a revoked device's records in superseded
	// epochs so keys it already received stay readable until purged.
	RetainRevokedHistory bool `yaml:"retain_revoked_history" json:"retain_revoked_history"`
	// FailureAlertThreshold is the number of consecutive rotation failures
	// of one conversation after which failures are logged at error level.
	FailureAlertThreshold int `yaml:"failure_alert_threshold" json:"failure_alert_threshold"`
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MessageThreshold:      1000,
		Interval:              7 * 24 * time.Hour,
		CheckEvery:            time.Minute,
		RetainedEpochs:        0,
		FailureAlertThreshold: 3,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.Interval < 0 {
		return errors.New("rotation interval must not be negative")
	}
	if p.CheckEvery <= 0 {
		return errors.New("check period must be positive")
	}
	if p.RetainedEpochs < 0 {
		return errors.New("retained epochs must not be negative")
	}
	if p.FailureAlertThreshold < 1 {
		return errors.New("failure alert threshold must be at least 1")
	}
	return nil
}
