package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger accumulates logrus fields for one log line of the key management
// packages. Key material only ever enters it as a fingerprint or a short
// preview.
type Logger struct {
	fields logrus.Fields
}

// NewLogger starts a line for the named function.
func NewLogger(function string) *Logger {
	return &Logger{fields: logrus.Fields{"function": function}}
}

// WithField adds one field.
func (l *Logger) WithField(key string, value any) *Logger {
	l.fields[key] = value
	return l
}

// WithFields adds several fields.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError records the error and the operation that produced it.
func (l *Logger) WithError(err error, operation string) *Logger {
	l.fields["error"] = err.Error()
	l.fields["operation"] = operation
	return l
}

// WithKey adds the algorithm and shortened fingerprint of a key pair.
func (l *Logger) WithKey(kp *KeyPair) *Logger {
	if kp == nil {
		return l
	}
	l.fields["algorithm"] = kp.Algorithm
	l.fields["fingerprint"] = FingerprintField(kp.Fingerprint)
	return l
}

// WithBlob adds a preview of opaque data such as a wrapped key envelope.
func (l *Logger) WithBlob(name string, data []byte) *Logger {
	return l.WithFields(SecureFieldHash(data, name))
}

func (l *Logger) Debug(message string) { l.log(logrus.DebugLevel, message) }

func (l *Logger) Info(message string) { l.log(logrus.InfoLevel, message) }

func (l *Logger) Warn(message string) { l.log(logrus.WarnLevel, message) }

func (l *Logger) Error(message string) { l.log(logrus.ErrorLevel, message) }

func (l *Logger) log(level logrus.Level, message string) {
	logrus.WithFields(l.fields).Log(level, message)
}

// FingerprintField shortens a key fingerprint for log output.
func FingerprintField(fingerprint string) string {
	if len(fingerprint) <= 16 {
		return fingerprint
	}
	return fingerprint[:16] + "..."
}

// SecureFieldHash returns a preview of at most 8 bytes plus the length of
// data, under name_preview and name_size.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if n := min(len(data), 8); n > 0 {
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
