/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/ssgreg/logf"
)

// StringMasker masks secrets in strings.
type StringMasker interface {
	Mask(s string) string
}

const maskedValue = "***"

type maskRule struct {
	re          *regexp.Regexp
	replacement string
}

// CredentialMasker masks credentials which may leak into logs when requests or errors are dumped:
// Authorization header values, GitHub token formats and token fields of JSON and URL-encoded bodies.
type CredentialMasker struct {
	keywords *ahocorasick.Matcher
	rules    []maskRule
}

// credentialKeywords must occur (case-insensitively) in a string for any rule to match it.
var credentialKeywords = []string{
	"authorization", "ghp_", "gho_", "ghu_", "ghs_", "ghr_", "github_pat_",
	"access_token", "refresh_token", "client_secret", "password",
}

// NewCredentialMasker creates a new CredentialMasker.
func NewCredentialMasker() *CredentialMasker {
	rules := []maskRule{
		{regexp.MustCompile(`(?i)(authorization:\s*)[^\r\n]+`), "${1}" + maskedValue},
		{regexp.MustCompile(`(?i)("authorization"\s*:\s*)"(?:[^"\\]|\\.)*"`), `${1}"` + maskedValue + `"`},
		{regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{22,255})\b`), maskedValue},
	}
	for _, field := range []string{"access_token", "refresh_token", "client_secret", "password"} {
		rules = append(rules,
			maskRule{regexp.MustCompile(`(?i)("` + field + `"\s*:\s*)"(?:[^"\\]|\\.)*"`), `${1}"` + maskedValue + `"`},
			maskRule{regexp.MustCompile(`(?i)(\b` + field + `=)[^&\s]+`), "${1}" + maskedValue},
		)
	}
	return &CredentialMasker{keywords: ahocorasick.NewStringMatcher(credentialKeywords), rules: rules}
}

// Mask replaces credentials in s with "***".
func (m *CredentialMasker) Mask(s string) string {
	if len(m.keywords.MatchThreadSafe([]byte(strings.ToLower(s)))) == 0 {
		return s
	}
	for _, rule := range m.rules {
		s = rule.re.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// MaskingLogger is a logger that masks secrets in messages and string, bytes and error fields.
type MaskingLogger struct {
	log    FieldLogger
	masker StringMasker
}

// NewMaskingLogger wraps the logger with masking.
func NewMaskingLogger(l FieldLogger, masker StringMasker) FieldLogger {
	return MaskingLogger{l, masker}
}

// With returns a new logger with the given additional fields.
func (l MaskingLogger) With(fs ...Field) FieldLogger {
	return MaskingLogger{l.log.With(l.maskFields(fs)...), l.masker}
}

// Debug logs a message at "debug" level.
func (l MaskingLogger) Debug(text string, fs ...Field) {
	l.log.Debug(l.masker.Mask(text), l.maskFields(fs)...)
}

// Info logs a message at "info" level.
func (l MaskingLogger) Info(text string, fs ...Field) {
	l.log.Info(l.masker.Mask(text), l.maskFields(fs)...)
}

// Warn logs a message at "warn" level.
func (l MaskingLogger) Warn(text string, fs ...Field) {
	l.log.Warn(l.masker.Mask(text), l.maskFields(fs)...)
}

// Error logs a message at "error" level.
func (l MaskingLogger) Error(text string, fs ...Field) {
	l.log.Error(l.masker.Mask(text), l.maskFields(fs)...)
}

// Debugf logs a formatted message at "debug" level.
func (l MaskingLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at "info" level.
func (l MaskingLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at "warn" level.
func (l MaskingLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at "error" level.
func (l MaskingLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// AtLevel calls fn if logging at the level is enabled.
func (l MaskingLogger) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.log.AtLevel(level, func(logFunc LogFunc) {
		fn(func(msg string, fs ...Field) {
			logFunc(l.masker.Mask(msg), l.maskFields(fs)...)
		})
	})
}

// WithLevel returns a new logger with additional level check.
func (l MaskingLogger) WithLevel(level Level) FieldLogger {
	return MaskingLogger{l.log.WithLevel(level), l.masker}
}

func (l MaskingLogger) mask(s string) (masked string, changed bool) {
	masked = l.masker.Mask(s)
	return masked, masked != s
}

// maskFields returns fields as is if nothing is masked, otherwise a modified copy.
func (l MaskingLogger) maskFields(fields []Field) []Field {
	var masked []Field
	set := func(i int, f Field) {
		if masked == nil {
			masked = make([]Field, len(fields))
			copy(masked, fields)
		}
		masked[i] = f
	}
	for i, field := range fields {
		switch field.Type {
		case logf.FieldTypeBytesToString:
			if s, ok := l.mask(string(field.Bytes)); ok {
				set(i, String(field.Key, s))
			}
		case logf.FieldTypeBytes, logf.FieldTypeRawBytes:
			if s, ok := l.mask(string(field.Bytes)); ok {
				set(i, logf.ConstBytes(field.Key, []byte(s)))
			}
		case logf.FieldTypeError:
			if err, isErr := field.Any.(error); isErr && err != nil {
				if s, ok := l.mask(err.Error()); ok {
					set(i, logf.NamedError(field.Key, errors.New(s)))
				}
			}
		}
	}
	if masked == nil {
		return fields
	}
	return masked
}
