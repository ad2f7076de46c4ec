package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"forensicseal/internal/artifact"
	"forensicseal/internal/binder"
	"forensicseal/internal/logging"
	"forensicseal/internal/report"
	"forensicseal/internal/seal"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool { return target == ErrInvalidConfig }

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage, c.Journal.Enabled)...)
	errs = append(errs, validateSealing(&c.Sealing)...)
	errs = append(errs, validateEnrichment(&c.Enrichment)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateExport(&c.Export)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateSigning(&c.Signing)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig, journal bool) ValidationErrors {
	var errs ValidationErrors
	if s.DatabasePath == "" {
		errs = append(errs, *RequiredFieldError("storage.database_path"))
	}
	if journal && s.JournalPath == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.journal_path",
			Message: "journal path is required when the journal is enabled",
		})
	}
	return errs
}

func validateSealing(s *SealingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := seal.NormalizeJurisdiction(s.Jurisdiction); err != nil {
		errs = append(errs, ValidationError{
			Field:   "sealing.jurisdiction",
			Message: fmt.Sprintf("invalid jurisdiction %q (want ISO code such as ZA or US-CA)", s.Jurisdiction),
		})
	}
	if _, err := seal.ParseMode(s.Mode); err != nil {
		errs = append(errs, ValidationError{
			Field:   "sealing.mode",
			Message: fmt.Sprintf("invalid mode %q (valid: full, report-only)", s.Mode),
		})
	}
	if _, err := artifact.ParseSuite(s.HashSuite); err != nil {
		errs = append(errs, ValidationError{
			Field:   "sealing.hash_suite",
			Message: fmt.Sprintf("invalid hash suite %q (valid: sha512, sha3-512, blake3-512)", s.HashSuite),
		})
	}
	if _, err := report.ParseFormat(s.ReportFormat); err != nil {
		errs = append(errs, ValidationError{
			Field:   "sealing.report_format",
			Message: fmt.Sprintf("invalid report format %q (valid: md, html, txt, json)", s.ReportFormat),
		})
	}
	if s.Concurrency < 1 || s.Concurrency > 64 {
		errs = append(errs, *RangeError("sealing.concurrency", 1, 64))
	}
	return errs
}

func validateEnrichment(e *EnrichmentConfig) ValidationErrors {
	var errs ValidationErrors

	if e.Endpoint != "" && !isValidURL(e.Endpoint) {
		errs = append(errs, ValidationError{
			Field:   "enrichment.endpoint",
			Message: "endpoint must be an http or https URL",
		})
	}
	if e.Timeout.Duration <= 0 || e.Timeout.Duration > 5*time.Minute {
		errs = append(errs, *RangeError("enrichment.timeout", "1ns", "5m"))
	}
	if e.RatePerSecond < 0 {
		errs = append(errs, ValidationError{
			Field:   "enrichment.rate_per_second",
			Message: "rate cannot be negative",
		})
	}
	if e.RatePerSecond > 0 && e.Burst < 1 {
		errs = append(errs, ValidationError{
			Field:   "enrichment.burst",
			Message: "burst must be at least 1 when a rate is set",
		})
	}
	if e.ExcerptLimit < 1024 {
		errs = append(errs, ValidationError{
			Field:   "enrichment.excerpt_limit",
			Message: "excerpt limit must be at least 1024 bytes",
		})
	}
	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	if j.Enabled && j.SecretEnv == "" && j.SecretFile == "" {
		return ValidationErrors{{
			Field:   "journal.secret_file",
			Message: "secret_env or secret_file is required when the journal is enabled",
		}}
	}
	return nil
}

func validateExport(e *ExportConfig) ValidationErrors {
	var errs ValidationErrors
	if e.OutputDir == "" {
		errs = append(errs, *RequiredFieldError("export.output_dir"))
	}
	if len(e.Recipients) > 0 {
		if _, err := binder.ParseRecipients(e.Recipients); err != nil {
			errs = append(errs, ValidationError{
				Field:   "export.recipients",
				Message: err.Error(),
			})
		}
	}
	if e.CompressionLevel < 1 || e.CompressionLevel > 4 {
		errs = append(errs, *RangeError("export.compression_level", 1, 4))
	}
	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors
	if w.Debounce.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce",
			Message: "debounce cannot be negative",
		})
	}
	for i, pattern := range w.ExcludePatterns {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watch.exclude_patterns[%d]", i),
				Message: fmt.Sprintf("invalid glob pattern: %s", pattern),
			})
		}
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	if s.Enabled && s.KeyPath == "" {
		return ValidationErrors{{
			Field:   "signing.key_path",
			Message: "key path is required when signing is enabled",
		}}
	}
	return nil
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := filepath.Match(pattern, "test")
	return err == nil
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
