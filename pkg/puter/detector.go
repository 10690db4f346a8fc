package puter

import (
	"errors"
	"strings"

	"github.com/putergate/putergate/pkg/config"
)

// QuotaDetector classifies upstream errors as quota exhaustion. It is
// deliberately conservative: only a driver error whose delegate, status and
// code all match the configured policy counts, so malformed payloads,
// auth-invalid errors and bad requests never trigger a renewal.
type QuotaDetector struct {
	delegate string
	codes    map[string]struct{}
	statuses map[int]struct{}
}

func NewQuotaDetector(cfg config.QuotaDetectorConfig) *QuotaDetector {
	d := &QuotaDetector{
		delegate: cfg.Delegate,
		codes:    make(map[string]struct{}, len(cfg.Codes)),
		statuses: make(map[int]struct{}, len(cfg.Statuses)),
	}
	for _, c := range cfg.Codes {
		d.codes[c] = struct{}{}
	}
	for _, s := range cfg.Statuses {
		d.statuses[s] = struct{}{}
	}
	return d
}

// IsQuotaExhausted reports whether err is the upstream's usage-limited
// condition. Anything that is not a structured APIError is not quota
// exhaustion.
func (d *QuotaDetector) IsQuotaExhausted(err error) bool {
	if d == nil || err == nil {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Delegate != d.delegate {
		return false
	}
	if _, ok := d.statuses[apiErr.Status]; !ok {
		return false
	}
	if _, ok := d.codes[apiErr.Code]; ok {
		return true
	}
	// Some driver versions report the condition as a permission denial
	// instead of the delegate code; the status policy still applies.
	return strings.Contains(apiErr.Message, "Permission denied")
}
