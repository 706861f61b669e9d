package redact

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

const Placeholder = "[REDACTED]"

// DefaultFields are the metadata keys treated as secret when none are configured.
var DefaultFields = []string{"password", "secret", "token", "api_key", "private_key"}

var (
	// user:pass@ in URL-style DSNs.
	urlCredentials = regexp.MustCompile(`(://[^:/@\s]*:)[^@\s]*@`)
	// password=... in key/value DSNs and driver error strings.
	kvPassword = regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*=\s*('[^']*'|"[^"]*"|[^\s]+)`)
	// stored credential envelopes.
	envelope = regexp.MustCompile(`\$tnc1\$[A-Za-z0-9_.-]+\$[A-Za-z0-9_-]+={0,2}`)
)

// Redactor strips secrets from free-form strings and metadata before they
// reach logs, events or API responses.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.ToLower(strings.TrimSpace(field))
		if field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// String masks DSN passwords and credential envelopes in s.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	s = urlCredentials.ReplaceAllString(s, "${1}"+Placeholder+"@")
	s = kvPassword.ReplaceAllString(s, "${1}="+Placeholder)
	return envelope.ReplaceAllString(s, Placeholder)
}

// Error returns the redacted message of err, or "" for nil.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}

// Map returns a copy of m with secret keys masked and every value scrubbed.
func (r *Redactor) Map(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if r.secretField(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = r.String(v)
	}
	return out
}

// JSON masks secret top-level fields of a JSON object. Input that is not an
// object is returned unchanged together with the decode error.
func (r *Redactor) JSON(data []byte) ([]byte, bool, error) {
	if len(r.fieldsToRedact) == 0 || len(data) == 0 {
		return data, false, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("failed to unmarshal payload for redaction", "error", err)
		return data, false, err
	}

	redacted := false
	for field := range doc {
		if r.secretField(field) {
			doc[field] = Placeholder
			redacted = true
		}
	}
	if !redacted {
		return data, false, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		r.logger.Error("failed to marshal payload after redaction", "error", err)
		return nil, false, err
	}
	return out, true, nil
}

func (r *Redactor) secretField(name string) bool {
	_, ok := r.fieldsToRedact[strings.ToLower(name)]
	return ok
}
