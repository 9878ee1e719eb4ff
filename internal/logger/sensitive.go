package logger

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// sensitivePatterns match secrets embedded in free-form strings
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9-._~+/]+=*)`),
	regexp.MustCompile(`(?i)((api|access|auth|token|secret|passw(or)?d)[0-9a-z\-_\.]*[\s:=]+)([^;,\s&]{5,})`),
}

var urlUserinfo = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^@/\s]+@`)

// sensitiveKeywords mark field keys whose values are never logged verbatim
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "credential", "token", "api_key", "apikey", "authorization",
}

// RedactSensitiveData strips URL credentials and inline secrets from input.
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	input = urlUserinfo.ReplaceAllString(input, "${1}"+redacted+"@")
	for _, pattern := range sensitivePatterns {
		input = pattern.ReplaceAllString(input, "${1}"+redacted)
	}
	return input
}

// SanitizeURL removes the userinfo and query of a source URL so it can be
// logged. Unparseable input is redacted as free text.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return RedactSensitiveData(raw)
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	if u.RawQuery != "" {
		u.RawQuery = redacted
	}
	return u.String()
}

func redactField(f Field) Field {
	s, ok := f.Value.(string)
	if !ok || s == "" {
		return f
	}
	key := strings.ToLower(f.Key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(key, kw) {
			return Field{Key: f.Key, Value: redacted}
		}
	}
	if strings.Contains(s, "://") {
		return Field{Key: f.Key, Value: RedactSensitiveData(s)}
	}
	return f
}
