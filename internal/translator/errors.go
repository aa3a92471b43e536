package translator

import (
	"regexp"
	"unicode/utf8"

	"ollama-gateway/internal/apierr"
	"ollama-gateway/internal/ollama"
)

const maxMessageLength = 512

// sensitivePatterns match fragments of engine error text that would reveal
// deployment details: file paths, URLs, addresses and blob digests.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://\S+`),
	regexp.MustCompile(`(?:^|[\s"'(=:])(?:~|\.{1,2})?(?:/[\w.@+-]+){2,}`),
	regexp.MustCompile(`\b[A-Za-z]:\\`),
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`),
	regexp.MustCompile(`\b[\w-]+(?:\.[\w-]+)*:\d{2,5}\b`),
	regexp.MustCompile(`(?i)\blocalhost\b`),
	regexp.MustCompile(`(?i)\bsha256[:-]?[0-9a-f]{12,}`),
	regexp.MustCompile(`\b[0-9a-f]{64}\b`),
}

var genericMessages = map[apierr.Kind]string{
	apierr.KindInternal:           "internal server error",
	apierr.KindInvalidRequest:     "the inference backend rejected the request",
	apierr.KindBackendUnavailable: "the inference backend is unavailable",
	apierr.KindBackendTimeout:     "the inference backend did not respond in time",
	apierr.KindBackendProtocol:    "the inference backend returned an invalid response",
}

// Envelope converts any error into the status code and body sent to API
// clients. It is the only place where error values become wire format.
func Envelope(err error) (int, apierr.Envelope) {
	e := apierr.From(err)

	msg := e.Message
	switch {
	case e.Kind == apierr.KindInternal:
		msg = genericMessages[apierr.KindInternal]
	case e.Kind.FromBackend(), e.Code == ollama.CodeBackendRejected:
		msg = SanitizeMessage(e.Kind, msg)
	}

	code := e.Code
	if code == "" {
		code = e.Kind.String()
	}

	return e.Status(), apierr.Envelope{Error: apierr.Body{
		Message: msg,
		Type:    e.Kind.String(),
		Code:    code,
		Param:   e.Param,
	}}
}

// SanitizeMessage returns msg unless it contains deployment details, in which
// case a generic message for kind is returned instead. Long messages are
// truncated.
func SanitizeMessage(kind apierr.Kind, msg string) string {
	generic, ok := genericMessages[kind]
	if !ok {
		generic = genericMessages[apierr.KindInternal]
	}
	if msg == "" {
		return generic
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(msg) {
			return generic
		}
	}
	return truncate(msg, maxMessageLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
