package log

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// MaskValue is the string used to replace sensitive values.
const MaskValue = "***REDACTED***"

// secretKeys are attribute keys that are always masked: request headers the
// checker may send, and credential names a config file may carry.
var secretKeys = []string{
	"authorization", "proxy-authorization", "cookie", "set-cookie",
	"x-api-key", "x-auth-token", "api_key", "apikey", "api-key",
	"session", "session_id", "sessionid", "sid", "jsessionid",
}

// secretFragments mask any key that contains them. The bare "key" is left
// out: it matches "primary_key" and "link_key".
var secretFragments = []string{
	"password", "passwd", "secret", "token", "auth", "credential", "cookie",
}

// secretValues match values that are masked regardless of key name.
var secretValues = []*regexp.Regexp{
	regexp.MustCompile(`^eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*$`), // JWT
	regexp.MustCompile(`(?i)^(bearer\s+.+|basic\s+[A-Za-z0-9+/=]+)$`),            // Authorization values
	regexp.MustCompile(`^AKIA[0-9A-Z]{16}$`),                                     // AWS access key
	regexp.MustCompile(`^[a-zA-Z0-9]{32,}$`),                                     // opaque API key
}

// hexDigest matches hashes such as scan fingerprints, which are safe to log.
var hexDigest = regexp.MustCompile(`^[0-9a-f]{32,128}$`)

// secretQueryParams are query parameters masked inside logged URLs. Signed
// download links and magic-login links on listing pages carry them.
var secretQueryParams = []string{
	"token", "access_token", "api_key", "apikey", "key", "sig", "signature",
	"x-amz-signature", "x-amz-credential", "code", "password", "secret", "session",
}

// SecureHandler is an slog.Handler that masks secrets before records reach
// the wrapped handler. Link URLs keep their host and path; only credentials
// inside them are masked.
type SecureHandler struct {
	next slog.Handler
}

// NewSecureHandler wraps next. A nil next falls back to the default handler.
func NewSecureHandler(next slog.Handler) *SecureHandler {
	if next == nil {
		next = slog.Default().Handler()
	}
	return &SecureHandler{next: next}
}

// Enabled implements slog.Handler.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SecureHandler{next: h.next.WithAttrs(redactAll(attrs))}
}

// WithGroup implements slog.Handler.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{next: h.next.WithGroup(name)}
}

func redactAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, redact(a))
	}
	return out
}

// redact returns a with any secret masked. Groups are walked recursively.
func redact(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()

	switch {
	case v.Kind() == slog.KindGroup:
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redactAll(v.Group())...)}
	case isSecretKey(a.Key):
		return slog.String(a.Key, MaskValue)
	case v.Kind() == slog.KindString:
		s := v.String()
		if isSecretValue(s) {
			return slog.String(a.Key, MaskValue)
		}
		if clean, changed := SanitizeURL(s); changed {
			return slog.String(a.Key, clean)
		}
	case v.Kind() == slog.KindAny:
		if u, ok := v.Any().(*url.URL); ok && u != nil {
			clean, _ := SanitizeURL(u.String())
			return slog.String(a.Key, clean)
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	return slices.Contains(secretKeys, key) || containsSensitiveKeyword(key)
}

// containsSensitiveKeyword reports whether key contains a secret fragment.
func containsSensitiveKeyword(key string) bool {
	return slices.ContainsFunc(secretFragments, func(f string) bool {
		return strings.Contains(key, f)
	})
}

func isSecretValue(value string) bool {
	if hexDigest.MatchString(value) {
		return false
	}
	return slices.ContainsFunc(secretValues, func(re *regexp.Regexp) bool {
		return re.MatchString(value)
	})
}

// SanitizeURL masks the userinfo password and secret query parameters of an
// absolute URL and reports whether anything was masked. Anything that is
// not an absolute URL is returned unchanged.
func SanitizeURL(raw string) (string, bool) {
	if !strings.Contains(raw, "://") {
		return raw, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, false
	}

	masked := false
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), MaskValue)
		masked = true
	}

	if u.RawQuery != "" {
		q := u.Query()
		queryMasked := false
		for name := range q {
			if slices.Contains(secretQueryParams, strings.ToLower(name)) {
				q.Set(name, MaskValue)
				queryMasked = true
			}
		}
		if queryMasked {
			u.RawQuery = q.Encode()
			masked = true
		}
	}

	if !masked {
		return raw, false
	}
	return strings.ReplaceAll(u.String(), url.QueryEscape(MaskValue), MaskValue), true
}

// NewSecureLogger returns a masking text logger. verbose selects Debug;
// otherwise only warnings and errors are written.
func NewSecureLogger(w io.Writer, verbose bool) *slog.Logger {
	return NewSecureLoggerWithLevel(w, levelFor(verbose), false)
}

// NewSecureJSONLogger is NewSecureLogger with JSON output.
func NewSecureJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	return NewSecureLoggerWithLevel(w, levelFor(verbose), true)
}

// NewSecureLoggerWithLevel returns a masking logger at an explicit level.
// The serve command uses it to keep access logs at Info.
func NewSecureLoggerWithLevel(w io.Writer, level slog.Leveler, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		return slog.New(NewSecureHandler(slog.NewJSONHandler(w, opts)))
	}
	return slog.New(NewSecureHandler(slog.NewTextHandler(w, opts)))
}

func levelFor(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
