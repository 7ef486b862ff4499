package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// OriginPolicy decides which browser origins may open a WebSocket.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	origins  []string
	logger   zerolog.Logger
}

// NewOriginPolicy normalizes origins. A "*" entry allows every origin;
// malformed entries are logged and skipped.
func NewOriginPolicy(origins []string, logger zerolog.Logger) *OriginPolicy {
	p := &OriginPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		if _, dup := p.allowed[normalized]; !dup {
			p.allowed[normalized] = struct{}{}
			p.origins = append(p.origins, normalized)
		}
	}

	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// AllowAll reports whether the policy accepts any origin.
func (p *OriginPolicy) AllowAll() bool {
	return p.allowAll
}

// Origins returns the normalized allow-list, or ["*"] when everything is
// allowed.
func (p *OriginPolicy) Origins() []string {
	if p.allowAll {
		return []string{"*"}
	}
	return append([]string(nil), p.origins...)
}

// Allowed reports whether the request's Origin header is permitted.
// Requests without an Origin header are rejected.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}

	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalized]
	return exists
}

// CheckOrigin is the websocket.Upgrader hook; it logs rejections.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}

	p.logger.Warn().
		Str("origin", r.Header.Get("Origin")).
		Str("remote_addr", r.RemoteAddr).
		Msg("blocked WebSocket connection from disallowed origin")
	return false
}
