package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originPolicy decides which browser origins may open a WebSocket. It uses
// the same list as the CORS middleware.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      zerolog.Logger
}

func newOriginPolicy(origins []string, logger zerolog.Logger) *originPolicy {
	normalized, allowAll := normalizeOrigins(origins, logger)
	p := &originPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(normalized)),
		log:      logger,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string, logger zerolog.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// isOriginAllowed accepts requests without an Origin header only under the
// wildcard policy; non-browser clients rarely send one.
func (p *originPolicy) isOriginAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if p.allowAll {
		return true
	}
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.isOriginAllowed(r) {
		return true
	}

	p.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked WebSocket connection from disallowed origin")
	return false
}
