package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// originPolicy is the WebSocket origin allow-list of one server. Origins are
// compared by their canonical scheme://host[:port] key.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *slog.Logger
}

func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	p := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		switch raw {
		case "":
			continue
		case "*":
			p.allowAll = true
			continue
		}

		key, err := originKey(raw)
		if err != nil {
			logger.Warn("ignoring configured origin", "origin", raw, "error", err)
			continue
		}
		p.allowed[key] = struct{}{}
	}
	return p
}

// originKey reduces an Origin value to lower-case scheme://host, keeping the
// port only when it is not the scheme's default.
func originKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("origin needs a scheme and a host")
	}
	if u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", errors.New("origin must not carry userinfo, path, query or fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPorts[scheme] {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}

// check is the websocket.Upgrader CheckOrigin hook. Requests without an
// Origin header are refused.
func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin != "" && p.allowAll {
		return true
	}

	if origin != "" {
		if key, err := originKey(origin); err == nil {
			if _, ok := p.allowed[key]; ok {
				return true
			}
		}
	}

	p.logger.Warn("blocked websocket connection from disallowed origin", "origin", origin)
	return false
}
