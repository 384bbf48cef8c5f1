// Package launcher turns the launch form input (base URL and token) into the
// URL loaded by the host view.
package launcher

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const (
	TokenParam = "AiToken"

	NoticeInvalidURL     = "URL format incorrect, using default URL"
	NoticeUnreachableURL = "URL unreachable, using default URL"
)

// ValidURL reports whether raw is an http(s) URL with a plausible host:
// localhost or a name containing a dot.
func ValidURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return false
	}
	return strings.EqualFold(host, "localhost") || strings.Contains(host, ".")
}

// ValidBaseURL returns input when it is valid, otherwise def. substituted is
// true only when a non-empty input was rejected.
func ValidBaseURL(input, def string) (base string, substituted bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return def, false
	}
	if ValidURL(input) {
		return input, false
	}
	return def, true
}

// BuildURL appends the token query parameter, falling back to defaultToken.
// Existing parameters, including an AiToken, are left untouched.
func BuildURL(base, token, defaultToken string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = defaultToken
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	// The base query is kept byte for byte; the token is only appended.
	if u.RawQuery != "" {
		u.RawQuery += "&"
	}
	u.RawQuery += TokenParam + "=" + url.QueryEscape(token)
	return u.String(), nil
}

// Prober checks that a base URL answers before it is handed to the view.
type Prober interface {
	Reachable(ctx context.Context, rawURL string) bool
}

type Result struct {
	URL    string `json:"url"`
	Base   string `json:"base"`
	Notice string `json:"notice,omitempty"`
}

type Resolver struct {
	DefaultURL   string
	DefaultToken string
	Prober       Prober // optional
	Log          *zap.Logger
}

// Resolve never fails: anything unusable becomes the default URL plus a notice.
func (r *Resolver) Resolve(ctx context.Context, input, token string) Result {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	base, substituted := ValidBaseURL(input, r.DefaultURL)
	res := Result{Base: base}
	switch {
	case substituted:
		log.Info("invalid launch URL, using default", zap.String("input", input))
		res.Notice = NoticeInvalidURL
	case base != r.DefaultURL && r.Prober != nil && !r.Prober.Reachable(ctx, base):
		log.Info("launch URL unreachable, using default", zap.String("input", base))
		res.Base = r.DefaultURL
		res.Notice = NoticeUnreachableURL
	}
	full, err := BuildURL(res.Base, token, r.DefaultToken)
	if err != nil {
		// The default URL is validated at config load, so this only trips on
		// a misconfigured resolver.
		log.Error("build launch URL", zap.Error(err))
		full = res.Base
	}
	res.URL = full
	return res
}
