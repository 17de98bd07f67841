// Package scope decides which URLs belong to a crawl: host allow and block
// lists, depth ceilings, and file extensions that are never fetched.
package scope

import (
	"net/url"
	"path"
	"strings"
)

// Reason names why a URL was excluded from the crawl.
type Reason string

// Exclusion reasons. Duplicate and PageCap are decided by the frontier; the
// rest by Policy.Check.
const (
	ReasonNone           Reason = ""
	ReasonDuplicate      Reason = "duplicate"
	ReasonBlockedHost    Reason = "blocked_host"
	ReasonNotAllowedHost Reason = "not_allowed_host"
	ReasonDepth          Reason = "depth"
	ReasonPageCap        Reason = "page_cap"
	ReasonExtension      Reason = "extension"
)

// DefaultSkipExtensions lists binary and asset extensions skipped when none are configured.
var DefaultSkipExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".pdf", ".zip", ".exe", ".mp3", ".mp4", ".css", ".js",
}

// Config holds scope rules. A negative MaxDepth disables the depth ceiling.
type Config struct {
	AllowedDomains []string
	BlockedDomains []string
	SkipExtensions []string
	MaxDepth       int
}

// Policy evaluates Config against candidate URLs. It is immutable and safe for
// concurrent use.
type Policy struct {
	allowed    []string
	blocked    []string
	extensions map[string]struct{}
	maxDepth   int
}

// New creates a Policy. Domain entries may be exact hosts or "*.suffix"
// patterns; both match the domain itself and any subdomain.
func New(cfg Config) *Policy {
	exts := cfg.SkipExtensions
	if exts == nil {
		exts = DefaultSkipExtensions
	}
	extensions := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = struct{}{}
	}
	return &Policy{
		allowed:    normalizeDomains(cfg.AllowedDomains),
		blocked:    normalizeDomains(cfg.BlockedDomains),
		extensions: extensions,
		maxDepth:   cfg.MaxDepth,
	}
}

// Check reports whether u at depth is in scope, and the reason when it is not.
func (p *Policy) Check(u *url.URL, depth int) (Reason, bool) {
	if p.maxDepth >= 0 && depth > p.maxDepth {
		return ReasonDepth, false
	}
	host := strings.ToLower(u.Hostname())
	if matchAny(host, p.blocked) {
		return ReasonBlockedHost, false
	}
	if len(p.allowed) > 0 && !matchAny(host, p.allowed) {
		return ReasonNotAllowedHost, false
	}
	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
		if _, skip := p.extensions[ext]; skip {
			return ReasonExtension, false
		}
	}
	return ReasonNone, true
}

// MaxDepth returns the configured depth ceiling.
func (p *Policy) MaxDepth() int {
	return p.maxDepth
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "*.")
		d = strings.TrimSuffix(d, ".")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func matchAny(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
