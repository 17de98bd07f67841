package scope

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestPolicyCheck(t *testing.T) {
	t.Parallel()

	p := New(Config{
		AllowedDomains: []string{"example.com", "*.docs.org"},
		BlockedDomains: []string{"ads.example.com"},
		MaxDepth:       2,
	})

	tests := []struct {
		name   string
		url    string
		depth  int
		reason Reason
		ok     bool
	}{
		{name: "allowed host", url: "http://example.com/a", depth: 0, ok: true},
		{name: "allowed subdomain", url: "http://www.example.com/a", depth: 1, ok: true},
		{name: "wildcard suffix", url: "https://api.docs.org/x", depth: 0, ok: true},
		{name: "wildcard apex", url: "https://docs.org/x", depth: 0, ok: true},
		{name: "blocked wins over allowed", url: "http://ads.example.com/banner", depth: 0, reason: ReasonBlockedHost},
		{name: "not in allow-list", url: "http://other.net/", depth: 0, reason: ReasonNotAllowedHost},
		{name: "suffix without dot boundary", url: "http://notexample.com/", depth: 0, reason: ReasonNotAllowedHost},
		{name: "too deep", url: "http://example.com/deep", depth: 3, reason: ReasonDepth},
		{name: "skipped extension", url: "http://example.com/photo.JPG", depth: 0, reason: ReasonExtension},
		{name: "port ignored for host match", url: "http://example.com:8080/a", depth: 0, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reason, ok := p.Check(mustParse(t, tt.url), tt.depth)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.reason, reason)
		})
	}
}

func TestPolicyUnlimitedDepthAndCustomExtensions(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxDepth: -1, SkipExtensions: []string{"xml", " .Bin "}})
	_, ok := p.Check(mustParse(t, "http://any.test/page"), 1000)
	require.True(t, ok)

	reason, ok := p.Check(mustParse(t, "http://any.test/sitemap.xml"), 0)
	require.False(t, ok)
	require.Equal(t, ReasonExtension, reason)

	reason, ok = p.Check(mustParse(t, "http://any.test/blob.bin"), 0)
	require.False(t, ok)
	require.Equal(t, ReasonExtension, reason)

	_, ok = p.Check(mustParse(t, "http://any.test/image.jpg"), 0)
	require.True(t, ok, "configured list replaces defaults")
}
