package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title>  Market   News </title>
  <style>.x { color: red }</style>
  <script>var tracking = "should not appear";</script>
</head>
<body>
  <h1>Market risk</h1>
  <p>Analysis of   current
     conditions.</p>
  <a href="/about">About</a>
  <a href="contact#form">Contact</a>
  <a href="https://other.test/x">Other</a>
  <a href="/about">Duplicate</a>
  <a href="mailto:someone@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="#top">Top</a>
  <a href="/sponsored" rel="sponsored nofollow">Ad</a>
</body>
</html>`

func TestParseExtractsTitleTextAndLinks(t *testing.T) {
	t.Parallel()

	doc, err := Parse("http://a.test/dir/page", "text/html; charset=utf-8", []byte(samplePage))
	require.NoError(t, err)

	assert.Equal(t, "Market News", doc.Title)
	assert.Contains(t, doc.Text, "Market risk Analysis of current conditions.")
	assert.NotContains(t, doc.Text, "tracking")
	assert.NotContains(t, doc.Text, "color")
	assert.Equal(t, []string{
		"http://a.test/about",
		"http://a.test/dir/contact",
		"https://other.test/x",
	}, doc.Links)
	assert.False(t, doc.NoFollow)
	assert.False(t, doc.NoIndex)
}

func TestParseHonorsBaseHref(t *testing.T) {
	t.Parallel()

	page := `<html><head><base href="http://cdn.test/root/"></head><body><a href="x">x</a></body></html>`
	doc, err := Parse("http://a.test/page", "text/html", []byte(page))
	require.NoError(t, err)
	require.Equal(t, []string{"http://cdn.test/root/x"}, doc.Links)
}

func TestParseMetaRobots(t *testing.T) {
	t.Parallel()

	page := `<html><head><meta name="ROBOTS" content="noindex, nofollow"></head><body>secret <a href="/next">n</a></body></html>`
	doc, err := Parse("http://a.test/", "text/html", []byte(page))
	require.NoError(t, err)
	require.True(t, doc.NoIndex)
	require.True(t, doc.NoFollow)
	require.Empty(t, doc.Links)
	require.Equal(t, "secret n", doc.Text)
}

func TestParseDecodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	// "café" encoded as ISO-8859-1.
	body := []byte("<html><body>caf\xe9</body></html>")
	doc, err := Parse("http://a.test/", "text/html; charset=iso-8859-1", body)
	require.NoError(t, err)
	require.Equal(t, "café", doc.Text)
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()

	doc, err := Parse("http://a.test/readme.txt", "text/plain", []byte("  line one\n\nline two  "))
	require.NoError(t, err)
	require.Equal(t, "line one line two", doc.Text)
	require.Empty(t, doc.Links)
}

func TestParseRejectsBadPageURL(t *testing.T) {
	t.Parallel()

	_, err := Parse("http://%zz", "text/html", []byte("<html></html>"))
	require.Error(t, err)
}
