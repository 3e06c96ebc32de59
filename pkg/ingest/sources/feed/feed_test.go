package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	"github.com/ajitpratap0/kaspero/pkg/config"
	"github.com/ajitpratap0/kaspero/pkg/ingest"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/ratelimit"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <item>
      <guid>item-3</guid>
      <title>Third Post</title>
      <link>https://example.com/3</link>
      <description>&lt;p&gt;Latest &amp;amp; greatest&lt;/p&gt;</description>
      <pubDate>Mon, 15 Jan 2024 10:00:00 +0000</pubDate>
      <category>go</category>
      <category>etl</category>
    </item>
    <item>
      <guid>item-2</guid>
      <title>Second Post</title>
      <link>https://example.com/2</link>
      <description>older</description>
    </item>
    <item>
      <guid>item-1</guid>
      <title>First Post</title>
      <link>https://example.com/1</link>
      <description>oldest</description>
    </item>
  </channel>
</rss>`

func newTestSource(t *testing.T, url string) (*Source, *checkpoint.Manager) {
	t.Helper()
	log := zaptest.NewLogger(t)
	manager := checkpoint.NewManager(storage.NewMemoryStore(), log)
	limiter := ratelimit.New(config.RateLimitConfig{
		RequestsPerMinute: 60,
		MaxRetries:        3,
		BackoffBase:       2.0,
	}, log)
	return New(config.FeedSourceConfig{URL: url}, limiter, manager, log), manager
}

func serveRSS(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(testRSS))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestExtract(t *testing.T) {
	src, _ := newTestSource(t, serveRSS(t))

	stream, err := src.Extract(context.Background())
	require.NoError(t, err)

	var guids []string
	for raw := range stream.Records() {
		guids = append(guids, raw["guid"].(string))
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"item-3", "item-2", "item-1"}, guids, "document order")
}

func TestExtractStopsAtCheckpointedGUID(t *testing.T) {
	src, manager := newTestSource(t, serveRSS(t))

	last := "item-2"
	_, err := manager.Apply(context.Background(), models.SourceTypeFeed, checkpoint.Update{LastSourceID: &last})
	require.NoError(t, err)

	stream, err := src.Extract(context.Background())
	require.NoError(t, err)

	var guids []string
	for raw := range stream.Records() {
		guids = append(guids, raw["guid"].(string))
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"item-3"}, guids, "stops before the seen item")
}

func TestExtractFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	src, _ := newTestSource(t, srv.URL)
	_, err := src.Extract(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed fetch failed")
}

func TestItemRecordGUIDFallback(t *testing.T) {
	raw := itemRecord(&gofeed.Item{Title: "No GUID", Link: "https://example.com/x"})
	assert.Equal(t, "https://example.com/x", raw["guid"])

	raw = itemRecord(&gofeed.Item{Title: "Nothing at all"})
	guid, _ := raw["guid"].(string)
	assert.Len(t, guid, 64, "content hash when no guid or link")
}

func TestStripHTML(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"&lt;escaped&gt; &amp; fine", "<escaped> & fine"},
		{"spaced\n\n   out", "spaced out"},
		{"", ""},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, stripHTML(tc.in), "stripHTML(%q)", tc.in)
	}
}

func TestParseDate(t *testing.T) {
	got := parseDate("Mon, 15 Jan 2024 10:00:00 +0000")
	require.NotNil(t, got)
	assert.Equal(t, 2024, got.Year())

	got = parseDate("2024-01-15T10:00:00Z")
	require.NotNil(t, got)
	assert.Equal(t, time.January, got.Month())

	assert.Nil(t, parseDate("not a date"))
	assert.Nil(t, parseDate(""))
}

func TestTransform(t *testing.T) {
	src, _ := newTestSource(t, "https://example.com/feed.xml")

	fields, err := src.Transform(ingest.RawRecord{
		"guid":        "item-3",
		"title":       "Third Post",
		"link":        "https://example.com/3",
		"description": "<p>Latest &amp; greatest</p>",
		"content":     "",
		"pubDate":     "Mon, 15 Jan 2024 10:00:00 +0000",
		"author":      "pat",
		"categories":  []interface{}{"go", "etl"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Third Post", fields.Title)
	assert.Equal(t, "Latest & greatest", fields.Description)
	assert.Equal(t, "Latest & greatest", fields.Content, "content falls back to description")
	assert.Equal(t, "pat", fields.Author)
	assert.Equal(t, "go", fields.Category)
	assert.Equal(t, []string{"go", "etl"}, fields.Tags)
	assert.Equal(t, "https://example.com/3", fields.URL)
	require.NotNil(t, fields.PublishedAt)
	assert.Equal(t, "item-3", fields.ExtraData["guid"])
	assert.Equal(t, "https://example.com/feed.xml", fields.ExtraData["feed_url"])
}

func TestTransformTruncatesDescription(t *testing.T) {
	src, _ := newTestSource(t, "https://example.com/feed.xml")

	long := strings.Repeat("é", 800)
	fields, err := src.Transform(ingest.RawRecord{"description": long})
	require.NoError(t, err)
	assert.Equal(t, 500, len([]rune(fields.Description)), "truncation counts runes, not bytes")
}
