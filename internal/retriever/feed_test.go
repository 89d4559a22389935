package retriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsharvest/internal/dedup/memory"
)

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example News</title>
<link>https://example.com/</link>
<item>
  <title>Alpha headline</title>
  <link>https://example.com/news/a</link>
  <pubDate>Fri, 01 Mar 2024 10:00:00 +0000</pubDate>
</item>
<item>
  <title>Beta headline</title>
  <guid isPermaLink="true">https://example.com/news/b</guid>
</item>
<item>
  <title>No link</title>
  <guid isPermaLink="false">abc-123</guid>
</item>
</channel></rss>`

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<title>Example</title>
<entry>
  <title>Atom entry</title>
  <link rel="self" href="https://example.com/feed/1"/>
  <link href="https://example.com/news/atom"/>
  <updated>2024-02-02T09:00:00Z</updated>
</entry>
</feed>`

func TestParseFeedRSS(t *testing.T) {
	t.Parallel()

	entries, err := ParseFeed([]byte(rssFeed))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "https://example.com/news/a", entries[0].Link)
	require.Equal(t, "Alpha headline", entries[0].Title)
	require.NotNil(t, entries[0].PublishedAt)
	require.Equal(t, "https://example.com/news/b", entries[1].Link)
	require.Nil(t, entries[1].PublishedAt)
}

func TestParseFeedAtom(t *testing.T) {
	t.Parallel()

	entries, err := ParseFeed([]byte(atomFeed))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "https://example.com/news/atom", entries[0].Link)
	require.Equal(t, "Atom entry", entries[0].Title)
	require.Equal(t, 2024, entries[0].PublishedAt.Year())
}

func TestFeedAcquiresLinkedArticles(t *testing.T) {
	t.Parallel()

	pages := newsPages()
	pages["https://example.com/rss"] = rssFeed
	pages["https://example.com/news/b"] = `<html><body><article><p>no metadata</p></article></body></html>`
	fetcher := newPageFetcher(pages)
	store := memory.New()

	cfg := DefaultFeedConfig()
	cfg.FeedURLs = []string{"https://example.com/rss"}
	feed, err := NewFeed("example-rss", *cfg, Deps{Store: store, Fetcher: fetcher})
	require.NoError(t, err)

	var c collector
	report, err := feed.FetchBatch(context.Background(), c.emit)
	require.NoError(t, err)
	require.Equal(t, 2, report.Emitted)
	require.Equal(t, "Alpha headline", c.items[0].Title)
	require.Equal(t, FeedPlugin, c.items[0].Provenance.Plugin)
	require.Equal(t, "Beta headline", c.items[1].Title)
	require.Equal(t, "no metadata", c.items[1].Text)

	// a second pass only refetches the feed document
	report, err = feed.FetchBatch(context.Background(), c.emit)
	require.NoError(t, err)
	require.Equal(t, 2, report.Skipped)
	require.Equal(t, 2, fetcher.count("https://example.com/rss"))
	require.Equal(t, 1, fetcher.count("https://example.com/news/a"))
}
