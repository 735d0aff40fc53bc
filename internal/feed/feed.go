// Package feed ingests podcast RSS feeds and registers new episodes in the
// catalog. Sequence numbers are assigned chronologically per podcast and
// never reassigned: an episode keeps its number for life, so workspace and
// artifact names stay stable across reruns.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mmcdole/gofeed"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"castpipe/internal/catalog"
	"castpipe/internal/logging"
	"castpipe/internal/services"
)

const maxDescriptionLength = 1000

// Catalog is the subset of the catalog store the syncer needs.
type Catalog interface {
	RegisterIfAbsent(ctx context.Context, ep *catalog.Episode) (bool, error)
	FindBySource(ctx context.Context, podcast, audioURL string) (*catalog.Episode, error)
	MaxSequence(ctx context.Context, podcast string) (int64, error)
}

// Syncer pulls feeds and registers unseen episodes.
type Syncer struct {
	catalog Catalog
	parser  *gofeed.Parser
	logger  *slog.Logger
}

// NewSyncer builds a Syncer with a shared HTTP client and timeout.
func NewSyncer(store Catalog, logger *slog.Logger) *Syncer {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: 60 * time.Second}
	return &Syncer{catalog: store, parser: parser, logger: logger}
}

// Summary reports the outcome of syncing one feed.
type Summary struct {
	Podcast    string
	Seen       int
	Registered int
	Skipped    int
}

// Sync fetches one feed and registers every unseen episode in publication
// order. Running it twice against an unchanged feed registers nothing the
// second time.
func (s *Syncer) Sync(ctx context.Context, podcast, feedURL string) (Summary, error) {
	summary := Summary{Podcast: podcast}

	parsed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return summary, services.Wrap(services.ErrTransient, "sync", "parse_feed", fmt.Sprintf("fetch feed for %s", podcast), err)
	}

	entries := collectEntries(parsed)
	summary.Seen = len(entries)
	if len(entries) == 0 {
		return summary, nil
	}

	// Oldest first, so newly assigned sequence numbers follow publication
	// order even on the very first sync of a long-running feed.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].published.Before(entries[j].published)
	})

	next, err := s.catalog.MaxSequence(ctx, podcast)
	if err != nil {
		return summary, err
	}

	for _, entry := range entries {
		existing, err := s.catalog.FindBySource(ctx, podcast, entry.audioURL)
		if err != nil {
			return summary, err
		}
		if existing != nil {
			summary.Skipped++
			continue
		}

		next++
		ep := &catalog.Episode{
			Podcast:        podcast,
			SequenceNumber: next,
			Title:          entry.title,
			Description:    truncate(stripHTML(entry.description), maxDescriptionLength),
			PublishedAt:    entry.published,
			AudioURL:       entry.audioURL,
		}
		created, err := s.catalog.RegisterIfAbsent(ctx, ep)
		if err != nil {
			return summary, services.Wrap(services.ErrValidation, "sync", "register", fmt.Sprintf("register %q", entry.title), err)
		}
		if created {
			summary.Registered++
			s.logger.Info("registered episode",
				logging.String(logging.FieldPodcast, podcast),
				logging.Int64(logging.FieldSequence, next),
				logging.String("title", entry.title),
			)
		} else {
			next--
			summary.Skipped++
		}
	}
	return summary, nil
}

type feedEntry struct {
	title       string
	description string
	audioURL    string
	published   time.Time
}

// collectEntries flattens feed items into entries, keeping only items that
// carry an audio enclosure. Items without a publication date are dropped:
// without one there is no defensible position in the sequence.
func collectEntries(parsed *gofeed.Feed) []feedEntry {
	entries := make([]feedEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil || item.PublishedParsed == nil {
			continue
		}
		audioURL := enclosureURL(item)
		if audioURL == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = titleFromURL(audioURL)
		}
		entries = append(entries, feedEntry{
			title:       title,
			description: strings.TrimSpace(item.Description),
			audioURL:    audioURL,
			published:   item.PublishedParsed.UTC(),
		})
	}
	return entries
}

func enclosureURL(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		if strings.HasPrefix(enc.Type, "audio/") || enc.Type == "" {
			return enc.URL
		}
	}
	return ""
}

// titleFromURL derives a display title from the audio file name when the
// feed item carries none. "deep-dive_ep042.mp3" becomes "Deep Dive Ep042".
func titleFromURL(audioURL string) string {
	base := path.Base(audioURL)
	if parsed, err := url.Parse(audioURL); err == nil && parsed.Path != "" {
		base = path.Base(parsed.Path)
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	var cleaned strings.Builder
	prevSpace := false
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	title := strings.TrimSpace(cleaned.String())
	if title == "" {
		return "Untitled Episode"
	}
	return cases.Title(language.Und).String(title)
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}

// stripHTML drops tags from feed descriptions, which are frequently HTML
// fragments. Entities are left alone; only markup is removed.
func stripHTML(text string) string {
	if !strings.ContainsRune(text, '<') {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
