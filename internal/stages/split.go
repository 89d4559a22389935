package stages

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// SplitPlugin is the registry name of the text splitter.
const SplitPlugin = "split_text"

// SplitConfig configures the text splitter.
type SplitConfig struct {
	MaxWords     int `mapstructure:"max_words" validate:"gt=0"`
	OverlapWords int `mapstructure:"overlap_words" validate:"gte=0,ltfield=MaxWords"`
}

const defaultOverlapWords = 50

// DefaultSplitConfig returns the splitter defaults.
func DefaultSplitConfig() *SplitConfig {
	return &SplitConfig{MaxWords: 600, OverlapWords: defaultOverlapWords}
}

// AdjustDefaults keeps the default overlap below a small max_words. An
// overlap_words the entry sets itself is left for validation to reject.
func (c *SplitConfig) AdjustDefaults(explicit map[string]any) {
	if _, set := explicit["overlap_words"]; set {
		return
	}
	if c.OverlapWords >= c.MaxWords {
		c.OverlapWords = min(defaultOverlapWords, c.MaxWords/10)
	}
}

// Split fills an item's parts from its text.
type Split struct {
	named
	cfg SplitConfig
}

// NewSplit validates cfg and builds the stage.
func NewSplit(name string, cfg SplitConfig) (*Split, error) {
	if cfg.MaxWords <= 0 {
		return nil, harvest.NewConfigError("stages."+name+".max_words", "must be positive")
	}
	if cfg.OverlapWords < 0 || cfg.OverlapWords >= cfg.MaxWords {
		return nil, harvest.NewConfigError("stages."+name+".overlap_words", "must be in [0, max_words)")
	}
	return &Split{named: named{name}, cfg: cfg}, nil
}

func buildSplit(name string, cfg any, _ Deps) (harvest.Stage, error) {
	typed, err := configAs[SplitConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewSplit(name, *typed)
}

// Process implements harvest.Stage. Items that already have parts are left
// alone.
func (s *Split) Process(_ context.Context, item harvest.Item) (harvest.Item, error) {
	if len(item.Parts) > 0 {
		return item, fmt.Errorf("%w: item already split", harvest.ErrSkip)
	}
	if strings.TrimSpace(item.Text) == "" && len(item.Raw) > 0 && strings.Contains(item.ContentType, "html") {
		text, err := htmlText(item.Raw)
		if err != nil {
			return item, harvest.Transient(s.name, err)
		}
		item.Text = text
	}
	text := NormalizeBlankLines(item.Text)
	if strings.TrimSpace(text) == "" {
		return item, fmt.Errorf("%w: no text", harvest.ErrSkip)
	}
	item.Text = text
	for i, part := range SplitWords(text, s.cfg.MaxWords, s.cfg.OverlapWords) {
		item.Parts = append(item.Parts, harvest.Part{ID: i + 1, Text: part})
	}
	return item, nil
}

var blankLines = regexp.MustCompile(`\n[ \t\r\f\v]*\n\s*`)

// NormalizeBlankLines collapses runs of blank or whitespace-only lines into
// one paragraph break.
func NormalizeBlankLines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n"))
}

// SplitWords merges paragraphs into parts of at most maxWords words. Each
// part after the first starts with the last overlap words of the previous
// part. A paragraph longer than a part is cut at word boundaries.
func SplitWords(text string, maxWords, overlap int) []string {
	if maxWords <= 0 {
		return []string{text}
	}
	if overlap >= maxWords {
		overlap = maxWords - 1
	}
	var (
		parts   []string
		current []string // paragraphs of the part being built
		words   int
		carry   []string // overlap words from the previous part
	)
	flush := func() {
		if words == 0 {
			return
		}
		body := strings.Join(current, "\n\n")
		if len(carry) > 0 {
			body = strings.Join(carry, " ") + " " + body
		}
		parts = append(parts, body)
		all := strings.Fields(body)
		carry = nil
		if overlap > 0 {
			carry = append(carry, all[max(0, len(all)-overlap):]...)
		}
		current, words = nil, 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		fields := strings.Fields(para)
		if len(fields) == 0 {
			continue
		}
		for len(fields) > 0 {
			room := maxWords - words - len(carry)
			if room <= 0 {
				flush()
				continue
			}
			if len(fields) <= room {
				current = append(current, strings.Join(fields, " "))
				words += len(fields)
				break
			}
			if words > 0 {
				// paragraph does not fit: start a new part with it
				flush()
				continue
			}
			current = append(current, strings.Join(fields[:room], " "))
			words += room
			fields = fields[room:]
			flush()
		}
	}
	flush()
	return parts
}

func htmlText(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	var blocks []string
	doc.Find("p, h1, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			blocks = append(blocks, t)
		}
	})
	if len(blocks) == 0 {
		return strings.Join(strings.Fields(doc.Find("body").Text()), " "), nil
	}
	return strings.Join(blocks, "\n\n"), nil
}
