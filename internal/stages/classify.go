package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/llm"
)

// ClassifyPlugin is the registry name of the classifier.
const ClassifyPlugin = "mod_classify"

// DefaultClassifyPrompt asks the model for the JSON the schema accepts.
const DefaultClassifyPrompt = `Classify the following news text. Reply with JSON only, in the form
{"labels": {"<dimension>": "<value>"}, "tags": ["<tag>"], "language": "<ISO 639-1 code>"}.
Use the dimensions: topic, sentiment, region.`

const classificationSchema = `{
  "type": "object",
  "required": ["labels"],
  "properties": {
    "labels": {"type": "object", "additionalProperties": {"type": "string"}},
    "tags": {"type": "array", "items": {"type": "string"}},
    "language": {"type": "string", "maxLength": 16}
  }
}`

// ClassifyConfig configures the classifier. Rules map a tag to keywords; a
// keyword found in the title or text adds the tag.
type ClassifyConfig struct {
	Rules    map[string][]string `mapstructure:"rules"`
	Service  string              `mapstructure:"service"`
	Prompt   string              `mapstructure:"prompt"`
	MaxChars int                 `mapstructure:"max_chars" validate:"gte=0"`
}

// DefaultClassifyConfig returns the classifier defaults.
func DefaultClassifyConfig() *ClassifyConfig {
	return &ClassifyConfig{Prompt: DefaultClassifyPrompt, MaxChars: 6000}
}

// Classify tags and labels items.
type Classify struct {
	named
	cfg    ClassifyConfig
	svc    Service
	deps   Deps
	schema *gojsonschema.Schema
}

type classification struct {
	Labels   map[string]string `json:"labels"`
	Tags     []string          `json:"tags"`
	Language string            `json:"language"`
}

// NewClassify validates cfg and builds the stage.
func NewClassify(name string, cfg ClassifyConfig, deps Deps) (*Classify, error) {
	if len(cfg.Rules) == 0 && cfg.Service == "" {
		return nil, harvest.NewConfigError("stages."+name, "either rules or service is required")
	}
	c := &Classify{named: named{name}, cfg: cfg, deps: deps}
	if cfg.Service != "" {
		svc, err := deps.service(name, cfg.Service)
		if err != nil {
			return nil, err
		}
		if svc.Generator == nil {
			return nil, harvest.NewConfigError("stages."+name+".service", "service %q is not a language model", cfg.Service)
		}
		c.svc = svc
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(classificationSchema))
		if err != nil {
			return nil, fmt.Errorf("load classification schema: %w", err)
		}
		c.schema = schema
	}
	if c.cfg.Prompt == "" {
		c.cfg.Prompt = DefaultClassifyPrompt
	}
	return c, nil
}

func buildClassify(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[ClassifyConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewClassify(name, *typed, deps)
}

// Process implements harvest.Stage.
func (c *Classify) Process(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	tags := ruleTags(c.cfg.Rules, item.Title+"\n"+item.Text)
	item.Metadata.Tags = mergeTags(item.Metadata.Tags, tags)

	if c.cfg.Service == "" {
		return item, nil
	}
	if strings.TrimSpace(item.Text) == "" {
		return item, fmt.Errorf("%w: no text to classify", harvest.ErrSkip)
	}

	prompt := fmt.Sprintf("%s\n\nTitle: %s\n\n%s", c.cfg.Prompt, item.Title, truncateRunes(item.Text, c.cfg.MaxChars))
	var reply string
	err := c.deps.Coordinator.Do(ctx, c.cfg.Service, func(ctx context.Context) error {
		var genErr error
		reply, genErr = c.svc.Generator.Generate(ctx, prompt)
		return genErr
	})
	if err != nil {
		return item, serviceFailure(c.name, err)
	}

	result, err := c.parse(reply)
	if err != nil {
		c.deps.Logger.Warn("classification rejected", zap.String("stage", c.name), zap.String("item_id", item.ID), zap.Error(err))
		return item, serviceFailure(c.name, llm.Malformed(c.cfg.Service, err))
	}
	if item.Metadata.Classification == nil {
		item.Metadata.Classification = make(map[string]string, len(result.Labels))
	}
	for k, v := range result.Labels {
		item.Metadata.Classification[k] = v
	}
	item.Metadata.Tags = mergeTags(item.Metadata.Tags, result.Tags)
	if item.Metadata.Language == "" {
		item.Metadata.Language = strings.ToLower(strings.TrimSpace(result.Language))
	}
	return item, nil
}

func (c *Classify) parse(reply string) (classification, error) {
	doc := llm.CleanJSONBlock(reply)
	res, err := c.schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return classification{}, fmt.Errorf("reply is not json: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, desc := range res.Errors() {
			msgs = append(msgs, desc.String())
		}
		return classification{}, errors.New(strings.Join(msgs, "; "))
	}
	var out classification
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return classification{}, fmt.Errorf("decode classification: %w", err)
	}
	return out, nil
}

func ruleTags(rules map[string][]string, text string) []string {
	lower := strings.ToLower(text)
	var tags []string
	for tag, keywords := range rules {
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				tags = append(tags, tag)
				break
			}
		}
	}
	return tags
}

// mergeTags returns the sorted union of both lists, lowercased and trimmed.
func mergeTags(existing, added []string) []string {
	set := make(map[string]struct{}, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, t := range list {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				set[t] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
