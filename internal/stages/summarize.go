package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// SummarizePlugin is the registry name of the summarizer.
const SummarizePlugin = "mod_summarize"

const (
	// TokensPerWord estimates model tokens from a word count.
	TokensPerWord = 1.33
	// MinSummaryChars is the shortest summary worth keeping.
	MinSummaryChars = 25
	// DefaultContextLen applies when the service sets no context length.
	DefaultContextLen = 8000
)

// SummarizeConfig configures the summarizer.
type SummarizeConfig struct {
	Service    string `mapstructure:"service" validate:"required"`
	PartPrompt string `mapstructure:"prompt_summary_part"`
	ExecPrompt string `mapstructure:"prompt_summary_exec"`
	Overwrite  bool   `mapstructure:"overwrite"`
}

// DefaultSummarizeConfig returns the summarizer defaults.
func DefaultSummarizeConfig() *SummarizeConfig {
	return &SummarizeConfig{
		PartPrompt: "Summarize this text:\n",
		ExecPrompt: "Write an executive summary of this article:\n",
	}
}

// Summarize writes part summaries and an executive summary. Text that fits
// the model context is summarized in one call; longer text is summarized
// part by part first and the executive summary is built from those.
type Summarize struct {
	named
	cfg        SummarizeConfig
	svc        Service
	contextLen int
	deps       Deps
}

// NewSummarize validates cfg and builds the stage.
func NewSummarize(name string, cfg SummarizeConfig, deps Deps) (*Summarize, error) {
	if cfg.Service == "" {
		return nil, harvest.NewConfigError("stages."+name+".service", "service is required")
	}
	svc, err := deps.service(name, cfg.Service)
	if err != nil {
		return nil, err
	}
	if svc.Generator == nil {
		return nil, harvest.NewConfigError("stages."+name+".service", "service %q is not a language model", cfg.Service)
	}
	defaults := DefaultSummarizeConfig()
	if cfg.PartPrompt == "" {
		cfg.PartPrompt = defaults.PartPrompt
	}
	if cfg.ExecPrompt == "" {
		cfg.ExecPrompt = defaults.ExecPrompt
	}
	contextLen := svc.MaxContextLen
	if contextLen <= 0 {
		contextLen = DefaultContextLen
	}
	return &Summarize{named: named{name}, cfg: cfg, svc: svc, contextLen: contextLen, deps: deps}, nil
}

func buildSummarize(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[SummarizeConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewSummarize(name, *typed, deps)
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) float64 {
	return TokensPerWord * float64(len(strings.Fields(text)))
}

// Process implements harvest.Stage.
func (s *Summarize) Process(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	if strings.TrimSpace(item.Text) == "" && len(item.Parts) == 0 {
		return item, fmt.Errorf("%w: no text to summarize", harvest.ErrSkip)
	}
	logger := s.deps.Logger.With(zap.String("stage", s.name), zap.String("item_id", item.ID))

	execPrompt := s.cfg.ExecPrompt + "\n" + item.Title
	if item.Metadata.PublishedAt != nil {
		execPrompt += "\nPublish Date: " + item.Metadata.PublishedAt.Format("2006-01-02")
	}

	source := item.Text
	if EstimateTokens(execPrompt)+EstimateTokens(item.Text) > float64(s.contextLen) && len(item.Parts) > 0 {
		logger.Debug("summarizing by parts", zap.Int("parts", len(item.Parts)))
		summaries := make([]string, 0, len(item.Parts))
		item.Parts = append([]harvest.Part(nil), item.Parts...)
		for i := range item.Parts {
			part := &item.Parts[i]
			if !s.cfg.Overwrite && len(part.Summary) > MinSummaryChars {
				summaries = append(summaries, part.Summary)
				continue
			}
			if len(strings.TrimSpace(part.Text)) <= MinSummaryChars {
				logger.Debug("part too short to summarize", zap.Int("part", part.ID))
				continue
			}
			summary, err := s.generate(ctx, s.cfg.PartPrompt+"\n"+part.Text)
			if err != nil {
				return item, err
			}
			part.Summary = summary
			summaries = append(summaries, summary)
		}
		source = strings.Join(summaries, "\n")
	}
	source = s.fitContext(execPrompt, source)

	if !s.cfg.Overwrite && len(item.Metadata.Summary) >= MinSummaryChars {
		return item, nil
	}
	if strings.TrimSpace(source) == "" {
		return item, fmt.Errorf("%w: nothing left to summarize", harvest.ErrSkip)
	}
	summary, err := s.generate(ctx, execPrompt+"\n\n"+source)
	if err != nil {
		return item, err
	}
	item.Metadata.Summary = summary
	return item, nil
}

// fitContext trims text so prompt and text together stay within the model
// context estimate.
func (s *Summarize) fitContext(prompt, text string) string {
	budget := int(float64(s.contextLen)/TokensPerWord) - len(strings.Fields(prompt))
	words := strings.Fields(text)
	if budget <= 0 || len(words) <= budget {
		return text
	}
	return strings.Join(words[:budget], " ")
}

func (s *Summarize) generate(ctx context.Context, prompt string) (string, error) {
	var out string
	err := s.deps.Coordinator.Do(ctx, s.cfg.Service, func(ctx context.Context) error {
		var genErr error
		out, genErr = s.svc.Generator.Generate(ctx, prompt)
		return genErr
	})
	if err != nil {
		return "", serviceFailure(s.name, err)
	}
	return strings.TrimSpace(out), nil
}
