package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lox/pikasurvey/internal/diagnose"
	"github.com/lox/pikasurvey/internal/dredge"
	"github.com/lox/pikasurvey/internal/effects"
	"github.com/lox/pikasurvey/internal/models"
)

// Summary collects the results a narrative is written from.
type Summary struct {
	Selection   *dredge.Result
	Diagnostics *diagnose.Report
	YearMeans   []effects.Estimate
	Climate     []models.ClimateYear
	Rows        int
	Dropped     int
	Sites       int
}

// Facts renders the summary as plain lines, the only material a narrator
// may draw on.
func (s Summary) Facts() []string {
	var lines []string
	add := func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }

	add("Survey rows used: %d across %d sites (%d rows excluded for missing covariates).", s.Rows, s.Sites, s.Dropped)
	if s.Selection != nil && len(s.Selection.Models) > 0 {
		sel := s.Selection
		top := sel.Top()
		add("Family: %s. Candidate models ranked by AICc: %d fitted, %d failed.", sel.Family, len(sel.Models), len(sel.Failed))
		add("Top model: %s (AICc %.2f, Akaike weight %.2f).", top.Formula(), top.AICc, top.Weight)
		for _, m := range sel.Models[1:min(len(sel.Models), 4)] {
			add("Runner-up: %s (delta AICc %.2f, weight %.2f).", m.Formula(), m.Delta, m.Weight)
		}
		for _, c := range top.Fit.Coefficients(0.95) {
			add("Coefficient %s: %.3f (95%% CI %.3f to %.3f, p=%.3g).", c.Name, c.Estimate, c.Lower, c.Upper, c.P)
		}
		add("Random intercept sd across sites: %.3f.", top.Fit.Sigma)
	}
	for _, e := range s.YearMeans {
		add("Marginal mean %d: %.3f (%.3f to %.3f).", e.Year, e.Response, e.Lower, e.Upper)
	}
	if d := s.Diagnostics; d != nil {
		if d.Flagged {
			add("Residual diagnostics flagged: %s.", strings.Join(d.Concerns, "; "))
		} else {
			add("Residual diagnostics: no concerns (uniformity p=%.3g, dispersion p=%.3g, zero-inflation p=%.3g).",
				d.Uniformity.P, d.Dispersion.P, d.ZeroInfl.P)
		}
	}
	for _, y := range s.Climate {
		add("Climate %d: summer max %s, winter mean %s, precipitation %s.",
			y.Year, nullNum(y.SummerMax), nullNum(y.WinterMean), nullNum(y.PrecipTotal))
	}
	return lines
}

// Narrator turns report facts into prose.
type Narrator interface {
	Narrate(ctx context.Context, facts []string) (string, error)
}

const systemPrompt = "You are a field ecologist summarizing a pika haypile survey analysis for a technical report. " +
	"Write three short paragraphs of markdown covering model selection, effects and model adequacy. " +
	"Use only the numbers provided and do not invent facts."

// OpenAINarrator writes narratives with the OpenAI chat API.
type OpenAINarrator struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAINarrator reads the OPENAI_API_KEY environment variable.
func NewOpenAINarrator(model string) (*OpenAINarrator, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	n := &OpenAINarrator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModelGPT4oMini,
	}
	if model != "" {
		n.model = openai.ChatModel(model)
	}
	return n, nil
}

func (n *OpenAINarrator) Narrate(ctx context.Context, facts []string) (string, error) {
	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: n.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(strings.Join(facts, "\n")),
		},
	})
	if err != nil {
		return "", fmt.Errorf("narrative request failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("empty narrative returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// WriteNarrative asks the narrator for prose and writes it with the
// underlying facts appended.
func WriteNarrative(ctx context.Context, n Narrator, path string, s Summary) error {
	facts := s.Facts()
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	text, err := n.Narrate(ctx, facts)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# Pika haypile analysis\n\n")
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\n\n## Facts\n\n")
	for _, f := range facts {
		b.WriteString("- " + f + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write narrative: %w", err)
	}
	log.Printf("report: wrote narrative (%d facts)", len(facts))
	return nil
}
