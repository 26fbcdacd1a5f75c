package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/CRJFisher/bergamot/internal/types"
)

// errAPIKeyRequired is returned when no Anthropic API key is available.
var errAPIKeyRequired = errors.New("workflow: ANTHROPIC_API_KEY required")

// AnthropicWorkflow is the one concrete Workflow implementation named in
// SPEC_FULL.md's DOMAIN STACK: it exercises the Dispatcher's
// content-then-analysis ordering contract against a real analysis
// provider, grounded on internal/compact/haiku.go's retry/backoff shape.
type AnthropicWorkflow struct {
	client         anthropic.Client
	model          anthropic.Model
	prompt         *template.Template
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropicWorkflow builds an adapter. apiKey is overridden by
// ANTHROPIC_API_KEY if that env var is set, matching the teacher's
// newHaikuClient precedence.
func NewAnthropicWorkflow(apiKey, model string) (*AnthropicWorkflow, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	tmpl, err := template.New("tree_analysis").Parse(analysisPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse analysis prompt template: %w", err)
	}

	if model == "" {
		model = "claude-haiku-4-5"
	}

	return &AnthropicWorkflow{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		prompt:         tmpl,
		maxRetries:     3,
		initialBackoff: time.Second,
	}, nil
}

// analysisResponse is the strict JSON shape the prompt asks Claude to
// return, parsed back into types.Analysis/types.TreeIntention.
type analysisResponse struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Intentions []string `json:"intentions"`
}

// Analyze implements workflow.Workflow.
func (w *AnthropicWorkflow) Analyze(ctx context.Context, members []types.VisitWithMeta, newVisit types.Visit, rawContent string) (types.Analysis, []types.TreeIntention, error) {
	prompt, err := w.renderPrompt(members, newVisit, rawContent)
	if err != nil {
		return types.Analysis{}, nil, fmt.Errorf("render analysis prompt: %w", err)
	}

	text, err := w.callWithRetry(ctx, prompt)
	if err != nil {
		return types.Analysis{}, nil, err
	}

	var parsed analysisResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return types.Analysis{}, nil, fmt.Errorf("parse analysis response: %w", err)
	}

	analysis := types.Analysis{
		VisitID:    newVisit.VisitID,
		Title:      parsed.Title,
		Summary:    parsed.Summary,
		Intentions: parsed.Intentions,
	}
	treeIntentions := []types.TreeIntention{
		{TreeID: newVisit.TreeID, VisitID: newVisit.VisitID, Intentions: parsed.Intentions},
	}
	return analysis, treeIntentions, nil
}

// callWithRetry follows the dolt store's withRetry shape: an exponential
// backoff.BackOff bounded by WithMaxRetries, a backoff.Permanent wrapper
// for errors that should stop retrying immediately, and
// backoff.WithContext so a cancelled ctx aborts the wait between attempts.
func (w *AnthropicWorkflow) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     w.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.initialBackoff

	var result string
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		message, err := w.client.Messages.New(ctx, params)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(fmt.Errorf("anthropic: non-retryable: %w", err))
			}
			return err
		}
		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("anthropic: empty response"))
		}
		block := message.Content[0]
		if block.Type != "text" {
			return backoff.Permanent(fmt.Errorf("anthropic: unexpected content type %q", block.Type))
		}
		result = block.Text
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.maxRetries)), ctx))

	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return "", permanent.Unwrap()
		}
		return "", fmt.Errorf("anthropic: failed after %d attempts: %w", attempts, err)
	}
	return result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func (w *AnthropicWorkflow) renderPrompt(members []types.VisitWithMeta, newVisit types.Visit, rawContent string) (string, error) {
	var urls []string
	for _, m := range members {
		urls = append(urls, m.URL)
	}

	var sb strings.Builder
	data := struct {
		TreeURLs   string
		NewURL     string
		RawContent string
	}{
		TreeURLs:   strings.Join(urls, "\n"),
		NewURL:     newVisit.URL,
		RawContent: rawContent,
	}
	if err := w.prompt.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

const analysisPromptTemplate = `You are analysing a browser navigation tree. Other pages already visited in this tree:
{{.TreeURLs}}

The newly loaded page is: {{.NewURL}}

Page body:
{{.RawContent}}

Respond with a single JSON object, no other text, of the shape:
{"title": "...", "summary": "...", "intentions": ["...", "..."]}`
