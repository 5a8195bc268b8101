// Package judge asks a language model for an advisory verdict on a
// submission. Verdicts never move funds; the client still selects the
// winner.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"bountyline/internal/domain"
	"bountyline/internal/telemetry"
)

const (
	DefaultModel      = "claude-sonnet-4-5"
	DefaultMaxTokens  = 1024
	DefaultURLTimeout = 10 * time.Second
)

// ErrDisabled is returned when no judge is configured.
var ErrDisabled = errors.New("judge is not enabled")

// Completer sends one prompt and returns the text of the reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// AnthropicCompleter calls the Messages API.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicCompleter(cfg Config) (*AnthropicCompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for the judge")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicCompleter{client: &client, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

func (c *AnthropicCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// URLChecker reports whether a submission URL can be fetched.
type URLChecker interface {
	Check(ctx context.Context, url string) error
}

// HTTPURLChecker sends a HEAD request and accepts any 2xx reply.
type HTTPURLChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

func (c HTTPURLChecker) Check(ctx context.Context, url string) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultURLTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return nil
}

// Evaluation is the material the judge sees.
type Evaluation struct {
	Task       domain.Task
	Submission domain.Submission
}

type Verdict struct {
	Approved  bool   `json:"approved"`
	Rating    uint8  `json:"rating"`
	Reasoning string `json:"reasoning"`
	Feedback  string `json:"feedback"`
	Model     string `json:"model,omitempty"`
	// Manual is set when the reply could not be parsed.
	Manual bool `json:"manual_review"`
}

// ManualReview is returned when the model reply is unusable.
var ManualReview = Verdict{
	Approved:  false,
	Rating:    2,
	Reasoning: "Unable to automatically evaluate. Manual review required.",
	Feedback:  "The judge could not evaluate this submission automatically.",
	Manual:    true,
}

// unreachable is returned without asking the model when the submission
// URL cannot be fetched.
func unreachable(err error) Verdict {
	return Verdict{
		Approved:  false,
		Rating:    1,
		Reasoning: "Submission URL is not accessible: " + err.Error(),
		Feedback:  "Please provide a working URL to your submission.",
	}
}

type Judge struct {
	completer Completer
	urls      URLChecker
	model     string
	telemetry *telemetry.Provider
}

func New(c Completer, model string, tel *telemetry.Provider) *Judge {
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Judge{completer: c, urls: HTTPURLChecker{}, model: model, telemetry: tel}
}

// WithURLChecker replaces the submission URL check. nil skips it.
func (j *Judge) WithURLChecker(u URLChecker) *Judge {
	j.urls = u
	return j
}

// Evaluate returns the model's verdict. A submission URL that cannot be
// fetched gets a rating-1 rejection without a model call. Transport
// failures are errors; an unparsable reply is the ManualReview verdict.
func (j *Judge) Evaluate(ctx context.Context, ev Evaluation) (v Verdict, err error) {
	if j == nil || j.completer == nil {
		return Verdict{}, ErrDisabled
	}
	start := time.Now()
	ctx, span := telemetry.StartClientSpan(ctx, j.telemetry.Tracer, "judge.evaluate",
		telemetry.AttrTaskID.Int64(int64(ev.Task.ID)),
		telemetry.AttrAgent.String(ev.Submission.Agent),
		telemetry.AttrModel.String(j.model),
	)
	defer func() {
		telemetry.EndSpan(span, err, "")
		if m := j.telemetry.Metrics; m != nil {
			m.JudgeDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if j.urls != nil {
		if uerr := j.urls.Check(ctx, ev.Submission.URL); uerr != nil {
			v = unreachable(uerr)
			v.Model = j.model
			return v, nil
		}
	}

	text, err := j.completer.Complete(ctx, BuildPrompt(ev))
	if err != nil {
		return Verdict{}, err
	}
	v, ok := ParseVerdict(text)
	if !ok {
		v = ManualReview
	}
	v.Model = j.model
	return v, nil
}

// BuildPrompt renders the judging instructions for one submission.
func BuildPrompt(ev Evaluation) string {
	t, s := ev.Task, ev.Submission
	var b strings.Builder
	b.WriteString("You are the judge for a marketplace where agents complete bounty tasks for clients.\n\n")
	b.WriteString("Decide whether the submission meets the task's requirements and should be approved for payment.\n\n")
	b.WriteString("## Task\n")
	fmt.Fprintf(&b, "- Title: %s\n", t.Title)
	fmt.Fprintf(&b, "- Description: %s\n", t.Description)
	fmt.Fprintf(&b, "- Requirements: %s\n", t.Requirements)
	fmt.Fprintf(&b, "- Bounty: %d\n\n", t.BountyAmount)
	b.WriteString("## Submission\n")
	fmt.Fprintf(&b, "- URL: %s\n", s.URL)
	fmt.Fprintf(&b, "- Notes: %s\n\n", s.Notes)
	b.WriteString(`Respond ONLY with a JSON object:
{"approved": true|false, "rating": 1-5, "reasoning": "...", "feedback": "..."}

Rating scale:
5 exceeds all requirements
4 meets all requirements well
3 meets the minimum requirements
2 partially meets the requirements
1 does not meet the requirements

Check that the URL points at real content, that every stated requirement is met,
that the quality fits the bounty, and that the notes explain the work.
`)
	return b.String()
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ParseVerdict extracts the first-to-last brace span of text as a verdict.
// The rating is rounded and clamped into 1..5.
func ParseVerdict(text string) (Verdict, bool) {
	raw := jsonObject.FindString(text)
	if raw == "" {
		return Verdict{}, false
	}
	var out struct {
		Approved  bool    `json:"approved"`
		Rating    float64 `json:"rating"`
		Reasoning string  `json:"reasoning"`
		Feedback  string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Verdict{}, false
	}
	return Verdict{
		Approved:  out.Approved,
		Rating:    clampRating(out.Rating),
		Reasoning: out.Reasoning,
		Feedback:  out.Feedback,
	}, true
}

func clampRating(r float64) uint8 {
	if math.IsNaN(r) {
		return 1
	}
	r = math.Round(r)
	if r < 1 {
		return 1
	}
	if r > 5 {
		return 5
	}
	return uint8(r)
}
