// Package coordinator implements the rejection-pattern intervention:
// once a task's rejection_count reaches the intervention threshold, a
// coordinator call reviews the full coder/reviewer back-and-forth and
// returns a DECISION plus short GUIDANCE that gets attached to the next
// coder and reviewer invocations as read-only context.
//
// Unlike the coder and reviewer roles, the coordinator needs a single
// completion rather than an interactive CLI session, so it calls the
// Anthropic Messages API directly with exponential-backoff retries
// instead of spawning a subprocess.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/steroids-run/steroids/internal/types"
)

// Decision is the coordinator's structured verdict on a stuck
// coder/reviewer exchange.
type Decision string

const (
	DecisionGuideCoder       Decision = "guide_coder"
	DecisionOverrideReviewer Decision = "override_reviewer"
	DecisionNarrowScope      Decision = "narrow_scope"
)

// InterventionThreshold is the rejection_count at which the loop must
// invoke the coordinator before the next coder call.
const InterventionThreshold = 3

// maxGuidanceWords caps GUIDANCE at 500 words; the prompt asks for this
// directly, and the parser truncates whatever comes back.
const maxGuidanceWords = 500

const (
	defaultModel   = "claude-3-5-haiku-20241022"
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when no Anthropic API key is available.
var ErrAPIKeyRequired = errors.New("coordinator: API key required")

// RejectionRound is one coder attempt and its reviewer verdict, part of the
// history handed to the coordinator.
type RejectionRound struct {
	RejectionNumber int
	CoderResponse   string
	ReviewerNotes   string
}

// Result is the coordinator's parsed response.
type Result struct {
	Decision Decision
	Guidance string
	Raw      string
}

// Client wraps the Anthropic Messages API for rejection-pattern
// intervention calls.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
	log            *Log // nil disables logging
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the coordinator model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = anthropic.Model(model)
		}
	}
}

// WithLog attaches an append-only intervention log.
func WithLog(l *Log) Option {
	return func(c *Client) { c.log = l }
}

// New constructs a coordinator Client. ANTHROPIC_API_KEY takes precedence
// over an explicit apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", ErrAPIKeyRequired)
	}

	c := &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          defaultModel,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Intervene reviews a task's rejection history and returns a decision plus
// guidance for the next coder/reviewer round. Coordinator failure is
// non-fatal by design: callers
// should log the error and continue rather than treat it as fatal.
func (c *Client) Intervene(ctx context.Context, task *types.Task, history []RejectionRound) (*Result, error) {
	prompt := renderPrompt(task, history)

	raw, err := c.callWithRetry(ctx, prompt)
	if c.log != nil {
		entry := LogEntry{TaskID: task.ID, Prompt: prompt, Response: raw}
		if err != nil {
			entry.Error = err.Error()
		}
		_ = c.log.Append(entry) // best-effort, never fails the intervention
	}
	if err != nil {
		return nil, err
	}

	result := parseResult(raw)
	return result, nil
}

func (c *Client) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return "", fmt.Errorf("failed after %d attempts: %w", c.maxRetries+1, lastErr)
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

func renderPrompt(task *types.Task, history []RejectionRound) string {
	var sb strings.Builder
	sb.WriteString("A coder and reviewer are stuck in a rejection loop on one task. ")
	sb.WriteString("Review the history below and decide how to break the deadlock.\n\n")
	fmt.Fprintf(&sb, "Task: %s\n\n", task.Title)
	for _, r := range history {
		fmt.Fprintf(&sb, "--- Rejection #%d ---\n", r.RejectionNumber)
		fmt.Fprintf(&sb, "Coder response:\n%s\n\n", r.CoderResponse)
		fmt.Fprintf(&sb, "Reviewer notes:\n%s\n\n", r.ReviewerNotes)
	}
	sb.WriteString("Respond in exactly this format:\n")
	sb.WriteString("DECISION: guide_coder | override_reviewer | narrow_scope\n")
	sb.WriteString("GUIDANCE: <500 words or fewer, directed at whichever side needs it>\n")
	return sb.String()
}

var (
	decisionLine = regexp.MustCompile(`(?mi)^DECISION:\s*(\S+)`)
	guidanceLine = regexp.MustCompile(`(?mis)^GUIDANCE:\s*(.*)`)
)

// parseResult extracts DECISION/GUIDANCE from the coordinator's free-text
// reply. An unrecognized or missing DECISION falls back to guide_coder,
// the least disruptive of the three options.
func parseResult(raw string) *Result {
	decision := DecisionGuideCoder
	if m := decisionLine.FindStringSubmatch(raw); m != nil {
		switch Decision(strings.ToLower(strings.TrimSpace(m[1]))) {
		case DecisionGuideCoder:
			decision = DecisionGuideCoder
		case DecisionOverrideReviewer:
			decision = DecisionOverrideReviewer
		case DecisionNarrowScope:
			decision = DecisionNarrowScope
		}
	}

	guidance := ""
	if m := guidanceLine.FindStringSubmatch(raw); m != nil {
		guidance = truncateWords(strings.TrimSpace(m[1]), maxGuidanceWords)
	}

	return &Result{Decision: decision, Guidance: guidance, Raw: raw}
}

func truncateWords(s string, max int) string {
	words := strings.Fields(s)
	if len(words) <= max {
		return s
	}
	return strings.Join(words[:max], " ")
}
