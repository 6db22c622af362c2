// Package providers models an AI CLI backend as a value exposing
// {invoke, classify, isAvailable, getDefaultModel, listModels}: a small
// set of concrete variants plus a registry keyed by provider name rather
// than an inheritance hierarchy.
package providers

import (
	"os/exec"
	"strings"

	"github.com/steroids-run/steroids/internal/types"
)

// InvokeOptions carries the per-call parameters a Provider's BuildArgv needs;
// the actual process lifecycle (spawn, stream, watchdog) is owned by
// internal/supervisor, which calls BuildArgv to get the provider-specific
// command line and feeds the result back through Classify.
type InvokeOptions struct {
	Model  string
	CWD    string
	Prompt string
}

// RawResult is what the supervisor observed from the child process — enough
// for Classify to assign a ClassificationType without needing the process
// itself.
type RawResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Provider is the capability set every AI CLI backend exposes.
type Provider interface {
	// Name is the registry key.
	Name() string
	// BuildArgv returns the argv-array (no shell) used to invoke this
	// provider's CLI for one prompt.
	BuildArgv(opts InvokeOptions) []string
	// StreamsJSON reports whether this provider's CLI speaks
	// line-delimited {type: message|tool_call|result} events on stdout.
	StreamsJSON() bool
	// Classify buckets a finished invocation's raw result into the
	// outcome taxonomy the loop reacts to.
	Classify(r RawResult) types.Classification
	// IsAvailable reports whether this provider's CLI binary is on PATH.
	IsAvailable() bool
	// DefaultModel returns the model used when config leaves one unset,
	// which may vary by role.
	DefaultModel(role types.Role) string
	// ListModels returns the models this provider advertises; best-effort,
	// may be empty for providers with no enumeration endpoint.
	ListModels() []string
}

// base centralizes the argv-building and availability-check idiom shared
// by every CLI-backed provider: `<cli> <flags...> <prompt>`.
type base struct {
	name         string
	cli          string
	defaultModel map[types.Role]string
	models       []string
	jsonStream   bool
	extraArgs    []string
	modelFlag    string
}

func (b base) Name() string         { return b.name }
func (b base) StreamsJSON() bool    { return b.jsonStream }
func (b base) ListModels() []string { return append([]string(nil), b.models...) }

func (b base) DefaultModel(role types.Role) string {
	if m, ok := b.defaultModel[role]; ok {
		return m
	}
	return b.defaultModel[types.RoleCoder]
}

func (b base) IsAvailable() bool {
	_, err := exec.LookPath(b.cli)
	return err == nil
}

func (b base) BuildArgv(opts InvokeOptions) []string {
	argv := []string{b.cli}
	argv = append(argv, b.extraArgs...)
	model := opts.Model
	if model == "" {
		model = b.DefaultModel(types.RoleCoder)
	}
	if b.modelFlag != "" && model != "" {
		argv = append(argv, b.modelFlag, model)
	}
	argv = append(argv, opts.Prompt)
	return argv
}

// classifyByStderr applies the shared heuristic every CLI-backed provider
// uses: scan stderr (case-insensitively) for phrases that identify a known
// failure bucket, defaulting to unknown (retryable after a non-zero exit,
// non-retryable after a clean one).
func classifyByStderr(r RawResult) types.Classification {
	stderr := strings.ToLower(r.Stderr)
	switch {
	case r.TimedOut:
		return types.Classification{Type: types.ClassUnknown, Retryable: true, Message: "activity timeout"}
	case containsAny(stderr, "credit", "quota", "billing", "insufficient_quota", "rate limit exceeded"):
		return types.Classification{Type: types.ClassCreditExhaustion, Retryable: false, Message: r.Stderr}
	case containsAny(stderr, "model not found", "unknown model", "invalid model"):
		return types.Classification{Type: types.ClassModelNotFound, Retryable: false, Message: r.Stderr}
	case containsAny(stderr, "unauthorized", "invalid api key", "authentication", "forbidden"):
		return types.Classification{Type: types.ClassAuthError, Retryable: false, Message: r.Stderr}
	case containsAny(stderr, "connection refused", "timeout", "network", "econnreset", "dns"):
		return types.Classification{Type: types.ClassNetwork, Retryable: true, Message: r.Stderr}
	case r.ExitCode == 0:
		return types.Classification{Type: types.ClassUnknown, Retryable: false, Message: ""}
	default:
		return types.Classification{Type: types.ClassUnknown, Retryable: true, Message: r.Stderr}
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

type claudeProvider struct{ base }
type geminiProvider struct{ base }
type openaiProvider struct{ base }
type codexProvider struct{ base }
type mistralProvider struct{ base }

func (p claudeProvider) Classify(r RawResult) types.Classification  { return classifyByStderr(r) }
func (p geminiProvider) Classify(r RawResult) types.Classification  { return classifyByStderr(r) }
func (p openaiProvider) Classify(r RawResult) types.Classification  { return classifyByStderr(r) }
func (p codexProvider) Classify(r RawResult) types.Classification   { return classifyByStderr(r) }
func (p mistralProvider) Classify(r RawResult) types.Classification { return classifyByStderr(r) }

func claudeBase() base {
	return base{
		name: "claude", cli: "claude", modelFlag: "--model",
		extraArgs:    []string{"-p", "--output-format", "stream-json", "--verbose"},
		jsonStream:   true,
		defaultModel: map[types.Role]string{types.RoleCoder: "claude-sonnet-4-5", types.RoleReviewer: "claude-sonnet-4-5", types.RoleOrchestrator: "claude-haiku-4-5"},
		models:       []string{"claude-opus-4-1", "claude-sonnet-4-5", "claude-haiku-4-5"},
	}
}

func geminiBase() base {
	return base{
		name: "gemini", cli: "gemini", modelFlag: "--model",
		extraArgs:    []string{"-p"},
		defaultModel: map[types.Role]string{types.RoleCoder: "gemini-2.5-pro", types.RoleReviewer: "gemini-2.5-pro", types.RoleOrchestrator: "gemini-2.5-flash"},
		models:       []string{"gemini-2.5-pro", "gemini-2.5-flash"},
	}
}

func openaiBase() base {
	return base{
		name: "openai", cli: "openai", modelFlag: "--model",
		defaultModel: map[types.Role]string{types.RoleCoder: "gpt-5", types.RoleReviewer: "gpt-5", types.RoleOrchestrator: "gpt-5-mini"},
		models:       []string{"gpt-5", "gpt-5-mini"},
	}
}

func codexBase() base {
	return base{
		name: "codex", cli: "codex", modelFlag: "--model",
		extraArgs:    []string{"exec", "--json"},
		jsonStream:   true,
		defaultModel: map[types.Role]string{types.RoleCoder: "gpt-5-codex", types.RoleReviewer: "gpt-5-codex"},
		models:       []string{"gpt-5-codex"},
	}
}

func mistralBase() base {
	return base{
		name: "mistral", cli: "mistral", modelFlag: "--model",
		defaultModel: map[types.Role]string{types.RoleCoder: "codestral-latest", types.RoleReviewer: "codestral-latest"},
		models:       []string{"codestral-latest"},
	}
}

// Registry resolves a provider name to its implementation, returning a
// distinguished unavailable value for unknown names rather than failing
// construction.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry constructs the registry with every built-in provider variant,
// unmodified by any invocation template.
func NewRegistry() *Registry {
	return NewRegistryWithTemplates("")
}

// NewRegistryWithTemplates is NewRegistry, additionally overlaying any
// `<steroidsDir>/templates/<name>.toml` invocation template onto the
// matching built-in provider. A project that never added templates
// behaves identically to NewRegistry.
func NewRegistryWithTemplates(steroidsDir string) *Registry {
	tmpls := loadTemplates(steroidsDir)
	bases := map[string]base{
		"claude":  claudeBase(),
		"gemini":  geminiBase(),
		"openai":  openaiBase(),
		"codex":   codexBase(),
		"mistral": mistralBase(),
	}
	for name, t := range tmpls {
		if b, ok := bases[name]; ok {
			bases[name] = applyTemplate(b, t)
		}
	}

	r := &Registry{byName: map[string]Provider{}}
	r.byName["claude"] = claudeProvider{bases["claude"]}
	r.byName["gemini"] = geminiProvider{bases["gemini"]}
	r.byName["openai"] = openaiProvider{bases["openai"]}
	r.byName["codex"] = codexProvider{bases["codex"]}
	r.byName["mistral"] = mistralProvider{bases["mistral"]}
	return r
}

// unavailable is returned by Get for unrecognized provider names.
type unavailable struct{ name string }

func (u unavailable) Name() string                     { return u.name }
func (u unavailable) BuildArgv(InvokeOptions) []string { return nil }
func (u unavailable) StreamsJSON() bool                { return false }
func (u unavailable) IsAvailable() bool                { return false }
func (u unavailable) DefaultModel(types.Role) string   { return "" }
func (u unavailable) ListModels() []string             { return nil }
func (u unavailable) Classify(r RawResult) types.Classification {
	return types.Classification{Type: types.ClassUnknown, Retryable: false, Message: "provider " + u.name + " is not registered"}
}

// Get resolves a provider by name. Unknown names resolve to an unavailable
// value whose IsAvailable() is always false, rather than an error — callers
// (the supervisor) surface this as ProviderUnavailable.
func (r *Registry) Get(name string) Provider {
	if p, ok := r.byName[name]; ok {
		return p
	}
	return unavailable{name: name}
}
