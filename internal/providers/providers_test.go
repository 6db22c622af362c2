package providers

import (
	"testing"

	"github.com/steroids-run/steroids/internal/types"
)

func TestRegistryResolvesKnownProviders(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"claude", "gemini", "openai", "codex", "mistral"} {
		p := r.Get(name)
		if p.Name() != name {
			t.Fatalf("expected provider %s, got %s", name, p.Name())
		}
	}
}

func TestRegistryUnknownProviderIsUnavailableNotError(t *testing.T) {
	r := NewRegistry()
	p := r.Get("no-such-provider")
	if p.IsAvailable() {
		t.Fatalf("expected unknown provider to be unavailable")
	}
	c := p.Classify(RawResult{})
	if c.Type != types.ClassUnknown {
		t.Fatalf("expected unknown classification, got %+v", c)
	}
	if p.BuildArgv(InvokeOptions{}) != nil {
		t.Fatalf("expected nil argv for unavailable provider")
	}
}

func TestBuildArgvUsesDefaultModelWhenUnset(t *testing.T) {
	r := NewRegistry()
	p := r.Get("claude")
	argv := p.BuildArgv(InvokeOptions{Prompt: "do the thing"})
	if len(argv) == 0 || argv[0] != "claude" {
		t.Fatalf("expected argv to start with the cli name, got %v", argv)
	}
	found := false
	for i, a := range argv {
		if a == "--model" && i+1 < len(argv) && argv[i+1] == p.DefaultModel(types.RoleCoder) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected default model to be wired into argv, got %v", argv)
	}
	if argv[len(argv)-1] != "do the thing" {
		t.Fatalf("expected prompt to be the final argv element, got %v", argv)
	}
}

func TestBuildArgvRespectsExplicitModel(t *testing.T) {
	p := NewRegistry().Get("gemini")
	argv := p.BuildArgv(InvokeOptions{Model: "gemini-2.5-flash", Prompt: "x"})
	hasModel := false
	for i, a := range argv {
		if a == "--model" && i+1 < len(argv) && argv[i+1] == "gemini-2.5-flash" {
			hasModel = true
		}
	}
	if !hasModel {
		t.Fatalf("expected explicit model to override default, got %v", argv)
	}
}

func TestClassifyCreditExhaustion(t *testing.T) {
	p := NewRegistry().Get("openai")
	c := p.Classify(RawResult{ExitCode: 1, Stderr: "Error: insufficient_quota for this account"})
	if c.Type != types.ClassCreditExhaustion {
		t.Fatalf("expected credit_exhaustion, got %+v", c)
	}
	if c.Retryable {
		t.Fatalf("expected credit exhaustion to be non-retryable")
	}
}

func TestClassifyTimeoutOverridesOtherSignals(t *testing.T) {
	p := NewRegistry().Get("claude")
	c := p.Classify(RawResult{TimedOut: true, Stderr: "insufficient_quota"})
	if c.Type != types.ClassUnknown || !c.Retryable {
		t.Fatalf("expected timed-out result to classify as retryable unknown, got %+v", c)
	}
}

func TestClassifySuccessExitZero(t *testing.T) {
	p := NewRegistry().Get("codex")
	c := p.Classify(RawResult{ExitCode: 0})
	if c.Retryable {
		t.Fatalf("expected clean exit to be non-retryable, got %+v", c)
	}
}

func TestClassifyNetworkError(t *testing.T) {
	p := NewRegistry().Get("mistral")
	c := p.Classify(RawResult{ExitCode: 1, Stderr: "dial tcp: connection refused"})
	if c.Type != types.ClassNetwork || !c.Retryable {
		t.Fatalf("expected retryable network classification, got %+v", c)
	}
}

func TestClassifyAuthError(t *testing.T) {
	p := NewRegistry().Get("claude")
	c := p.Classify(RawResult{ExitCode: 1, Stderr: "401 Unauthorized: invalid api key"})
	if c.Type != types.ClassAuthError {
		t.Fatalf("expected auth_error classification, got %+v", c)
	}
}
