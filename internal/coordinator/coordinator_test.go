package coordinator

import (
	"strings"
	"testing"
)

func TestParseResultExtractsDecisionAndGuidance(t *testing.T) {
	raw := "Some preamble.\n\nDECISION: override_reviewer\nGUIDANCE: Accept the coder's null-check placement; it matches existing conventions in this package.\n"

	result := parseResult(raw)
	if result.Decision != DecisionOverrideReviewer {
		t.Fatalf("expected override_reviewer, got %q", result.Decision)
	}
	if !strings.Contains(result.Guidance, "null-check placement") {
		t.Fatalf("expected guidance to be extracted, got %q", result.Guidance)
	}
}

func TestParseResultFallsBackToGuideCoderOnUnrecognizedDecision(t *testing.T) {
	raw := "DECISION: give_up\nGUIDANCE: none\n"

	result := parseResult(raw)
	if result.Decision != DecisionGuideCoder {
		t.Fatalf("expected fallback to guide_coder, got %q", result.Decision)
	}
}

func TestParseResultHandlesMissingDecisionLine(t *testing.T) {
	raw := "The coordinator forgot the format entirely."

	result := parseResult(raw)
	if result.Decision != DecisionGuideCoder {
		t.Fatalf("expected default guide_coder when DECISION is absent, got %q", result.Decision)
	}
	if result.Guidance != "" {
		t.Fatalf("expected empty guidance when GUIDANCE is absent, got %q", result.Guidance)
	}
}

func TestTruncateWordsCapsAtLimit(t *testing.T) {
	words := make([]string, 600)
	for i := range words {
		words[i] = "word"
	}
	long := strings.Join(words, " ")

	truncated := truncateWords(long, maxGuidanceWords)
	if got := len(strings.Fields(truncated)); got != maxGuidanceWords {
		t.Fatalf("expected truncation to %d words, got %d", maxGuidanceWords, got)
	}
}

func TestTruncateWordsLeavesShortTextUntouched(t *testing.T) {
	short := "narrow the scope to just the parser change"
	if got := truncateWords(short, maxGuidanceWords); got != short {
		t.Fatalf("expected short text unchanged, got %q", got)
	}
}
