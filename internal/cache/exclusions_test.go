package cache

import (
	"testing"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Excludes("openai", "gpt-4o") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
}

func TestExclusionList_Exact(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4o", "anthropic/claude-3-opus"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		provider, model string
		want            bool
	}{
		{"openai", "gpt-4o", true},
		{"openai", "gpt-4-turbo", false},
		{"openai", "GPT-4O", false}, // case-sensitive
		{"anthropic", "claude-3-opus", true},
		{"together", "claude-3-opus", false}, // qualified rule is provider-specific
	}
	for _, c := range cases {
		if got := el.Excludes(c.provider, c.model); got != c.want {
			t.Errorf("Excludes(%q, %q) = %v, want %v", c.provider, c.model, got, c.want)
		}
	}
}

func TestExclusionList_Patterns(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`^gpt-4`, `^groq/`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		provider, model string
		want            bool
	}{
		{"openai", "gpt-4o", true},
		{"openai", "gpt-4", true},
		{"openai", "gpt-3.5-turbo", false},
		{"groq", "llama-3.1-8b-instant", true},
		{"together", "llama-3.1-8b-instant", false},
	}
	for _, c := range cases {
		if got := el.Excludes(c.provider, c.model); got != c.want {
			t.Errorf("Excludes(%q, %q) = %v, want %v", c.provider, c.model, got, c.want)
		}
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{`[invalid(`}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExclusionList_EmptyStringsSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "gpt-4o", ""}, []string{"", `^claude`})
	if err != nil {
		t.Fatal(err)
	}
	if el.Len() != 2 {
		t.Errorf("Len = %d, want 2", el.Len())
	}
}
