package extract

import (
	"errors"
	"testing"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

func step(method string) model.ExtractionStep {
	return model.ExtractionStep{Method: method}
}

func TestApply_SingleSteps(t *testing.T) {
	tests := []struct {
		name   string
		rule   model.ExtractionRule
		source string
		want   string
	}{
		{"exact passthrough",
			model.ExtractionRule{ExtractionStep: step("exact")}, "22.5°", "22.5°"},
		{"empty method is exact",
			model.ExtractionRule{}, "raw", "raw"},
		{"numeric finds first signed decimal",
			model.ExtractionRule{ExtractionStep: step("numeric")},
			"temp -12.5 °C outside", "-12.5"},
		{"regex whole match",
			model.ExtractionRule{ExtractionStep: model.ExtractionStep{
				Method: "regex", Pattern: `\d+%`}}, "94% remaining", "94%"},
		{"regex capture group",
			model.ExtractionRule{ExtractionStep: model.ExtractionStep{
				Method: "regex", Pattern: `(\d+)%`}}, "94% remaining", "94"},
		{"before",
			model.ExtractionRule{ExtractionStep: model.ExtractionStep{
				Method: "before", Text: " kWh"}}, "3.21 kWh today", "3.21"},
		{"after",
			model.ExtractionRule{ExtractionStep: model.ExtractionStep{
				Method: "after", Text: "SOC: "}}, "SOC: 81%", "81%"},
		{"between",
			model.ExtractionRule{ExtractionStep: model.ExtractionStep{
				Method: "between", Start: "[", End: "]"}}, "state [charging] now", "charging"},
		{"jq string value",
			model.ExtractionRule{ExtractionStep: model.ExtractionStep{
				Method: "jq", Pattern: ".battery.level"}},
			`{"battery":{"level":"87"}}`, "87"},
		{"jq numeric value marshals",
			model.ExtractionRule{ExtractionStep: model.ExtractionStep{
				Method: "jq", Pattern: ".watts"}}, `{"watts":230.5}`, "230.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.rule, tt.source)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApply_NumericWithUnitStrip(t *testing.T) {
	rule := model.ExtractionRule{ExtractionStep: step("numeric"), RemoveUnit: true}

	tests := []struct {
		source string
		want   string
	}{
		{"94%", "94"},
		{"-12.5 °C", "-12.5"},
	}
	for _, tt := range tests {
		got, err := Apply(rule, tt.source)
		if err != nil {
			t.Fatalf("Apply(%q): %v", tt.source, err)
		}
		if got != tt.want {
			t.Errorf("Apply(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestApply_FallbackOnNoMatch(t *testing.T) {
	rule := model.ExtractionRule{
		ExtractionStep: step("numeric"),
		Fallback:       "0",
	}
	got, err := Apply(rule, "N/A")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "0" {
		t.Errorf("Apply = %q, want %q", got, "0")
	}
}

func TestApply_NoMatchNoFallback(t *testing.T) {
	rule := model.ExtractionRule{ExtractionStep: step("numeric")}
	_, err := Apply(rule, "N/A")
	if err == nil {
		t.Fatal("expected extraction failure")
	}
	if !errors.Is(err, util.ErrExtractionFailed) {
		t.Errorf("expected ErrExtractionFailed, got %v", err)
	}
}

func TestApply_PipelineCollapsesToFallback(t *testing.T) {
	rule := model.ExtractionRule{
		Pipeline: []model.ExtractionStep{
			{Method: "after", Text: "SOC: "},
			{Method: "numeric"},
		},
		Fallback: "unknown",
	}
	// Second step fine, first step misses: whole pipeline yields fallback.
	got, err := Apply(rule, "no battery line here")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "unknown" {
		t.Errorf("Apply = %q, want fallback", got)
	}
}

func TestApply_PipelineOrdering(t *testing.T) {
	rule := model.ExtractionRule{
		Pipeline: []model.ExtractionStep{
			{Method: "between", Start: "(", End: ")"},
			{Method: "numeric"},
		},
	}
	got, err := Apply(rule, "usage (12.3 GB) of 64 GB")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "12.3" {
		t.Errorf("Apply = %q, want %q", got, "12.3")
	}
}

func TestApply_IdentityStepsAssociative(t *testing.T) {
	direct := model.ExtractionRule{ExtractionStep: step("numeric")}
	padded := model.ExtractionRule{
		Pipeline: []model.ExtractionStep{
			{Method: "exact"}, {Method: "exact"}, {Method: "numeric"},
		},
	}
	a, err := Apply(direct, "78% charged")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Apply(padded, "78% charged")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("padded pipeline %q != direct %q", b, a)
	}
}

func TestApply_BadRegexIsExtractionFailed(t *testing.T) {
	rule := model.ExtractionRule{ExtractionStep: model.ExtractionStep{
		Method: "regex", Pattern: `([`}}
	_, err := Apply(rule, "anything")
	if err == nil {
		t.Fatal("expected error for bad regex")
	}
	if !errors.Is(err, util.ErrExtractionFailed) {
		t.Errorf("expected ErrExtractionFailed, got %v", err)
	}
}

func TestApply_UnknownMethod(t *testing.T) {
	rule := model.ExtractionRule{ExtractionStep: step("sorcery")}
	if _, err := Apply(rule, "x"); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestApply_JQNonJSONFallsBack(t *testing.T) {
	rule := model.ExtractionRule{
		ExtractionStep: model.ExtractionStep{Method: "jq", Pattern: ".x"},
		Fallback:       "none",
	}
	got, err := Apply(rule, "not json at all")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "none" {
		t.Errorf("Apply = %q, want fallback", got)
	}
}
