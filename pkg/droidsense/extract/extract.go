// Package extract implements the stateless text extractor that turns raw
// on-screen text into sensor values. Rules are a single step or an ordered
// pipeline; any step that yields nothing collapses the pipeline to the
// configured fallback.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

var numericPattern = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

// StepError marks a failed extraction step.
type StepError struct {
	Method string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("extraction step %s: %v", e.Method, e.Err)
}

func (e *StepError) Unwrap() error {
	return util.ErrExtractionFailed
}

// Apply runs rule against source and returns the extracted value. A pipeline
// that yields nothing returns the rule's fallback; with no fallback the error
// unwraps to ErrExtractionFailed.
func Apply(rule model.ExtractionRule, source string) (string, error) {
	steps := rule.Pipeline
	if len(steps) == 0 {
		steps = []model.ExtractionStep{rule.ExtractionStep}
	}

	value := source
	for _, step := range steps {
		v, ok, err := applyStep(step, value)
		if err != nil {
			return "", err
		}
		if !ok {
			return fallback(rule)
		}
		value = v
	}

	if rule.ExtractNumeric || rule.RemoveUnit {
		n := numericPattern.FindString(value)
		if n == "" {
			return fallback(rule)
		}
		value = n
	}
	return value, nil
}

func fallback(rule model.ExtractionRule) (string, error) {
	if rule.Fallback != "" {
		return rule.Fallback, nil
	}
	return "", &StepError{Method: "pipeline", Err: fmt.Errorf("no value and no fallback")}
}

// applyStep runs one step. The ok result is false when the step matched
// nothing, which collapses the pipeline to the fallback.
func applyStep(step model.ExtractionStep, source string) (string, bool, error) {
	switch step.Method {
	case "", "exact":
		return source, true, nil

	case "regex":
		re, err := regexp.Compile(step.Pattern)
		if err != nil {
			return "", false, &StepError{Method: "regex", Err: err}
		}
		m := re.FindStringSubmatch(source)
		if m == nil {
			return "", false, nil
		}
		// First capture group when present, whole match otherwise.
		if len(m) > 1 && m[1] != "" {
			return m[1], true, nil
		}
		return m[0], true, nil

	case "numeric":
		n := numericPattern.FindString(source)
		if n == "" {
			return "", false, nil
		}
		return n, true, nil

	case "before":
		idx := strings.Index(source, step.Text)
		if idx < 0 {
			return "", false, nil
		}
		return source[:idx], true, nil

	case "after":
		idx := strings.Index(source, step.Text)
		if idx < 0 {
			return "", false, nil
		}
		return source[idx+len(step.Text):], true, nil

	case "between":
		start := strings.Index(source, step.Start)
		if start < 0 {
			return "", false, nil
		}
		rest := source[start+len(step.Start):]
		end := strings.Index(rest, step.End)
		if end < 0 {
			return "", false, nil
		}
		return rest[:end], true, nil

	case "jq":
		return applyJQ(step.Pattern, source)

	default:
		return "", false, &StepError{Method: step.Method,
			Err: fmt.Errorf("unknown extraction method")}
	}
}

// applyJQ evaluates a jq expression against JSON source text. Useful for
// dumpsys-style shell output already rendered as JSON.
func applyJQ(expr, source string) (string, bool, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return "", false, &StepError{Method: "jq", Err: err}
	}
	var input interface{}
	if err := json.Unmarshal([]byte(source), &input); err != nil {
		return "", false, nil
	}
	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok || v == nil {
		return "", false, nil
	}
	if err, isErr := v.(error); isErr {
		return "", false, &StepError{Method: "jq", Err: err}
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	default:
		out, err := json.Marshal(val)
		if err != nil {
			return "", false, &StepError{Method: "jq", Err: err}
		}
		return string(out), true, nil
	}
}
