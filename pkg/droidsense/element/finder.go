// Package element locates UI elements by cascading recognition strategies,
// each with a fixed confidence score. Higher-confidence strategies run
// first; ambiguity within a strategy is broken by center distance to the
// stored bounds.
package element

import (
	"math"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
)

// Strategy confidence scores.
const (
	ConfidenceResourceID = 1.00
	ConfidencePath       = 0.95
	ConfidenceTextClass  = 0.90
	ConfidenceTextOnly   = 0.70
	ConfidenceClassnear  = 0.50
	ConfidenceBoundsOnly = 0.30
)

// ApproxBoundsTolerance is the maximum center distance in pixels for the
// class+bounds strategy.
const ApproxBoundsTolerance = 50.0

// Match is the finder result.
type Match struct {
	Found      bool
	Element    *model.UIElement
	Bounds     *model.Bounds
	Confidence float64
	Method     string
}

// Find locates the element described by ref among elements. Returns a
// zero-value Match with Found=false when every strategy misses.
func Find(ref model.ElementRef, elements []model.UIElement) Match {
	if ref.ResourceID != "" {
		if m := pick(elements, ref.Bounds, func(e *model.UIElement) bool {
			return e.ResourceID == ref.ResourceID
		}); m != nil {
			return found(m, ConfidenceResourceID, "resource_id")
		}
	}

	if ref.Path != "" {
		if m := pick(elements, ref.Bounds, func(e *model.UIElement) bool {
			return e.Path == ref.Path
		}); m != nil {
			return found(m, ConfidencePath, "hierarchy_path")
		}
	}

	if ref.Text != "" && ref.Class != "" {
		if m := pick(elements, ref.Bounds, func(e *model.UIElement) bool {
			return e.Text == ref.Text && e.Class == ref.Class
		}); m != nil {
			return found(m, ConfidenceTextClass, "text_class")
		}
	}

	if ref.Text != "" {
		if m := pick(elements, ref.Bounds, func(e *model.UIElement) bool {
			return e.Text == ref.Text
		}); m != nil {
			return found(m, ConfidenceTextOnly, "text")
		}
	}

	if ref.Class != "" && ref.Bounds != nil {
		if m := pick(elements, ref.Bounds, func(e *model.UIElement) bool {
			return e.Class == ref.Class &&
				centerDistance(e.Bounds, *ref.Bounds) <= ApproxBoundsTolerance
		}); m != nil {
			return found(m, ConfidenceClassnear, "class_approx_bounds")
		}
	}

	if ref.Bounds != nil {
		b := *ref.Bounds
		return Match{
			Found:      true,
			Bounds:     &b,
			Confidence: ConfidenceBoundsOnly,
			Method:     "stored_bounds",
		}
	}

	return Match{}
}

func found(e *model.UIElement, confidence float64, method string) Match {
	b := e.Bounds
	return Match{
		Found:      true,
		Element:    e,
		Bounds:     &b,
		Confidence: confidence,
		Method:     method,
	}
}

// pick returns the matching element, breaking ties by center distance to the
// stored bounds. Without stored bounds the first match wins.
func pick(elements []model.UIElement, stored *model.Bounds, match func(*model.UIElement) bool) *model.UIElement {
	var best *model.UIElement
	bestDist := math.MaxFloat64
	for i := range elements {
		e := &elements[i]
		if !match(e) {
			continue
		}
		if stored == nil {
			return e
		}
		d := centerDistance(e.Bounds, *stored)
		if d < bestDist {
			best = e
			bestDist = d
		}
	}
	return best
}

func centerDistance(a, b model.Bounds) float64 {
	dx := float64(a.CenterX() - b.CenterX())
	dy := float64(a.CenterY() - b.CenterY())
	return math.Sqrt(dx*dx + dy*dy)
}
