package element

import (
	"testing"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
)

func screen() []model.UIElement {
	return []model.UIElement{
		{
			ResourceID: "com.app:id/battery",
			Text:       "94%",
			Class:      "android.widget.TextView",
			Path:       "/root/frame[0]/text[2]",
			Bounds:     model.Bounds{X: 100, Y: 200, W: 80, H: 40},
		},
		{
			Text:   "94%",
			Class:  "android.widget.TextView",
			Path:   "/root/frame[1]/text[0]",
			Bounds: model.Bounds{X: 100, Y: 900, W: 80, H: 40},
		},
		{
			Text:   "Settings",
			Class:  "android.widget.Button",
			Bounds: model.Bounds{X: 500, Y: 50, W: 120, H: 60},
		},
	}
}

func TestFind_ResourceIDWins(t *testing.T) {
	m := Find(model.ElementRef{
		ResourceID: "com.app:id/battery",
		Text:       "Settings", // stale hint, must not override resource id
	}, screen())

	if !m.Found || m.Method != "resource_id" {
		t.Fatalf("match = %+v, want resource_id", m)
	}
	if m.Confidence != ConfidenceResourceID {
		t.Errorf("confidence = %v, want %v", m.Confidence, ConfidenceResourceID)
	}
	if m.Element.Text != "94%" {
		t.Errorf("wrong element: %+v", m.Element)
	}
}

func TestFind_PathExact(t *testing.T) {
	m := Find(model.ElementRef{Path: "/root/frame[1]/text[0]"}, screen())
	if !m.Found || m.Method != "hierarchy_path" {
		t.Fatalf("match = %+v", m)
	}
	if m.Confidence != ConfidencePath {
		t.Errorf("confidence = %v", m.Confidence)
	}
}

func TestFind_TextClassBoundsTiebreak(t *testing.T) {
	// Two "94%" TextViews; stored bounds are near the second.
	stored := model.Bounds{X: 105, Y: 895, W: 80, H: 40}
	m := Find(model.ElementRef{
		Text:   "94%",
		Class:  "android.widget.TextView",
		Bounds: &stored,
	}, screen())

	if !m.Found || m.Method != "text_class" {
		t.Fatalf("match = %+v", m)
	}
	if m.Element.Path != "/root/frame[1]/text[0]" {
		t.Errorf("tiebreak picked wrong element: %+v", m.Element)
	}
}

func TestFind_TextOnly(t *testing.T) {
	m := Find(model.ElementRef{Text: "Settings"}, screen())
	if !m.Found || m.Method != "text" || m.Confidence != ConfidenceTextOnly {
		t.Fatalf("match = %+v", m)
	}
}

func TestFind_ClassApproxBounds(t *testing.T) {
	stored := model.Bounds{X: 510, Y: 60, W: 120, H: 60} // ~14 px off center
	m := Find(model.ElementRef{
		Class:  "android.widget.Button",
		Bounds: &stored,
	}, screen())
	if !m.Found || m.Method != "class_approx_bounds" {
		t.Fatalf("match = %+v", m)
	}

	// Beyond the 50 px tolerance the strategy must miss and fall through to
	// stored bounds.
	far := model.Bounds{X: 500, Y: 400, W: 120, H: 60}
	m = Find(model.ElementRef{
		Class:  "android.widget.Button",
		Bounds: &far,
	}, screen())
	if m.Method != "stored_bounds" {
		t.Errorf("expected stored_bounds fallback, got %+v", m)
	}
}

func TestFind_StoredBoundsFallback(t *testing.T) {
	stored := model.Bounds{X: 10, Y: 10, W: 20, H: 20}
	m := Find(model.ElementRef{Bounds: &stored}, screen())
	if !m.Found || m.Method != "stored_bounds" {
		t.Fatalf("match = %+v", m)
	}
	if m.Confidence != ConfidenceBoundsOnly {
		t.Errorf("confidence = %v", m.Confidence)
	}
	if m.Element != nil {
		t.Error("stored bounds fallback carries no element")
	}
	if *m.Bounds != stored {
		t.Errorf("bounds = %+v, want %+v", m.Bounds, stored)
	}
}

func TestFind_NothingMatches(t *testing.T) {
	m := Find(model.ElementRef{Text: "absent"}, screen())
	if m.Found {
		t.Errorf("expected no match, got %+v", m)
	}
}
