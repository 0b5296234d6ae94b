// Package navigation maintains per-app screen graphs learned from executed
// flows and uses them to find reliable routes between screens. Each package
// gets its own graph file; screens are identified by activity plus a landmark
// set so one activity can host several logical screens.
package navigation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
)

// Alpha is the EMA smoothing factor for transition statistics.
const Alpha = 0.2

// Transition provenance.
const (
	LearnedFromRecording = "recording"
	LearnedFromMining    = "mining"
	LearnedFromTeaching  = "teaching"
)

// ActionDescriptor identifies the UI action that triggers a transition. Its
// signature participates in the transition id, so two different gestures
// between the same screens stay distinct edges.
type ActionDescriptor struct {
	Type       string `json:"type"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	X2         int    `json:"x2,omitempty"`
	Y2         int    `json:"y2,omitempty"`
	Keycode    int    `json:"keycode,omitempty"`
	Text       string `json:"text,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

// Signature returns the stable string form used in transition ids.
func (a ActionDescriptor) Signature() string {
	return fmt.Sprintf("%s:%d,%d:%d,%d:%d:%s:%s",
		a.Type, a.X, a.Y, a.X2, a.Y2, a.Keycode, a.Text, a.ResourceID)
}

// Screen is one node of a navigation graph.
type Screen struct {
	ScreenID    string    `json:"screen_id"`
	Package     string    `json:"package"`
	Activity    string    `json:"activity"`
	DisplayName string    `json:"display_name,omitempty"`
	Landmarks   []string  `json:"landmarks,omitempty"`
	VisitCount  int       `json:"visit_count"`
	IsHome      bool      `json:"is_home,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Transition is one directed edge with learned reliability statistics.
type Transition struct {
	TransitionID        string           `json:"transition_id"`
	SourceID            string           `json:"source_id"`
	TargetID            string           `json:"target_id"`
	Action              ActionDescriptor `json:"action"`
	UsageCount          int              `json:"usage_count"`
	SuccessRate         float64          `json:"success_rate"`
	AvgTransitionTimeMs float64          `json:"avg_transition_time_ms"`
	LastUsed            time.Time        `json:"last_used"`
	LastSuccess         bool             `json:"last_success"`
	LearnedFrom         string           `json:"learned_from"`
}

// Graph is the per-package navigation graph. Not safe for concurrent use;
// the Manager serializes access.
type Graph struct {
	Package      string             `json:"package"`
	Screens      map[string]*Screen `json:"screens"`
	Transitions  []*Transition      `json:"transitions"`
	HomeScreenID string             `json:"home_screen_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// NewGraph creates an empty graph for a package.
func NewGraph(pkg string) *Graph {
	now := time.Now()
	return &Graph{
		Package:   pkg,
		Screens:   make(map[string]*Screen),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ScreenState is an observed device state: the foreground activity and the
// dumped UI elements.
type ScreenState struct {
	Activity string
	Elements []model.UIElement
}

func hash16(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// landmarkSignatures extracts the salient element signatures of a screen:
// elements carrying text or a resource id, as sorted (resource_id, text,
// class) triples. Duplicates are kept so repeated labels still distinguish
// screens.
func landmarkSignatures(elements []model.UIElement) []string {
	var sigs []string
	for _, e := range elements {
		if e.Text == "" && e.ResourceID == "" {
			continue
		}
		sigs = append(sigs, e.ResourceID+"|"+e.Text+"|"+e.Class)
	}
	sort.Strings(sigs)
	return sigs
}

// ScreenID derives the stable screen identity from an activity and its
// landmark set. Same activity with different landmarks is a different screen.
func ScreenID(activity string, elements []model.UIElement) string {
	sigs := landmarkSignatures(elements)
	key := activity
	for _, s := range sigs {
		key += "\x00" + s
	}
	return hash16(key)
}

// TransitionID derives the edge identity from its endpoints and action.
func TransitionID(sourceID, targetID string, action ActionDescriptor) string {
	return hash16(sourceID + "\x00" + targetID + "\x00" + action.Signature())
}

// ensureScreen creates or revisits the screen for an observed state.
func (g *Graph) ensureScreen(state ScreenState) *Screen {
	id := ScreenID(state.Activity, state.Elements)
	now := time.Now()
	if s, ok := g.Screens[id]; ok {
		s.VisitCount++
		s.LastSeen = now
		return s
	}
	s := &Screen{
		ScreenID:   id,
		Package:    g.Package,
		Activity:   state.Activity,
		Landmarks:  landmarkSignatures(state.Elements),
		VisitCount: 1,
		FirstSeen:  now,
		LastSeen:   now,
	}
	g.Screens[id] = s
	return s
}

func (g *Graph) findTransition(id string) *Transition {
	for _, t := range g.Transitions {
		if t.TransitionID == id {
			return t
		}
	}
	return nil
}

// LearnTransition records that performing action on the before state led to
// the after state. Both screens are created or revisited; the edge is created
// on first sight and reinforced on repeats.
func (g *Graph) LearnTransition(before, after ScreenState, action ActionDescriptor, learnedFrom string) *Transition {
	src := g.ensureScreen(before)
	dst := g.ensureScreen(after)

	id := TransitionID(src.ScreenID, dst.ScreenID, action)
	now := time.Now()
	if t := g.findTransition(id); t != nil {
		t.UsageCount++
		t.LastUsed = now
		g.UpdatedAt = now
		return t
	}
	t := &Transition{
		TransitionID: id,
		SourceID:     src.ScreenID,
		TargetID:     dst.ScreenID,
		Action:       action,
		UsageCount:   1,
		SuccessRate:  1.0,
		LastUsed:     now,
		LastSuccess:  true,
		LearnedFrom:  learnedFrom,
	}
	g.Transitions = append(g.Transitions, t)
	g.UpdatedAt = now
	return t
}

// SetHomeScreen marks the observed screen as the graph's single home screen,
// clearing the flag everywhere else.
func (g *Graph) SetHomeScreen(state ScreenState) *Screen {
	s := g.ensureScreen(state)
	for _, other := range g.Screens {
		other.IsHome = false
	}
	s.IsHome = true
	g.HomeScreenID = s.ScreenID
	g.UpdatedAt = time.Now()
	return s
}

// IdentifyCurrentScreen matches an observed state to a known screen, first by
// full screen id, then by activity alone. Returns nil when unknown.
func (g *Graph) IdentifyCurrentScreen(state ScreenState) *Screen {
	if s, ok := g.Screens[ScreenID(state.Activity, state.Elements)]; ok {
		return s
	}
	for _, s := range g.Screens {
		if s.Activity == state.Activity {
			return s
		}
	}
	return nil
}

// RecordResult folds one traversal outcome into a transition's statistics.
// Success rate stays within [0,1]; usage count only grows.
func (g *Graph) RecordResult(transitionID string, success bool, elapsedMs int64) {
	t := g.findTransition(transitionID)
	if t == nil {
		return
	}
	t.UsageCount++
	t.LastUsed = time.Now()
	t.LastSuccess = success

	observed := 0.0
	if success {
		observed = 1.0
	}
	t.SuccessRate = (1-Alpha)*t.SuccessRate + Alpha*observed
	if t.SuccessRate < 0 {
		t.SuccessRate = 0
	} else if t.SuccessRate > 1 {
		t.SuccessRate = 1
	}
	if t.AvgTransitionTimeMs == 0 {
		t.AvgTransitionTimeMs = float64(elapsedMs)
	} else {
		t.AvgTransitionTimeMs = (1-Alpha)*t.AvgTransitionTimeMs + Alpha*float64(elapsedMs)
	}
	g.UpdatedAt = t.LastUsed
}
