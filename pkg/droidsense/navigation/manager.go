package navigation

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// Manager owns every per-package graph with a write-through cache. All graph
// mutation goes through the manager so writers serialize on one lock.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	graphs map[string]*Graph // package -> graph
}

// NewManager creates a manager persisting graphs under dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:    dir,
		graphs: make(map[string]*Graph),
	}
}

func (m *Manager) path(pkg string) string {
	return filepath.Join(m.dir, "nav_"+hash16(pkg)+".json")
}

// graphLocked returns the cached graph for a package, loading it from disk or
// creating it fresh. Called with the write lock held.
func (m *Manager) graphLocked(pkg string) *Graph {
	if g, ok := m.graphs[pkg]; ok {
		return g
	}
	var g Graph
	if err := util.ReadJSON(m.path(pkg), &g); err != nil {
		if !os.IsNotExist(err) {
			util.Warnf("Failed to load navigation graph for %s: %v", pkg, err)
		}
		fresh := NewGraph(pkg)
		m.graphs[pkg] = fresh
		return fresh
	}
	if g.Screens == nil {
		g.Screens = make(map[string]*Screen)
	}
	m.graphs[pkg] = &g
	return &g
}

func (m *Manager) persistLocked(pkg string) {
	if err := util.WriteJSONAtomic(m.path(pkg), m.graphs[pkg]); err != nil {
		util.Warnf("Failed to persist navigation graph for %s: %v", pkg, err)
	}
}

// LearnTransition records one observed transition and persists the graph.
func (m *Manager) LearnTransition(pkg string, before, after ScreenState, action ActionDescriptor, learnedFrom string) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.graphLocked(pkg).LearnTransition(before, after, action, learnedFrom)
	m.persistLocked(pkg)
	return t
}

// SetHomeScreen marks the observed screen as the package's home screen.
func (m *Manager) SetHomeScreen(pkg string, state ScreenState) *Screen {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.graphLocked(pkg).SetHomeScreen(state)
	m.persistLocked(pkg)
	return s
}

// IdentifyCurrentScreen matches an observed state against the package graph.
func (m *Manager) IdentifyCurrentScreen(pkg string, state ScreenState) *Screen {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.graphLocked(pkg).IdentifyCurrentScreen(state)
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// RecordResult folds a traversal outcome into the edge statistics.
func (m *Manager) RecordResult(pkg, transitionID string, success bool, elapsedMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphLocked(pkg).RecordResult(transitionID, success, elapsedMs)
	m.persistLocked(pkg)
}

// FindPath runs the pathfinder on a package graph. Returns nil when no route
// exists.
func (m *Manager) FindPath(pkg, fromScreenID, toScreenID string) *NavigationPath {
	m.mu.RLock()
	g, ok := m.graphs[pkg]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		g = m.graphLocked(pkg)
		m.mu.Unlock()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return g.FindPath(fromScreenID, toScreenID)
}

// MineFlow learns transitions from a saved flow for every package it
// launches.
func (m *Manager) MineFlow(flow *model.Flow) int {
	packages := make(map[string]struct{})
	for _, step := range flow.Steps {
		if step.Type == model.StepLaunchApp && step.Package != "" {
			packages[step.Package] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for pkg := range packages {
		if n := m.graphLocked(pkg).MineFlow(flow); n > 0 {
			m.persistLocked(pkg)
			total += n
		}
	}
	return total
}

// Graph returns a point-in-time copy of a package graph for inspection.
func (m *Manager) Graph(pkg string) *Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.graphLocked(pkg)

	c := *g
	c.Screens = make(map[string]*Screen, len(g.Screens))
	for id, s := range g.Screens {
		sc := *s
		c.Screens[id] = &sc
	}
	c.Transitions = make([]*Transition, len(g.Transitions))
	for i, t := range g.Transitions {
		tc := *t
		c.Transitions[i] = &tc
	}
	return &c
}
