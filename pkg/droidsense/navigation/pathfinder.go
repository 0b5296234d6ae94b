package navigation

import "container/heap"

// NavigationPath is an ordered route between two screens.
type NavigationPath struct {
	Transitions     []*Transition `json:"transitions"`
	TotalCost       float64       `json:"total_cost"`
	EstimatedTimeMs float64       `json:"estimated_time_ms"`
}

// edgeCost weights an edge by reliability, latency, and how proven it is.
// Unreliable edges cost up to 2x, slow edges up to 1.5x, heavily used edges
// are discounted.
func edgeCost(t *Transition) float64 {
	timeFactor := 0.5 + t.AvgTransitionTimeMs/2000
	if timeFactor < 0.5 {
		timeFactor = 0.5
	} else if timeFactor > 1.5 {
		timeFactor = 1.5
	}
	return (2.0 - t.SuccessRate) * timeFactor * (1 / (1 + float64(t.UsageCount)*0.1))
}

type pathNode struct {
	screenID string
	cost     float64
	index    int
}

type pathQueue []*pathNode

func (q pathQueue) Len() int            { return len(q) }
func (q pathQueue) Less(i, j int) bool  { return q[i].cost < q[j].cost }
func (q pathQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *pathQueue) Push(x interface{}) { n := x.(*pathNode); n.index = len(*q); *q = append(*q, n) }
func (q *pathQueue) Pop() interface{} {
	old := *q
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return n
}

// FindPath runs weighted Dijkstra from one screen to another. Returns nil
// when the target is unreachable; an empty path when from == to.
func (g *Graph) FindPath(fromScreenID, toScreenID string) *NavigationPath {
	if _, ok := g.Screens[fromScreenID]; !ok {
		return nil
	}
	if _, ok := g.Screens[toScreenID]; !ok {
		return nil
	}
	if fromScreenID == toScreenID {
		return &NavigationPath{}
	}

	edges := make(map[string][]*Transition)
	for _, t := range g.Transitions {
		edges[t.SourceID] = append(edges[t.SourceID], t)
	}

	dist := map[string]float64{fromScreenID: 0}
	prev := make(map[string]*Transition)
	visited := make(map[string]bool)

	q := &pathQueue{{screenID: fromScreenID, cost: 0}}
	heap.Init(q)

	for q.Len() > 0 {
		node := heap.Pop(q).(*pathNode)
		if visited[node.screenID] {
			continue
		}
		visited[node.screenID] = true
		if node.screenID == toScreenID {
			break
		}
		for _, t := range edges[node.screenID] {
			next := node.cost + edgeCost(t)
			if d, ok := dist[t.TargetID]; !ok || next < d {
				dist[t.TargetID] = next
				prev[t.TargetID] = t
				heap.Push(q, &pathNode{screenID: t.TargetID, cost: next})
			}
		}
	}

	if !visited[toScreenID] {
		return nil
	}

	var route []*Transition
	for at := toScreenID; at != fromScreenID; {
		t := prev[at]
		route = append([]*Transition{t}, route...)
		at = t.SourceID
	}
	path := &NavigationPath{Transitions: route, TotalCost: dist[toScreenID]}
	for _, t := range route {
		path.EstimatedTimeMs += t.AvgTransitionTimeMs
	}
	return path
}
