package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// MaxHistoryPerFlow bounds the rolling execution log per flow.
const MaxHistoryPerFlow = 1000

// HistoryStore keeps a bounded rolling log of flow execution results under
// data/flow-history/<flow_id>.json.
type HistoryStore struct {
	mu  sync.Mutex
	dir string
}

// NewHistoryStore creates a history store under dir.
func NewHistoryStore(dir string) *HistoryStore {
	return &HistoryStore{dir: dir}
}

func (s *HistoryStore) path(flowID string) string {
	return filepath.Join(s.dir, util.SanitizeToken(flowID)+".json")
}

// Append records one execution result, trimming the log to the bound.
func (s *HistoryStore) Append(result model.FlowExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []model.FlowExecutionResult
	if err := util.ReadJSON(s.path(result.FlowID), &results); err != nil && !os.IsNotExist(err) {
		util.WithFlow(result.FlowID).Warnf("Failed to load history: %v", err)
	}
	results = append(results, result)
	if len(results) > MaxHistoryPerFlow {
		results = results[len(results)-MaxHistoryPerFlow:]
	}
	if err := util.WriteJSONAtomic(s.path(result.FlowID), results); err != nil {
		util.WithFlow(result.FlowID).Warnf("Failed to persist history: %v", err)
	}
}

// Recent returns up to n most recent results for a flow, newest last.
func (s *HistoryStore) Recent(flowID string, n int) []model.FlowExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []model.FlowExecutionResult
	if err := util.ReadJSON(s.path(flowID), &results); err != nil {
		return nil
	}
	if n > 0 && len(results) > n {
		results = results[len(results)-n:]
	}
	return results
}
