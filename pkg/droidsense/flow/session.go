package flow

import "github.com/google/uuid"

// session is the per-execution cache. A capture step that runs twice within
// one flow reuses the first value instead of re-resolving the element; a
// navigation block that already reached its app skips the relaunch.
type session struct {
	executionID  string
	sensorValues map[string]string
	navigatedApp string
}

func newSession() *session {
	return &session{
		executionID:  uuid.New().String(),
		sensorValues: make(map[string]string),
	}
}
