// Package cmdqueue is the durable command queue. Commands targeting an
// offline device are parked here and replayed by the connection monitor on
// reconnect. Records live in a bbolt file so they survive process restarts.
package cmdqueue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

const commandBucket = "commands"

// stuckProcessingFloor is the minimum age before a processing record is
// reclaimed to pending. Records stuck longer than max(TTL, this) were
// abandoned by a crashed or disconnected worker.
const stuckProcessingFloor = 10 * time.Minute

// Queue is the process-wide durable command queue. A single writer lock
// serializes every status transition; bbolt handles reader isolation.
type Queue struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens or creates the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open command queue: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(commandBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create command bucket: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func putCommand(b *bolt.Bucket, cmd *model.QueuedCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.Put([]byte(cmd.CommandID), data)
}

// Enqueue stores a new pending command. A zero ttl means the default of one
// hour.
func (q *Queue) Enqueue(targetStableID string, cmdType model.CommandType, payload map[string]string, priority int, ttl time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ttl <= 0 {
		ttl = model.DefaultCommandTTL
	}
	now := time.Now()
	cmd := &model.QueuedCommand{
		CommandID:      uuid.New().String(),
		TargetStableID: targetStableID,
		CommandType:    cmdType,
		Payload:        payload,
		Priority:       priority,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Status:         model.CommandPending,
		MaxRetries:     model.DefaultCommandMaxRetries,
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		return putCommand(tx.Bucket([]byte(commandBucket)), cmd)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue command: %w", err)
	}
	util.WithDevice(targetStableID).WithField("command", cmd.CommandID).
		Debugf("Enqueued %s (priority %d, ttl %s)", cmdType, priority, ttl)
	return cmd.CommandID, nil
}

// GetPending returns the device's pending commands ordered by priority
// descending, then creation time ascending. Expired pending records and
// abandoned processing records are reclassified in the same transaction
// before the listing is taken.
func (q *Queue) GetPending(stableID string) ([]*model.QueuedCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var pending []*model.QueuedCommand
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(commandBucket))
		return b.ForEach(func(k, v []byte) error {
			var cmd model.QueuedCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				util.Warnf("Dropping unreadable queue record %s: %v", k, err)
				return nil
			}
			changed := false
			switch cmd.Status {
			case model.CommandPending:
				if cmd.Expired(now) {
					cmd.Status = model.CommandExpired
					changed = true
				}
			case model.CommandProcessing:
				// Threshold is the command's own TTL, floored so a
				// short-lived command is not snatched back mid-run.
				stuck := cmd.ExpiresAt.Sub(cmd.CreatedAt)
				if stuck < stuckProcessingFloor {
					stuck = stuckProcessingFloor
				}
				if !cmd.ProcessingAt.IsZero() && now.Sub(cmd.ProcessingAt) > stuck {
					cmd.Status = model.CommandPending
					cmd.ProcessingAt = time.Time{}
					changed = true
				}
			}
			if changed {
				if err := putCommand(b, &cmd); err != nil {
					return err
				}
			}
			if cmd.Status == model.CommandPending && cmd.TargetStableID == stableID {
				c := cmd
				pending = append(pending, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// Get returns one command by id.
func (q *Queue) Get(commandID string) (*model.QueuedCommand, error) {
	var cmd model.QueuedCommand
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(commandBucket)).Get([]byte(commandID))
		if data == nil {
			return util.NewNotFoundError("command", commandID)
		}
		return json.Unmarshal(data, &cmd)
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// update applies fn to one record under the writer lock.
func (q *Queue) update(commandID string, fn func(*model.QueuedCommand)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(commandBucket))
		data := b.Get([]byte(commandID))
		if data == nil {
			return util.NewNotFoundError("command", commandID)
		}
		var cmd model.QueuedCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		fn(&cmd)
		return putCommand(b, &cmd)
	})
}

// MarkProcessing transitions a command to processing.
func (q *Queue) MarkProcessing(commandID string) error {
	return q.update(commandID, func(cmd *model.QueuedCommand) {
		cmd.Status = model.CommandProcessing
		cmd.ProcessingAt = time.Now()
	})
}

// MarkCompleted transitions a command to its terminal completed state.
func (q *Queue) MarkCompleted(commandID string) error {
	return q.update(commandID, func(cmd *model.QueuedCommand) {
		cmd.Status = model.CommandCompleted
		cmd.ProcessingAt = time.Time{}
	})
}

// MarkFailed records a failure. The command returns to pending while retries
// remain; once exhausted it becomes terminally failed.
func (q *Queue) MarkFailed(commandID, errMsg string) error {
	return q.update(commandID, func(cmd *model.QueuedCommand) {
		cmd.RetryCount++
		cmd.ErrorMessage = errMsg
		cmd.ProcessingAt = time.Time{}
		if cmd.RetryCount < cmd.MaxRetries {
			cmd.Status = model.CommandPending
		} else {
			cmd.Status = model.CommandFailed
		}
	})
}

// CancelPending expires the device's pending commands. An empty cmdType
// cancels every type.
func (q *Queue) CancelPending(stableID string, cmdType model.CommandType) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(commandBucket))
		return b.ForEach(func(k, v []byte) error {
			var cmd model.QueuedCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				return nil
			}
			if cmd.Status != model.CommandPending || cmd.TargetStableID != stableID {
				return nil
			}
			if cmdType != "" && cmd.CommandType != cmdType {
				return nil
			}
			cmd.Status = model.CommandExpired
			cancelled++
			return putCommand(b, &cmd)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending commands: %w", err)
	}
	return cancelled, nil
}

// CleanupOld deletes terminal records older than maxAge. A zero maxAge means
// the 24 hour default.
func (q *Queue) CleanupOld(maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)
	var stale [][]byte
	deleted := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(commandBucket))
		if err := b.ForEach(func(k, v []byte) error {
			var cmd model.QueuedCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if cmd.Status.Terminal() && cmd.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up command queue: %w", err)
	}
	if deleted > 0 {
		util.Debugf("Command queue cleanup removed %d records", deleted)
	}
	return deleted, nil
}

// Stats counts records per status across all devices.
func (q *Queue) Stats() (map[model.CommandStatus]int, error) {
	stats := make(map[model.CommandStatus]int)
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(commandBucket)).ForEach(func(k, v []byte) error {
			var cmd model.QueuedCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				return nil
			}
			stats[cmd.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
