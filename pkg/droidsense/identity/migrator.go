package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/droidsense/droidsense/pkg/util"
)

// MigrationReport counts the records rewritten per artifact kind.
type MigrationReport struct {
	Sensors int `json:"sensors"`
	Actions int `json:"actions"`
	Flows   int `json:"flows"`
}

// Migrator rewrites persisted sensor, action, and flow files when a device's
// artifacts are keyed under a stale connection id. All writes are atomic;
// per-file errors are logged and the migrator continues with the next file.
type Migrator struct {
	dataDir  string
	flowsDir string
	dryRun   bool
}

// NewMigrator creates a migrator over the sensor/action data dir and the
// flows config dir.
func NewMigrator(dataDir, flowsDir string) *Migrator {
	return &Migrator{dataDir: dataDir, flowsDir: flowsDir}
}

// DryRun returns a copy of the migrator that reports without writing.
func (m *Migrator) DryRun() *Migrator {
	c := *m
	c.dryRun = true
	return &c
}

// Migrate moves artifacts for stableID from filenames and id fields derived
// from oldID to the stable id. Files already named by the stable id are
// rewritten in place when their device_id fields are stale.
func (m *Migrator) Migrate(oldID, stableID string) MigrationReport {
	var report MigrationReport
	oldKey := util.SanitizeToken(oldID)
	newKey := util.SanitizeToken(stableID)

	report.Sensors = m.migrateFile(
		filepath.Join(m.dataDir, "sensors_"+oldKey+".json"),
		filepath.Join(m.dataDir, "sensors_"+newKey+".json"),
		"sensors", oldID, stableID, oldKey, newKey)
	report.Actions = m.migrateFile(
		filepath.Join(m.dataDir, "actions_"+oldKey+".json"),
		filepath.Join(m.dataDir, "actions_"+newKey+".json"),
		"actions", oldID, stableID, oldKey, newKey)
	report.Flows = m.migrateFile(
		filepath.Join(m.flowsDir, "flows_"+oldKey+".json"),
		filepath.Join(m.flowsDir, "flows_"+newKey+".json"),
		"flows", oldID, stableID, oldKey, newKey)

	util.WithDevice(stableID).Infof(
		"Migration from %s: %d sensors, %d actions, %d flows (dry_run=%v)",
		oldID, report.Sensors, report.Actions, report.Flows, m.dryRun)
	return report
}

// migrateFile rewrites one artifact file. Prefers the old-keyed file when it
// exists, otherwise rewrites the stable-keyed file in place. Returns the
// number of records whose id fields were rewritten.
func (m *Migrator) migrateFile(oldPath, newPath, listKey, oldID, stableID, oldKey, newKey string) int {
	src := oldPath
	if _, err := os.Stat(src); err != nil {
		src = newPath
		if _, err := os.Stat(src); err != nil {
			return 0
		}
	}

	var doc map[string]interface{}
	if err := util.ReadJSON(src, &doc); err != nil {
		util.Warnf("Migration: reading %s: %v", src, err)
		return 0
	}

	count := rewriteDoc(doc, listKey, oldID, stableID, oldKey, newKey)
	if count == 0 && src == newPath {
		return 0
	}
	if m.dryRun {
		return count
	}

	if err := util.WriteJSONAtomic(newPath, doc); err != nil {
		util.Warnf("Migration: writing %s: %v", newPath, err)
		return 0
	}
	if src == oldPath && oldPath != newPath {
		if err := os.Remove(oldPath); err != nil {
			util.Warnf("Migration: removing %s: %v", oldPath, err)
		}
	}
	return count
}

// rewriteDoc updates device_id/stable_device_id on the document and every
// record in its list, plus flow_id prefixes for flow files. sensor_id and
// action_id are never rewritten after creation.
func rewriteDoc(doc map[string]interface{}, listKey, oldID, stableID, oldKey, newKey string) int {
	if v, ok := doc["device_id"].(string); ok && v == oldID {
		doc["device_id"] = stableID
	}

	list, ok := doc[listKey].([]interface{})
	if !ok {
		return 0
	}
	count := 0
	for _, item := range list {
		rec, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		changed := false
		if v, ok := rec["device_id"].(string); ok && v == oldID {
			rec["device_id"] = stableID
			changed = true
		}
		if v, ok := rec["stable_device_id"].(string); ok && v != stableID {
			rec["stable_device_id"] = stableID
			changed = true
		}
		if listKey == "flows" {
			if v, ok := rec["flow_id"].(string); ok && strings.HasPrefix(v, oldKey+"_") {
				rec["flow_id"] = newKey + strings.TrimPrefix(v, oldKey)
				changed = true
			}
		}
		if changed {
			count++
		}
	}
	return count
}

// MigrateAll walks the data dir for artifacts keyed by any of the device's
// historic connection ids and migrates each. Convenience for the CLI
// migration tool.
func (m *Migrator) MigrateAll(r *Resolver, stableID string) (MigrationReport, error) {
	dev, ok := r.GetDevice(stableID)
	if !ok {
		return MigrationReport{}, fmt.Errorf("unknown device %s", stableID)
	}
	var total MigrationReport
	for _, conn := range dev.ConnectionHistory {
		if conn == stableID {
			continue
		}
		rep := m.Migrate(conn, stableID)
		total.Sensors += rep.Sensors
		total.Actions += rep.Actions
		total.Flows += rep.Flows
	}
	return total, nil
}
