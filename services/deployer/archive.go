package deployer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns = []byte("runs")

	// ErrRunNotFound is returned when an archived run does not exist.
	ErrRunNotFound = errors.New("run not found")
)

// Archive persists run reports keyed by run ID.
type Archive struct {
	db *bolt.DB
}

// OpenArchive opens (and migrates) the BoltDB-backed run archive.
func OpenArchive(path string, options *bolt.Options) (*Archive, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Save stores the report under its run ID, replacing any previous entry.
func (a *Archive) Save(report Report) error {
	if report.Result == nil || strings.TrimSpace(report.Result.RunID) == "" {
		return fmt.Errorf("archive: report has no run id")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(report.Result.RunID), payload)
	})
}

// Get loads the report for a run.
func (a *Archive) Get(runID string) (Report, error) {
	var report Report
	err := a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRuns).Get([]byte(runID))
		if raw == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(raw, &report)
	})
	return report, err
}

// List returns summaries of archived runs, newest first. A positive limit caps
// the number of entries.
func (a *Archive) List(limit int) ([]RunSummary, error) {
	type entry struct {
		summary RunSummary
		started time.Time
	}
	var entries []entry
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, raw []byte) error {
			var report Report
			if err := json.Unmarshal(raw, &report); err != nil {
				return err
			}
			e := entry{summary: report.Summary()}
			if report.Result != nil {
				e.started = report.Result.StartedAt
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].started.After(entries[j].started)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]RunSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.summary)
	}
	return out, nil
}
