// Package commandlog implements the Manager's durable, append-then-update
// record of every dispatched command (§4.5): start, progress, and result,
// plus a TTL-based purge task.
package commandlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/redpepper-go/fleet/internal/metrics"
)

var (
	bucketCommands       = []byte("commands")
	bucketCommandsByTime = []byte("commands_by_time")
)

// Status mirrors the command record's status field.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
	StatusCancelled
)

// Record is one command log row, per spec.md's command-record shape.
type Record struct {
	ID              string    `json:"id"`
	Time            time.Time `json:"time"`
	Agent           string    `json:"agent"`
	Command         string    `json:"command"` // JSON of {name, args, kwargs}
	Status          Status    `json:"status"`
	Changed         bool      `json:"changed"`
	ProgressCurrent int       `json:"progress_current"`
	ProgressTotal   int       `json:"progress_total"`
	Output          string    `json:"output"`
}

// Log is a bbolt-backed command log. Single connection; bbolt serializes
// all writes through its own single-writer transaction, matching spec.md's
// stated concurrency contract for the command log handle.
type Log struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open creates or opens the bbolt database at path and ensures its buckets
// exist, grounded on the teacher's store.Open.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open command log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCommands, bucketCommandsByTime} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create command log buckets: %w", err)
	}
	return &Log{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// timeKey composes a chronological index key: "{RFC3339Nano}::{id}", the
// teacher's "name::timestamp" composite-key trick turned around so range
// scans by time (used by the purge task and console "since"/"last" reads)
// stay in a single ordered bucket.
func timeKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s::%s", t.UTC().Format(time.RFC3339Nano), id))
}

func commandJSON(cmdtype string, args []any, kwargs map[string]any) (string, error) {
	data, err := json.Marshal(map[string]any{
		"name":   cmdtype,
		"args":   args,
		"kwargs": kwargs,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CommandStarted records a newly dispatched command. Implements the
// server.CommandLog interface's CommandStarted method.
func (l *Log) CommandStarted(id, agentID, cmdtype string, args []any, kwargs map[string]any, startedAt time.Time) error {
	cmdJSON, err := commandJSON(cmdtype, args, kwargs)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	rec := Record{
		ID:      id,
		Time:    startedAt,
		Agent:   agentID,
		Command: cmdJSON,
		Status:  StatusPending,
	}
	return l.put(rec)
}

// CommandProgress updates the progress fields of an in-flight command row.
func (l *Log) CommandProgress(id string, current, total int, message string) error {
	return l.update(id, func(rec *Record) {
		rec.ProgressCurrent = current
		rec.ProgressTotal = total
		if message != "" {
			rec.Output = message
		}
	})
}

// CommandResult finalizes a command row with its terminal outcome.
func (l *Log) CommandResult(id string, success, changed bool, output string) error {
	return l.update(id, func(rec *Record) {
		if success {
			rec.Status = StatusSuccess
		} else {
			rec.Status = StatusFailed
		}
		rec.Changed = changed
		rec.Output = output
	})
}

func (l *Log) put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal command record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCommands).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketCommandsByTime).Put(timeKey(rec.Time, rec.ID), []byte(rec.ID))
	})
}

// update loads the existing row by id, applies mutate, and writes it back
// in place — rows are never deleted except by Purge, per the invariant
// that the command log holds exactly one row per dispatched command.
func (l *Log) update(id string, mutate func(rec *Record)) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("command %q not found in log", id)
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal command record: %w", err)
		}
		mutate(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal command record: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// Get returns the command row by id.
func (l *Log) Get(id string) (*Record, error) {
	var rec Record
	found := false
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommands).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("command %q not found in log", id)
	}
	return &rec, nil
}

// Last returns the n most recently started commands, newest first.
func (l *Log) Last(n int) ([]Record, error) {
	var recs []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		c := tx.Bucket(bucketCommandsByTime).Cursor()
		for k, id := c.Last(); k != nil && len(recs) < n; k, id = c.Prev() {
			v := commands.Get(id)
			if v == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// Since returns all commands started at or after t, oldest first.
func (l *Log) Since(t time.Time) ([]Record, error) {
	var recs []Record
	prefix := t.UTC().Format(time.RFC3339Nano)
	err := l.db.View(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		c := tx.Bucket(bucketCommandsByTime).Cursor()
		for k, id := c.Seek([]byte(prefix)); k != nil; k, id = c.Next() {
			v := commands.Get(id)
			if v == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Time.Before(recs[j].Time) })
	return recs, nil
}

// Purge deletes rows older than maxAge, as measured against now. Returns
// the number of rows removed.
func (l *Log) Purge(now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge)
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		byTime := tx.Bucket(bucketCommandsByTime)
		c := byTime.Cursor()

		var staleKeys [][]byte
		var staleIDs [][]byte
		for k, id := c.First(); k != nil; k, id = c.Next() {
			ts, _, ok := splitTimeKey(k)
			if !ok {
				continue
			}
			if ts.After(cutoff) {
				break // keys are in chronological order; nothing further is stale
			}
			keyCopy := append([]byte(nil), k...)
			idCopy := append([]byte(nil), id...)
			staleKeys = append(staleKeys, keyCopy)
			staleIDs = append(staleIDs, idCopy)
		}
		for i, k := range staleKeys {
			if err := byTime.Delete(k); err != nil {
				return err
			}
			if err := commands.Delete(staleIDs[i]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err == nil && removed > 0 {
		metrics.CommandLogPurged.Add(float64(removed))
	}
	return removed, err
}

func splitTimeKey(k []byte) (time.Time, string, bool) {
	s := string(k)
	for i := 0; i+2 <= len(s); i++ {
		if s[i] == ':' && i+1 < len(s) && s[i+1] == ':' {
			ts, err := time.Parse(time.RFC3339Nano, s[:i])
			if err != nil {
				return time.Time{}, "", false
			}
			return ts, s[i+2:], true
		}
	}
	return time.Time{}, "", false
}
