// Package ledger persists the append-only record of every saga step
// attempt. Entries are never rewritten; the WAL is the sole source of
// truth for post-mortem reconciliation of an aborted run.
package ledger

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
)

const (
	DefaultDir   = "./wal/ledger"
	segmentLimit = 1000
	maxSegments  = 100

	entryKeyPrefix    = "saga_"
	terminalKeyPrefix = "terminal_"
)

// WALStore is a gowal-backed transaction ledger. Writes are serialized and
// synced to disk before Record returns.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.Mutex
}

// NewWALStore opens (or creates) the ledger WAL in dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "entry_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}
	return &WALStore{wal: wal}, nil
}

// Record appends one step-attempt entry. It never overwrites anything.
func (s *WALStore) Record(sagaID string, step entity.Step, attempt int, input, result string) error {
	entry := entity.LedgerEntry{
		SagaID:    sagaID,
		Step:      step,
		Attempt:   attempt,
		Input:     input,
		Result:    result,
		Timestamp: time.Now(),
	}
	return s.append(entryKeyPrefix+sagaID, entry)
}

// RecordTerminal appends the terminal-status marker for a saga. Sagas
// without such a marker are surfaced by OpenSagas after a restart.
func (s *WALStore) RecordTerminal(sagaID string, step entity.Step, status entity.SagaStatus, detail string) error {
	entry := entity.LedgerEntry{
		SagaID:    sagaID,
		Step:      step,
		Attempt:   0,
		Input:     string(status),
		Result:    detail,
		Timestamp: time.Now(),
	}
	return s.append(terminalKeyPrefix+sagaID, entry)
}

func (s *WALStore) append(key string, entry entity.LedgerEntry) error {
	if s == nil || s.wal == nil {
		return errors.New("ledger store is not initialized")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal ledger entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Write(s.wal.CurrentIndex()+1, key, payload)
}

// Entries returns every recorded entry for the saga, in append order.
func (s *WALStore) Entries(sagaID string) ([]entity.LedgerEntry, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("ledger store is not initialized")
	}

	var out []entity.LedgerEntry
	for msg := range s.wal.Iterator() {
		if msg.Key != entryKeyPrefix+sagaID && msg.Key != terminalKeyPrefix+sagaID {
			continue
		}
		var entry entity.LedgerEntry
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			return nil, errors.Wrap(err, "unmarshal ledger entry")
		}
		out = append(out, entry)
	}
	return out, nil
}

// OpenSagas scans the WAL for sagas that never reached a terminal marker.
// These require manual operator review: the engine does not auto-resume a
// saga across process restarts.
func (s *WALStore) OpenSagas() ([]string, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("ledger store is not initialized")
	}

	seen := make(map[string]bool)
	closed := make(map[string]bool)
	var order []string

	for msg := range s.wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, terminalKeyPrefix):
			closed[strings.TrimPrefix(msg.Key, terminalKeyPrefix)] = true
		case strings.HasPrefix(msg.Key, entryKeyPrefix):
			id := strings.TrimPrefix(msg.Key, entryKeyPrefix)
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
	}

	var open []string
	for _, id := range order {
		if !closed[id] {
			open = append(open, id)
		}
	}
	return open, nil
}

// Close releases the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return nil
	}
	return s.wal.Close()
}
