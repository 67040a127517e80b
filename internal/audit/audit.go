// Package audit appends book integrity events (gaps, failures, snapshot
// installs, exchange restarts) to hourly JSON-lines files.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	EventSnapshotInstalled = "snapshot_installed"
	EventGapRepaired       = "gap_repaired"
	EventGapFailed         = "gap_failed"
	EventContractFailed    = "contract_failed"
	EventRunIDChanged      = "run_id_changed"
)

// Log is safe for concurrent use. A nil *Log discards everything.
type Log struct {
	dir     string
	service string
	now     func() time.Time

	mu   sync.Mutex
	file *os.File
	hour string
}

// New returns nil when dir or service is blank.
func New(dir, service string) (*Log, error) {
	dir = strings.TrimSpace(dir)
	service = strings.TrimSpace(service)
	if dir == "" || service == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	return &Log{dir: dir, service: service, now: time.Now}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record writes one event for contractID. Write errors are dropped; the
// audit trail never blocks book maintenance.
func (l *Log) Record(event string, contractID int64, fields map[string]any) {
	if l == nil {
		return
	}
	now := l.now().UTC()
	entry := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		if k != "" {
			entry[k] = v
		}
	}
	entry["ts"] = now.Format(time.RFC3339Nano)
	entry["service"] = l.service
	entry["event"] = event
	entry["contract_id"] = contractID
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(now); err != nil {
		return
	}
	_, _ = l.file.Write(append(b, '\n'))
}

func (l *Log) rotateLocked(now time.Time) error {
	hour := now.Format("20060102-15")
	if l.file != nil && l.hour == hour {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(l.path(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.hour = hour
	return nil
}

func (l *Log) path(hour string) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s-%s.jsonl", l.service, hour))
}
