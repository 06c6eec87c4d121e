// Package audit implements the append-only, hash-chained, tamper-evident
// record of security-relevant events. Entries are persisted as one
// line-delimited JSON file per UTC calendar day; files are only ever
// appended, never rewritten.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentpay/paykit/logger"
)

// GenesisHash is the chain root for the first entry of all time.
const GenesisHash = "genesis"

const fileExt = ".jsonl"

// Entry is one audit record. Hash covers the canonical field subset
// (timestamp, action, requestId, from, to, amount, txHash, prevHash);
// Metadata is deliberately excluded so free-form notes can be corrected
// without invalidating the chain.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	RequestID string                 `json:"requestId"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Amount    string                 `json:"amount,omitempty"`
	TxHash    string                 `json:"txHash,omitempty"`
	PrevHash  string                 `json:"prevHash"`
	Hash      string                 `json:"hash"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Report is the outcome of a chain verification. The scan never stops at the
// first mismatch; every broken entry is reported.
type Report struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Log is a single-writer audit log rooted at a directory. Appends are
// serialized internally to preserve hash-chain ordering.
type Log struct {
	dir string
	log logger.Logger

	mu       sync.Mutex
	lastHash string
	now      func() time.Time
}

type Option func(*Log)

func WithLogger(l logger.Logger) Option {
	return func(a *Log) { a.log = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Log) { a.now = now }
}

// New opens (creating if needed) the audit store at dir and recovers the
// running last hash by scanning backward over a bounded window: today's
// file, then yesterday's. Full history is never replayed on start.
func New(dir string, opts ...Option) (*Log, error) {
	a := &Log{
		dir:      dir,
		log:      logger.NoopLogger{},
		lastHash: GenesisHash,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	today := a.now().UTC()
	for _, day := range []string{dayKey(today), dayKey(today.AddDate(0, 0, -1))} {
		last, err := lastEntryOfDay(filepath.Join(dir, day+fileExt))
		if err != nil {
			return nil, err
		}
		if last != nil {
			a.lastHash = last.Hash
			break
		}
	}

	return a, nil
}

// Append computes the entry's hash, links it to the chain and persists it.
// The caller's Timestamp, PrevHash and Hash fields are overwritten.
func (a *Log) Append(e Entry) (*Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e.Timestamp = a.now().UTC()
	e.PrevHash = a.lastHash
	e.Hash = entryHash(&e)

	line, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("marshal audit entry: %w", err)
	}

	path := filepath.Join(a.dir, dayKey(e.Timestamp)+fileExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	a.lastHash = e.Hash
	a.log.Debug("audit entry appended", map[string]any{
		"action":    e.Action,
		"requestId": e.RequestID,
		"hash":      e.Hash,
	})
	return &e, nil
}

// LastHash returns the current chain head.
func (a *Log) LastHash() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHash
}

// Verify recomputes the hash chain. With day == "" every stored day is
// verified in order starting from the genesis sentinel; with a specific day
// ("2006-01-02") only that file is checked, trusting its first entry's
// stored prevHash as the chain seed.
//
// A single tampered field invalidates its own entry and every entry after
// it, so the report shows the full blast radius.
func (a *Log) Verify(day string) (*Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var days []string
	seed := GenesisHash
	if day != "" {
		days = []string{day}
		entries, err := readDay(filepath.Join(a.dir, day+fileExt))
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			seed = entries[0].PrevHash
		}
	} else {
		var err error
		days, err = a.storedDays()
		if err != nil {
			return nil, err
		}
	}

	report := &Report{Valid: true}
	expected := seed
	for _, d := range days {
		entries, err := readDay(filepath.Join(a.dir, d+fileExt))
		if err != nil {
			return nil, err
		}
		for i := range entries {
			e := &entries[i]
			if e.PrevHash != expected {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s[%d]: prevHash %q does not match chain head %q", d, i, e.PrevHash, expected))
			}
			recomputed := recomputeHash(e, expected)
			if recomputed != e.Hash {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s[%d]: stored hash %q does not match recomputed %q", d, i, e.Hash, recomputed))
			}
			expected = recomputed
		}
	}

	report.Valid = len(report.Errors) == 0
	return report, nil
}

func (a *Log) storedDays() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit dir: %w", err)
	}
	days := make([]string, 0, len(entries))
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		days = append(days, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(days)
	return days, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// entryHash hashes the canonical field subset plus the previous hash.
func entryHash(e *Entry) string {
	return recomputeHash(e, e.PrevHash)
}

func recomputeHash(e *Entry, prevHash string) string {
	canonical := strings.Join([]string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Action,
		e.RequestID,
		e.From,
		e.To,
		e.Amount,
		e.TxHash,
		prevHash,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func readDay(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse audit entry in %s: %w", filepath.Base(path), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return entries, nil
}

func lastEntryOfDay(path string) (*Entry, error) {
	entries, err := readDay(path)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}
