package state

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/user/converge/internal/types"
)

const maxLineSize = 16 << 20

// EntryStore is a JSONL-backed append-only entry log.
// Entries are stored per context in contexts/<contextID>/entries.jsonl.
type EntryStore struct {
	root string
	mu   sync.Mutex
	logs map[types.ContextID]*contextLog
}

// contextLog serialises access to one context file and caches what Append
// needs so it does not rescan the file.
type contextLog struct {
	mu     sync.Mutex
	loaded bool
	last   int64
	count  int64
	keys   map[string]int64
}

// NewEntryStore creates a file-backed EntryStore rooted at the given directory.
func NewEntryStore(root string) *EntryStore {
	return &EntryStore{
		root: root,
		logs: make(map[types.ContextID]*contextLog),
	}
}

func (s *EntryStore) getLog(contextID types.ContextID) *contextLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[contextID]; ok {
		return l
	}
	l := &contextLog{}
	s.logs[contextID] = l
	return l
}

func (s *EntryStore) contextsDir() string {
	return filepath.Join(s.root, "contexts")
}

func (s *EntryStore) entriesPath(contextID types.ContextID) string {
	return filepath.Join(s.contextsDir(), string(contextID), "entries.jsonl")
}

// scan calls fn for every stored entry in file order. fn returns false to stop.
func (s *EntryStore) scan(contextID types.ContextID, fn func(*types.ContextEntry) bool) error {
	f, err := os.Open(s.entriesPath(contextID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open entries file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var entry types.ContextEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		if !fn(&entry) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan entries file: %w", err)
	}
	return nil
}

// load builds the log's index on first use. Caller must hold l.mu.
func (s *EntryStore) load(contextID types.ContextID, l *contextLog) error {
	if l.loaded {
		return nil
	}
	l.last, l.count = 0, 0
	l.keys = make(map[string]int64)
	err := s.scan(contextID, func(e *types.ContextEntry) bool {
		l.count++
		l.last = e.Sequence
		if e.IdempotencyKey != "" {
			l.keys[e.IdempotencyKey] = e.Sequence
		}
		return true
	})
	if err != nil {
		return err
	}
	l.loaded = true
	return nil
}

// Append stores entry with the next sequence for its context. An entry whose
// idempotency key was already accepted is not written again; the original
// is returned with created=false.
func (s *EntryStore) Append(_ context.Context, contextID types.ContextID, entry *types.ContextEntry) (*types.ContextEntry, bool, error) {
	if err := contextID.Validate(); err != nil {
		return nil, false, err
	}
	l := s.getLog(contextID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.load(contextID, l); err != nil {
		return nil, false, err
	}

	if seq, ok := l.keys[entry.IdempotencyKey]; ok && entry.IdempotencyKey != "" {
		var existing *types.ContextEntry
		err := s.scan(contextID, func(e *types.ContextEntry) bool {
			if e.Sequence == seq {
				existing = e
				return false
			}
			return true
		})
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	dir := filepath.Dir(s.entriesPath(contextID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create context dir: %w", err)
	}

	stored := *entry
	stored.Sequence = l.last + 1

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(s.entriesPath(contextID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open entries file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return nil, false, fmt.Errorf("write entry: %w", err)
	}

	l.last = stored.Sequence
	l.count++
	if stored.IdempotencyKey != "" {
		l.keys[stored.IdempotencyKey] = stored.Sequence
	}
	return &stored, true, nil
}

// Range returns entries with Sequence > q.AfterSequence in sequence order.
func (s *EntryStore) Range(_ context.Context, contextID types.ContextID, q types.RangeQuery) ([]*types.ContextEntry, error) {
	if err := contextID.Validate(); err != nil {
		return nil, err
	}
	l := s.getLog(contextID)
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*types.ContextEntry
	err := s.scan(contextID, func(e *types.ContextEntry) bool {
		if e.Sequence <= q.AfterSequence {
			return true
		}
		if q.CorrelationID != "" && e.CorrelationID != q.CorrelationID {
			return true
		}
		out = append(out, e)
		return q.Limit <= 0 || len(out) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *EntryStore) LastSequence(_ context.Context, contextID types.ContextID) (int64, error) {
	if err := contextID.Validate(); err != nil {
		return 0, err
	}
	l := s.getLog(contextID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.load(contextID, l); err != nil {
		return 0, err
	}
	return l.last, nil
}

func (s *EntryStore) Count(_ context.Context, contextID types.ContextID) (int64, error) {
	if err := contextID.Validate(); err != nil {
		return 0, err
	}
	l := s.getLog(contextID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.load(contextID, l); err != nil {
		return 0, err
	}
	return l.count, nil
}

// Contexts lists every context that has an entries file.
func (s *EntryStore) Contexts(_ context.Context) ([]types.ContextID, error) {
	dirs, err := os.ReadDir(s.contextsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read contexts dir: %w", err)
	}
	var ids []types.ContextID
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id := types.ContextID(d.Name())
		if _, err := os.Stat(s.entriesPath(id)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Reset atomically replaces the context's log with entries. Sequences must
// be strictly increasing and are kept as given.
func (s *EntryStore) Reset(_ context.Context, contextID types.ContextID, entries []*types.ContextEntry) error {
	if err := contextID.Validate(); err != nil {
		return err
	}
	if err := checkSequences(entries); err != nil {
		return err
	}
	l := s.getLog(contextID)
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(s.entriesPath(contextID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}

	target := s.entriesPath(contextID)
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp entries file: %w", err)
	}
	if err := writeLines(f, entries); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp entries file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp entries file: %w", err)
	}

	l.loaded = false
	return s.load(contextID, l)
}

func (s *EntryStore) Close() error { return nil }

func writeLines(w io.Writer, entries []*types.ContextEntry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush entries: %w", err)
	}
	return nil
}

func checkSequences(entries []*types.ContextEntry) error {
	var prev int64
	for _, e := range entries {
		if e == nil {
			return fmt.Errorf("%w: nil entry", types.ErrInvalidArgument)
		}
		if e.Sequence <= prev {
			return fmt.Errorf("%w: sequence %d after %d", types.ErrInvalidArgument, e.Sequence, prev)
		}
		prev = e.Sequence
	}
	return nil
}

// EncodeEntries renders entries as JSON lines, the snapshot data format.
func EncodeEntries(entries []*types.ContextEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeLines(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEntries parses JSON lines produced by EncodeEntries, ordered by sequence.
func DecodeEntries(data []byte) ([]*types.ContextEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var out []*types.ContextEntry
	for {
		var e types.ContextEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: decode snapshot: %v", types.ErrInvalidArgument, err)
		}
		out = append(out, &e)
	}
	slices.SortStableFunc(out, func(a, b *types.ContextEntry) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return out, nil
}
