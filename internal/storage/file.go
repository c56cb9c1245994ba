package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ponybot/pkg/logx"
)

// fileStore keeps the table in memory and persists it as
//   - <prefix>.snapshot.json (full table, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only set/unset records)
//
// Sync compacts the journal into the snapshot.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu           sync.Mutex
	data         table
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	Exp   int64           `json:"exp,omitempty"`
	Del   bool            `json:"del,omitempty"`
}

func openFile(cfg Config, log logx.Logger, now func() time.Time) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		now:          now,
		data:         table{},
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
	}
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(s.snapshotPath, s.data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, s.data)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped corrupt journal lines", logx.Int("count", skipped))
	}
	s.data.prune(now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("keys", len(s.data)))
	return s, nil
}

func (s *fileStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	r, ok := s.data.get(key, s.now())
	if !ok {
		return false, nil
	}
	return true, decode(key, r.Value, dst)
}

func (s *fileStore) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := expiry(s.now(), ttl)
	if err := s.appendLocked(journalRecord{Key: key, Value: raw, Exp: exp}); err != nil {
		return err
	}
	s.data[key] = record{Value: raw, Exp: exp}
	return nil
}

func (s *fileStore) Unset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		if s.journal == nil {
			return ErrClosed
		}
		return nil
	}
	if err := s.appendLocked(journalRecord{Key: key, Del: true}); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.compactLocked()
}

// compactLocked writes the live table to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	s.data.prune(s.now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func loadSnapshot(path string, out table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]record
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal records in order and returns the number of
// unreadable lines, which are skipped.
func replayJournal(path string, out table) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			skipped++
			continue
		}
		if r.Del {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = record{Value: r.Value, Exp: r.Exp}
	}
	return skipped, sc.Err()
}
