package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "ponybot/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type driverCase struct {
	name string
	open func(t *testing.T, now func() time.Time) Store
}

func drivers() []driverCase {
	return []driverCase{
		{"memory", func(t *testing.T, now func() time.Time) Store { return NewMemory(now) }},
		{"file", func(t *testing.T, now func() time.Time) Store {
			s, err := openFile(Config{Path: filepath.Join(t.TempDir(), "db")}, logx.Nop(), now)
			if err != nil {
				t.Fatalf("openFile: %v", err)
			}
			return s
		}},
		{"sqlite", func(t *testing.T, now func() time.Time) Store {
			s, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "db.sqlite")}, logx.Nop(), now)
			if err != nil {
				t.Fatalf("openSQLite: %v", err)
			}
			return s
		}},
	}
}

type user struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := &testClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
			s := d.open(t, clk.Now)
			defer s.Close()

			var got user
			ok, err := s.Get(ctx, "missing", &got)
			if err != nil || ok {
				t.Fatalf("Get missing = %v, %v", ok, err)
			}

			if err := s.Set(ctx, "u1", user{ID: 1, Name: "alice"}, 0); err != nil {
				t.Fatalf("Set: %v", err)
			}
			ok, err = s.Get(ctx, "u1", &got)
			if err != nil || !ok || got.Name != "alice" {
				t.Fatalf("Get u1 = %v, %+v, %v", ok, got, err)
			}

			if err := s.Set(ctx, "1_lock", "core", time.Minute); err != nil {
				t.Fatalf("Set ttl: %v", err)
			}
			var team string
			if ok, _ := s.Get(ctx, "1_lock", &team); !ok || team != "core" {
				t.Fatalf("lock before expiry = %v %q", ok, team)
			}
			clk.Advance(time.Minute)
			if ok, _ := s.Get(ctx, "1_lock", &team); ok {
				t.Fatal("expired key still readable")
			}

			if err := s.Unset(ctx, "u1"); err != nil {
				t.Fatalf("Unset: %v", err)
			}
			if ok, _ := s.Get(ctx, "u1", &got); ok {
				t.Fatal("unset key still readable")
			}
			if err := s.Unset(ctx, "never-set"); err != nil {
				t.Fatalf("Unset missing: %v", err)
			}
			if err := s.Sync(ctx); err != nil {
				t.Fatalf("Sync: %v", err)
			}
		})
	}
}

func TestStoreClosed(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			s := d.open(t, time.Now)
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			err := s.Set(context.Background(), "k", 1, 0)
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("Set after Close = %v, want ErrClosed", err)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pony")
	clk := &testClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}

	s, err := openFile(Config{Path: path}, logx.Nop(), clk.Now)
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	_ = s.Set(ctx, "a", 1, 0)
	_ = s.Set(ctx, "b", 2, 0)
	_ = s.Sync(ctx)
	_ = s.Set(ctx, "c", 3, time.Hour)
	_ = s.Unset(ctx, "a")
	// journal-only state must survive without a clean Close
	fs := s.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	s2, err := openFile(Config{Path: path}, logx.Nop(), clk.Now)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	var v int
	if ok, _ := s2.Get(ctx, "a", &v); ok {
		t.Fatal("a should be deleted")
	}
	if ok, _ := s2.Get(ctx, "b", &v); !ok || v != 2 {
		t.Fatalf("b = %v %d", ok, v)
	}
	if ok, _ := s2.Get(ctx, "c", &v); !ok || v != 3 {
		t.Fatalf("c = %v %d", ok, v)
	}
}

func TestFileStoreSkipsCorruptJournal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	journal := filepath.Join(dir, "pony.journal.jsonl")
	body := "{\"key\":\"ok\",\"value\":1}\nnot json\n"
	if err := os.WriteFile(journal, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := openFile(Config{Path: filepath.Join(dir, "pony")}, logx.Nop(), time.Now)
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	defer s.Close()
	got, err := Lookup[int](context.Background(), s, "ok")
	if err != nil || got != 1 {
		t.Fatalf("Lookup = %d, %v", got, err)
	}
}

func TestLookupAndGetOr(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(nil)
	if _, err := Lookup[string](ctx, s, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup err = %v, want ErrNotFound", err)
	}
	v, err := GetOr(ctx, s, "nope", []string{"x"})
	if err != nil || len(v) != 1 || v[0] != "x" {
		t.Fatalf("GetOr = %v, %v", v, err)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		driver  string
		path    string
		wantErr bool
	}{
		{driver: "", wantErr: false},
		{driver: "memory", wantErr: false},
		{driver: "file", path: "", wantErr: true},
		{driver: "redis", wantErr: true},
	}
	for _, tt := range tests {
		s, err := Open(Config{Driver: tt.driver, Path: tt.path}, logx.Nop())
		if (err != nil) != tt.wantErr {
			t.Fatalf("Open(%q) err = %v, wantErr %v", tt.driver, err, tt.wantErr)
		}
		if s != nil {
			_ = s.Close()
		}
	}
}
