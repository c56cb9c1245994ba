package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ponybot/internal/config"
	"ponybot/internal/taskqueue"
	kit "ponybot/internal/transport"
)

type fakeAdapter struct {
	mu      sync.Mutex
	out     chan<- kit.Update
	sent    []string
	sendErr error
	menu    []kit.BotCommand
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return kit.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) push(t *testing.T, m kit.Message) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		t.Fatal("adapter not started")
	}
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &m}
}

func (f *fakeAdapter) sentContaining(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sent {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (f *fakeAdapter) menuLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.menu)
}

func writeConfig(t *testing.T, debug bool) string {
	t.Helper()
	d := "false"
	if debug {
		d = "true"
	}
	body := `telegram:
  token: test-token
  owner_user_ids: [1]
logging:
  level: error
storage:
  driver: memory
queues:
  debug: ` + d + `
  slow:
    interval: 50ms
    poll: 10ms
  fast:
    interval: 20ms
    poll: 5ms
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T, fa *fakeAdapter, debug bool) *App {
	t.Helper()
	a, err := NewApp(writeConfig(t, debug),
		WithAdapter(fa),
		WithEnviron(func() map[string]string { return map[string]string{} }),
	)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAppRepliesToStart(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	a := newTestApp(t, fa, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fa.push(t, kit.Message{ChatID: 42, FromID: 42, FromUsername: "ann", FromFirstName: "Ann", Text: "/start", IsPrivate: true})

	waitFor(t, "welcome reply", func() bool { return fa.sentContaining("standup questions") })
	waitFor(t, "menu commands", func() bool { return fa.menuLen() > 0 })

	ok, err := a.Bot().HasIM(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("HasIM = %v, %v", ok, err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("Err = %v", a.Err())
	}
}

func TestDebugModeStopsOnTaskError(t *testing.T) {
	t.Parallel()
	boom := errors.New("send failed")
	fa := &fakeAdapter{sendErr: boom}
	a := newTestApp(t, fa, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fa.push(t, kit.Message{ChatID: 7, FromID: 7, Text: "/start", IsPrivate: true})

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop on task error")
	}

	var te *taskqueue.TaskError
	if !errors.As(a.Err(), &te) {
		t.Fatalf("Err = %v, want TaskError", a.Err())
	}
	if !errors.Is(a.Err(), boom) || te.Task != "SendMessage" || te.Queue != "fast" {
		t.Fatalf("TaskError = %+v", te)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, StopFatalError)
}

func TestApplyConfigSwapsSettings(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	a := newTestApp(t, fa, false)
	defer func() { _ = a.store.Close() }()

	prev := a.cfgm.Get()
	next := *prev
	next.Pony.Teams = []config.TeamConfig{{
		Name:     "core",
		ChatID:   -100,
		Schedule: "0 9 * * 1-5",
		Members:  []string{"ann"},
	}}
	a.applyConfig(prev, &next)

	s := a.Bot().Settings()
	if len(s.Teams) != 1 || s.Teams[0].Name != "core" {
		t.Fatalf("teams = %+v", s.Teams)
	}

	// A broken team keeps the previous settings.
	bad := next
	bad.Pony.Teams = []config.TeamConfig{{Name: "x", ChatID: 1, Schedule: "not a cron", Members: []string{"a"}}}
	a.applyConfig(&next, &bad)
	if got := a.Bot().Settings().Teams[0].Name; got != "core" {
		t.Fatalf("team after bad reload = %q", got)
	}
}
