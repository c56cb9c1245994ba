package pony

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ponybot/internal/config"
	"ponybot/internal/eventbus"
	"ponybot/internal/storage"
	"ponybot/internal/taskqueue"
	kit "ponybot/internal/transport"
)

const (
	ownerID   = 1
	aliceID   = 10
	bobID     = 11
	teamChat  = -100
	fastEvery = 750 * time.Millisecond
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return kit.MessageRef{}, s.err
	}
	s.msgs = append(s.msgs, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.msgs)}, nil
}

func (s *fakeSender) to(chatID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		if m.to.ChatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func (s *fakeSender) last(t *testing.T, chatID int64) string {
	t.Helper()
	msgs := s.to(chatID)
	if len(msgs) == 0 {
		t.Fatalf("no messages to %d", chatID)
	}
	return msgs[len(msgs)-1]
}

type harness struct {
	bot    *Bot
	slow   *Queue
	fast   *Queue
	sender *fakeSender
	clk    *clock
	bus    eventbus.Bus
}

func testConfig(schedule string) *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{ownerID}},
		Pony: config.PonyConfig{
			Timezone:      "UTC",
			ReportTimeout: "1h",
			Teams: []config.TeamConfig{{
				Name:      "core",
				ChatID:    teamChat,
				Schedule:  schedule,
				Members:   []string{"@alice", "Bob"},
				Questions: []string{"Yesterday?", "Today?"},
			}},
		},
	}
}

func newHarness(t *testing.T, schedule string) *harness {
	t.Helper()
	settings, err := NewSettings(testConfig(schedule))
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	clk := &clock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	sender := &fakeSender{}
	bus := eventbus.New()
	b := New(Deps{Store: storage.NewMemory(clk.Now), Sender: sender, Bus: bus, Now: clk.Now}, settings)
	slow, err := taskqueue.New(b, 2*time.Minute, taskqueue.WithName("slow"), taskqueue.WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	fast, err := taskqueue.New(b, fastEvery, taskqueue.WithName("fast"), taskqueue.WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	b.AttachQueues(slow, fast)
	return &harness{bot: b, slow: slow, fast: fast, sender: sender, clk: clk, bus: bus}
}

// flush drains the fast queue until nothing new is appended.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	for i := 0; i < 10 && h.fast.Len() > 0; i++ {
		h.clk.Advance(fastEvery + time.Millisecond)
		if err := h.fast.Process(context.Background()); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if n := h.fast.Len(); n > 0 {
		t.Fatalf("fast queue still has %d tasks", n)
	}
}

func (h *harness) message(from int64, username string, chatID int64, text string) {
	h.bot.HandleUpdate(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID:        chatID,
		FromID:        from,
		FromUsername:  username,
		FromFirstName: strings.ToUpper(username[:1]) + username[1:],
		Text:          text,
		IsPrivate:     chatID == from,
	}})
}

// onboard has alice and bob open private chats and resolves the roster.
func (h *harness) onboard(t *testing.T) {
	t.Helper()
	h.message(aliceID, "alice", aliceID, "/start")
	h.message(bobID, "bob", bobID, "/start")
	h.flush(t)
	if err := (UpdateUserList{}).Execute(context.Background(), h.bot); err != nil {
		t.Fatalf("UpdateUserList: %v", err)
	}
}

func TestUserLookup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	ctx := context.Background()

	if _, err := h.bot.RememberUser(ctx, User{ID: aliceID, Username: "Alice"}); err != nil {
		t.Fatal(err)
	}
	u, ok, err := h.bot.UserByName(ctx, "@alice")
	if err != nil || !ok || u.ID != aliceID {
		t.Fatalf("UserByName = %+v %v %v", u, ok, err)
	}
	if _, err := h.bot.RememberUser(ctx, User{ID: aliceID, Username: "alice2"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.bot.UserByName(ctx, "alice"); ok {
		t.Fatal("old username still resolves")
	}
	u, ok, _ = h.bot.UserByID(ctx, aliceID)
	if !ok || u.Username != "alice2" {
		t.Fatalf("UserByID = %+v %v", u, ok)
	}
	if _, ok, _ := h.bot.UserByName(ctx, "@"); ok {
		t.Fatal("empty name matched")
	}
}

func TestUserLockExpires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	ctx := context.Background()

	if err := h.bot.LockUser(ctx, aliceID, "core", time.Minute); err != nil {
		t.Fatal(err)
	}
	l, ok, err := h.bot.UserLock(ctx, aliceID)
	if err != nil || !ok || l.Team != "core" {
		t.Fatalf("UserLock = %+v %v %v", l, ok, err)
	}
	h.clk.Advance(time.Minute)
	if _, ok, _ := h.bot.UserLock(ctx, aliceID); ok {
		t.Fatal("lock survived its ttl")
	}

	_ = h.bot.LockUser(ctx, bobID, "core", time.Hour)
	if err := h.bot.UnlockUser(ctx, bobID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.bot.UserLock(ctx, bobID); ok {
		t.Fatal("lock survived unlock")
	}
}

func TestStartRegistersIM(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	h.message(aliceID, "alice", aliceID, "/start")
	if h.fast.Len() != 1 {
		t.Fatalf("HandleUpdate queued %d tasks, want 1", h.fast.Len())
	}
	h.flush(t)

	ok, err := h.bot.HasIM(context.Background(), aliceID)
	if err != nil || !ok {
		t.Fatalf("HasIM = %v %v", ok, err)
	}
	if got := h.sender.last(t, aliceID); !strings.Contains(got, "standup questions") {
		t.Fatalf("welcome = %q", got)
	}
}

func TestStandupFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	h.onboard(t)
	events, unsub := h.bus.Subscribe(8)
	defer unsub()

	h.message(ownerID, "owner", teamChat, "/standup@ponybot core")
	h.flush(t)
	if got := h.sender.last(t, teamChat); !strings.Contains(got, "asking 2 member") {
		t.Fatalf("group reply = %q", got)
	}
	if got := h.sender.last(t, aliceID); !strings.Contains(got, "Yesterday?") || !strings.Contains(got, "Hi Alice") {
		t.Fatalf("first question = %q", got)
	}
	if e := <-events; e.Type != eventbus.TypeStandupStarted {
		t.Fatalf("event = %q", e.Type)
	}

	h.message(aliceID, "alice", aliceID, "fixed the build")
	h.flush(t)
	if got := h.sender.last(t, aliceID); got != "Today?" {
		t.Fatalf("second question = %q", got)
	}
	h.message(aliceID, "alice", aliceID, "release")
	h.message(bobID, "bob", bobID, "/skip")
	h.flush(t)
	if got := h.sender.last(t, aliceID); !strings.Contains(got, "Thanks") {
		t.Fatalf("closing = %q", got)
	}
	if got := h.sender.last(t, bobID); !strings.Contains(got, "skipped") {
		t.Fatalf("skip reply = %q", got)
	}

	if err := (CheckReports{}).Execute(context.Background(), h.bot); err != nil {
		t.Fatalf("CheckReports: %v", err)
	}
	h.flush(t)
	report := h.sender.last(t, teamChat)
	for _, want := range []string{"Standup report: core (2024-03-04)", "@alice", "- Yesterday?\n  fixed the build", "- Today?\n  release", "Skipped: @bob"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
	if _, running, _ := h.bot.ActiveStandup(context.Background(), "core"); running {
		t.Fatal("standup still active after report")
	}
	if _, locked, _ := h.bot.UserLock(context.Background(), aliceID); locked {
		t.Fatal("alice still locked")
	}
	if e := <-events; e.Type != eventbus.TypeStandupDone {
		t.Fatalf("event = %q", e.Type)
	}
}

func TestStandupCommandChecks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	h.onboard(t)

	h.message(aliceID, "alice", teamChat, "/standup core")
	h.flush(t)
	if got := h.sender.last(t, teamChat); !strings.Contains(got, "Only bot owners") {
		t.Fatalf("non-owner reply = %q", got)
	}
	h.message(ownerID, "owner", teamChat, "/standup nope")
	h.flush(t)
	if got := h.sender.last(t, teamChat); !strings.Contains(got, `No team named "nope"`) {
		t.Fatalf("unknown team reply = %q", got)
	}
	h.message(ownerID, "owner", teamChat, "/standup core")
	h.message(ownerID, "owner", teamChat, "/standup core")
	h.flush(t)
	if got := h.sender.last(t, teamChat); !strings.Contains(got, "already running") {
		t.Fatalf("duplicate reply = %q", got)
	}
	if _, err := h.bot.StartStandup(context.Background(), "nope"); !errors.Is(err, ErrNoTeam) {
		t.Fatalf("StartStandup err = %v, want ErrNoTeam", err)
	}
}

func TestScheduledStandupTimesOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "0 10 * * *")
	h.onboard(t)
	ctx := context.Background()

	// first check only records the time
	if err := (CheckReports{}).Execute(ctx, h.bot); err != nil {
		t.Fatal(err)
	}
	if _, running, _ := h.bot.ActiveStandup(ctx, "core"); running {
		t.Fatal("standup started before schedule")
	}

	h.clk.Advance(time.Hour + 30*time.Second)
	if err := (CheckReports{}).Execute(ctx, h.bot); err != nil {
		t.Fatal(err)
	}
	h.flush(t)
	if _, running, _ := h.bot.ActiveStandup(ctx, "core"); !running {
		t.Fatal("scheduled standup not started")
	}

	h.message(aliceID, "alice", aliceID, "only one answer")
	h.flush(t)
	h.clk.Advance(time.Hour)
	if err := (CheckReports{}).Execute(ctx, h.bot); err != nil {
		t.Fatal(err)
	}
	h.flush(t)
	report := h.sender.last(t, teamChat)
	if !strings.Contains(report, "only one answer") || !strings.Contains(report, "No answer: @bob") {
		t.Fatalf("report:\n%s", report)
	}
}

func TestStandupWithoutIMs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	ctx := context.Background()
	_, _ = h.bot.RememberUser(ctx, User{ID: aliceID, Username: "alice"})
	if err := (UpdateUserList{}).Execute(ctx, h.bot); err != nil {
		t.Fatal(err)
	}
	if err := (UpdateIMList{}).Execute(ctx, h.bot); err != nil {
		t.Fatal(err)
	}
	st, err := h.bot.StartStandup(ctx, "core")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Members) != 0 {
		t.Fatalf("members = %v", st.Members)
	}
	h.flush(t)
	if got := h.sender.last(t, teamChat); !strings.Contains(got, "nobody to ask") {
		t.Fatalf("reply = %q", got)
	}
}

func TestTaskFailureReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	events, unsub := h.bus.Subscribe(4)
	defer unsub()
	h.sender.err = errors.New("telegram down")

	h.bot.Say(kit.ChatTarget{ChatID: teamChat}, "hello")
	h.bot.Say(kit.ChatTarget{ChatID: teamChat}, "again")
	h.flush(t)

	for i := 0; i < 2; i++ {
		e := <-events
		tf, ok := e.Data.(TaskFailed)
		if e.Type != eventbus.TypeTaskFailed || !ok {
			t.Fatalf("event = %+v", e)
		}
		if tf.Queue != "fast" || tf.Task != "SendMessage" || !strings.Contains(tf.Error, "telegram down") {
			t.Fatalf("payload = %+v", tf)
		}
	}
	if snap := h.fast.Snapshot(); snap.Failed != 2 {
		t.Fatalf("failed = %d", snap.Failed)
	}
}

func TestSeedRepeats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	h.bot.Seed()
	if h.slow.Len() != 4 {
		t.Fatalf("seeded %d tasks", h.slow.Len())
	}
	h.clk.Advance(3 * time.Minute)
	if err := h.slow.Process(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.slow.Len() != 4 {
		t.Fatalf("after drain %d tasks, want 4 re-queued", h.slow.Len())
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		cmd  string
		args int
	}{
		{"/start", "start", 0},
		{"/Standup@ponybot core", "standup", 1},
		{"  /skip  now ", "skip", 1},
		{"hello /start", "", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		cmd, args := parseCommand(tt.in)
		if cmd != tt.cmd || len(args) != tt.args {
			t.Fatalf("parseCommand(%q) = %q %v", tt.in, cmd, args)
		}
	}
}

func TestNewSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"0 10 * * 1-5", false},
		{"30 0 10 * * *", false},
		{"@daily", false},
		{"CRON_TZ=UTC 0 9 * * *", false},
		{"every morning", true},
	}
	for _, tt := range tests {
		s, err := NewSettings(testConfig(tt.schedule))
		if (err != nil) != tt.wantErr {
			t.Fatalf("NewSettings(%q) err = %v", tt.schedule, err)
		}
		if err == nil && s.Teams[0].Schedule == nil {
			t.Fatalf("NewSettings(%q): schedule not set", tt.schedule)
		}
	}
	s, _ := NewSettings(testConfig(""))
	if !s.IsOwner(ownerID) || s.IsOwner(aliceID) {
		t.Fatal("owner check")
	}
	if _, ok := s.Team("CORE"); !ok {
		t.Fatal("team lookup is case-insensitive")
	}
}

func TestStatusReportsQueuesAndDroppedEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")

	// An unread subscriber with room for one event drops the second.
	_, unsub := h.bus.Subscribe(1)
	defer unsub()
	h.bus.Publish(eventbus.Event{Type: "test.one"})
	h.bus.Publish(eventbus.Event{Type: "test.two"})

	h.message(ownerID, "owner", ownerID, "/status")
	h.flush(t)
	got := h.sender.last(t, ownerID)
	for _, want := range []string{"slow: 0 queued", "fast:", "events dropped: 1"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status = %q, missing %q", got, want)
		}
	}
}
