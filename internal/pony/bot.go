package pony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ponybot/internal/eventbus"
	"ponybot/internal/storage"
	"ponybot/internal/taskqueue"
	kit "ponybot/internal/transport"
	logx "ponybot/pkg/logx"
)

var (
	ErrNoTeam         = errors.New("pony: no such team")
	ErrStandupRunning = errors.New("pony: standup already running")
)

// Queue is the queue type every bot task runs on.
type Queue = taskqueue.Queue[*Bot]

// Task is a unit of bot work.
type Task = taskqueue.Task[*Bot]

// TaskFailed is the payload of eventbus.TypeTaskFailed.
type TaskFailed struct {
	Queue    string `json:"queue"`
	Task     string `json:"task"`
	Error    string `json:"error"`
	Panicked bool   `json:"panicked"`
}

type Deps struct {
	Store  storage.Store
	Sender kit.Sender
	Bus    eventbus.Bus
	Log    logx.Logger
	Now    func() time.Time
}

// Bot is the host every task runs against: storage, chat, settings and the
// two queues.
type Bot struct {
	store  storage.Store
	sender kit.Sender
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	settings atomic.Pointer[Settings]

	slow *Queue
	fast *Queue

	// mu serializes read-modify-write of stored collections across queues.
	mu sync.Mutex

	warnMu sync.Mutex
	warned map[string]bool
}

var _ taskqueue.Host = (*Bot)(nil)

func New(d Deps, s *Settings) *Bot {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Store == nil {
		d.Store = storage.NewMemory(d.Now)
	}
	b := &Bot{
		store:  d.Store,
		sender: d.Sender,
		bus:    d.Bus,
		log:    d.Log.With(logx.String("comp", "pony")),
		now:    d.Now,
		warned: map[string]bool{},
	}
	if s == nil {
		s = &Settings{Location: time.UTC}
	}
	b.settings.Store(s)
	return b
}

// AttachQueues wires the queues the bot appends to. It must be called before
// any task runs.
func (b *Bot) AttachQueues(slow, fast *Queue) {
	b.slow = slow
	b.fast = fast
}

// Seed adds the recurring world updates to the slow queue.
func (b *Bot) Seed() {
	b.slow.Append(taskqueue.Repeat(b.slow, Task(UpdateUserList{})))
	b.slow.Append(taskqueue.Repeat(b.slow, Task(UpdateIMList{})))
	b.slow.Append(taskqueue.Repeat(b.slow, Task(CheckReports{})))
	b.slow.Append(taskqueue.Repeat(b.slow, Task(SyncDB{})))
}

func (b *Bot) Settings() *Settings { return b.settings.Load() }

// SetSettings swaps the settings used by subsequent tasks.
func (b *Bot) SetSettings(s *Settings) {
	if s == nil {
		return
	}
	b.settings.Store(s)
	b.warnMu.Lock()
	b.warned = map[string]bool{}
	b.warnMu.Unlock()
}

func (b *Bot) Store() storage.Store { return b.store }
func (b *Bot) Log() logx.Logger     { return b.log }
func (b *Bot) Now() time.Time       { return b.now() }

// ReportTaskError logs a failed task and publishes it on the bus.
func (b *Bot) ReportTaskError(err *taskqueue.TaskError) {
	if err == nil {
		return
	}
	b.log.Error("task failed",
		logx.String("queue", err.Queue),
		logx.String("task", err.Task),
		logx.String("entry_id", err.EntryID.String()),
		logx.Duration("queued_for", b.now().Sub(err.EnqueuedAt)),
		logx.Err(err.Err),
		logx.Stack(err.Stack),
	)
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskFailed,
		Data: TaskFailed{Queue: err.Queue, Task: err.Task, Error: err.Err.Error(), Panicked: err.Panicked()},
	})
}

// HandleUpdate queues an incoming update for the fast queue.
func (b *Bot) HandleUpdate(up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	b.fast.Append(ReadMessage{Msg: *up.Message})
}

// Say queues a message on the fast queue.
func (b *Bot) Say(to kit.ChatTarget, text string) {
	b.fast.Append(SendMessage{To: to, Text: text})
}

func (b *Bot) send(ctx context.Context, to kit.ChatTarget, text string) error {
	if b.sender == nil {
		return errors.New("pony: no chat sender")
	}
	_, err := b.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		return fmt.Errorf("send to %d: %w", to.ChatID, err)
	}
	return nil
}

// Commands is the bot command menu.
func (b *Bot) Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "Let the bot message you"},
		{Command: "skip", Description: "Skip today's standup"},
		{Command: "standup", Description: "Start a team standup now"},
		{Command: "status", Description: "Show queues and running standups"},
	}
}

// warnOnce logs msg once per key until settings change.
func (b *Bot) warnOnce(key, msg string, fields ...logx.Field) {
	b.warnMu.Lock()
	seen := b.warned[key]
	b.warned[key] = true
	b.warnMu.Unlock()
	if !seen {
		b.log.Warn(msg, fields...)
	}
}

func keyPart(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
