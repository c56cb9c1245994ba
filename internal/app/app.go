package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ponybot/internal/config"
	"ponybot/internal/eventbus"
	"ponybot/internal/pony"
	"ponybot/internal/runtime/supervisor"
	"ponybot/internal/storage"
	"ponybot/internal/taskqueue"
	kit "ponybot/internal/transport"
	telegram "ponybot/internal/transport/telegram/adapter"
	logx "ponybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	bot     *pony.Bot
	slow    *pony.Queue
	fast    *pony.Queue
	polls   [2]time.Duration

	updates chan kit.Update
}

type Option func(*options)

type options struct {
	adapter kit.Adapter
	envFile string
	environ func() map[string]string
}

// WithAdapter replaces the Telegram adapter.
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithEnvFile sets the dotenv file overlaid on the config.
func WithEnvFile(path string) Option { return func(o *options) { o.envFile = path } }

// WithEnviron replaces the process environment used for the config overlay.
func WithEnviron(fn func() map[string]string) Option { return func(o *options) { o.environ = fn } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvFile(o.envFile)
	if o.environ != nil {
		cfgm.SetEnviron(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := pony.NewSettings(cfg)
	if err != nil {
		return nil, err
	}
	slowT, err := cfg.Queues.Slow.Resolve("queues.slow", config.DefaultSlowInterval)
	if err != nil {
		return nil, err
	}
	fastT, err := cfg.Queues.Fast.Resolve("queues.fast", config.DefaultFastInterval)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		acfg, err := mapAdapterConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(acfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// Bootstrap with the chat sink off; Apply warns when it is enabled
	// without a target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logs, root := logx.New(bootCfg, ad)
	logs.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	logs.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	bot := pony.New(pony.Deps{Store: store, Sender: ad, Bus: bus, Log: root}, settings)

	qlog := root.With(logx.String("comp", "taskqueue"))
	slow, err := taskqueue.New(bot, slowT.Interval,
		taskqueue.WithName("slow"), taskqueue.WithFailFast(cfg.Queues.Debug), taskqueue.WithLogger(qlog))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	fast, err := taskqueue.New(bot, fastT.Interval,
		taskqueue.WithName("fast"), taskqueue.WithFailFast(cfg.Queues.Debug), taskqueue.WithLogger(qlog))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bot.AttachQueues(slow, fast)
	bot.Seed()

	if cfg.Queues.Debug {
		log.Warn("debug mode: the first task error stops the bot")
	}
	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: ad,
		bot:     bot,
		slow:    slow,
		fast:    fast,
		polls:   [2]time.Duration{slowT.Poll, fastT.Poll},
		updates: make(chan kit.Update, 256),
	}, nil
}

func (a *App) Bot() *pony.Bot { return a.bot }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, e.g. a task error in debug mode.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		_, err := pony.NewSettings(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("menu.update", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.bot.Commands()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	// In debug mode Run returns the fail-fast error, which cancels the app.
	a.sup.Go("queue.slow", func(c context.Context) error { return a.slow.Run(c, a.polls[0]) })
	a.sup.Go("queue.fast", func(c context.Context) error { return a.fast.Run(c, a.polls[1]) })

	a.sup.Go0("updates.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-a.updates:
				a.bot.HandleUpdate(up)
			}
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	// A broken watcher only costs hot reload.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithStopOnCleanExit(true),
	)

	a.log.Info("app started",
		logx.Duration("slow_interval", a.slow.Interval()),
		logx.Duration("fast_interval", a.fast.Interval()),
		logx.Int("teams", len(a.bot.Settings().Teams)),
	)
	return nil
}

// applyConfig applies a reloaded config. Settings that need a restart are
// reported and left as they were.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetTelegramTarget(next.Telegram.LogChatID, next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	if s, err := pony.NewSettings(next); err != nil {
		a.log.Warn("invalid pony config; keeping previous", logx.Err(err))
	} else {
		a.bot.SetSettings(s)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels the app and tears components down in order: adapter first
// (no new updates), then queues and goroutines, then storage and logs.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	var supErr error
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		supErr = err
		return nil
	})
	a.step(ctx, "storage", 2*time.Second, func(c context.Context) error {
		if err := a.store.Sync(c); err != nil {
			a.log.Warn("final storage sync failed", logx.Err(err))
		}
		return a.store.Close()
	})

	for _, q := range []*pony.Queue{a.slow, a.fast} {
		if snap := q.Snapshot(); snap.Len > 0 || snap.Failed > 0 {
			a.log.Info("queue state at stop", logx.String("queue", snap.Name), logx.Int("pending", snap.Len), logx.Uint64("failed", snap.Failed))
		}
	}
	if n := a.bus.Dropped(); n > 0 {
		a.log.Warn("events dropped by slow subscribers", logx.Uint64("count", n))
	}
	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		return err
	}
	return supErr
}
