package pony

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	kit "ponybot/internal/transport"
	logx "ponybot/pkg/logx"
)

// ReadMessage handles one incoming chat message.
type ReadMessage struct {
	Msg kit.Message
}

func (ReadMessage) String() string { return "ReadMessage" }

func (t ReadMessage) Execute(ctx context.Context, b *Bot) error {
	m := t.Msg
	if m.FromID == 0 {
		return nil
	}
	u, err := b.RememberUser(ctx, User{ID: m.FromID, Username: m.FromUsername, FirstName: m.FromFirstName})
	if err != nil {
		return err
	}
	reply := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	cmd, args := parseCommand(m.Text)

	if !m.IsPrivate {
		switch cmd {
		case "standup":
			return b.cmdStandup(ctx, u, reply, args)
		case "status":
			return b.cmdStatus(ctx, u, reply)
		}
		return nil
	}

	switch cmd {
	case "start":
		created, err := b.RegisterIM(ctx, u.ID)
		if err != nil {
			return err
		}
		if created {
			b.fast.Append(UpdateIMList{})
		}
		b.Say(reply, "Hi! I'll ask you the standup questions here when it's time.")
		return nil
	case "skip":
		ok, err := b.Skip(ctx, u)
		if err != nil {
			return err
		}
		if ok {
			b.Say(reply, "OK, skipped for today.")
		} else {
			b.Say(reply, "There's no standup waiting for you.")
		}
		return nil
	case "status":
		return b.cmdStatus(ctx, u, reply)
	case "standup":
		return b.cmdStandup(ctx, u, reply, args)
	case "":
		_, err := b.RecordAnswer(ctx, u, m.Text)
		return err
	default:
		b.Say(reply, "Unknown command. Try /start, /skip, /standup <team> or /status.")
		return nil
	}
}

func (b *Bot) cmdStandup(ctx context.Context, u User, reply kit.ChatTarget, args []string) error {
	if !b.Settings().IsOwner(u.ID) {
		b.Say(reply, "Only bot owners can start a standup.")
		return nil
	}
	if len(args) == 0 {
		b.Say(reply, "Usage: /standup <team>")
		return nil
	}
	st, err := b.StartStandup(ctx, args[0])
	switch {
	case errors.Is(err, ErrNoTeam):
		b.Say(reply, fmt.Sprintf("No team named %q.", args[0]))
		return nil
	case errors.Is(err, ErrStandupRunning):
		b.Say(reply, "A standup is already running for that team.")
		return nil
	case err != nil:
		return err
	}
	if len(st.Members) > 0 {
		b.Say(reply, fmt.Sprintf("Standup started for %s: asking %d member(s).", st.Team, len(st.Members)))
	}
	return nil
}

func (b *Bot) cmdStatus(ctx context.Context, u User, reply kit.ChatTarget) error {
	s := b.Settings()
	if !s.IsOwner(u.ID) {
		return nil
	}
	var sb strings.Builder
	for _, q := range []*Queue{b.slow, b.fast} {
		if q == nil {
			continue
		}
		snap := q.Snapshot()
		fmt.Fprintf(&sb, "%s: %d queued, every %s, %d ok / %d failed", snap.Name, snap.Len, snap.Interval, snap.Executed-snap.Failed, snap.Failed)
		if !snap.LastRunAt.IsZero() {
			fmt.Fprintf(&sb, ", last run %s", snap.LastRunAt.In(s.Location).Format("15:04:05"))
		}
		sb.WriteString("\n")
	}
	if n := b.bus.Dropped(); n > 0 {
		fmt.Fprintf(&sb, "events dropped: %d\n", n)
	}
	for _, t := range s.Teams {
		st, running, err := b.ActiveStandup(ctx, t.Name)
		if err != nil {
			return err
		}
		if !running {
			continue
		}
		done := 0
		for _, id := range st.Members {
			if st.Done(id, len(t.Questions)) {
				done++
			}
		}
		fmt.Fprintf(&sb, "standup %s: %d/%d done, deadline %s\n", t.Name, done, len(st.Members), st.Deadline.In(s.Location).Format("15:04"))
	}
	b.Say(reply, strings.TrimRight(sb.String(), "\n"))
	return nil
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]). Plain text yields "".
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

// SendMessage delivers text to a chat.
type SendMessage struct {
	To   kit.ChatTarget
	Text string
}

func (SendMessage) String() string { return "SendMessage" }

func (t SendMessage) Execute(ctx context.Context, b *Bot) error {
	if strings.TrimSpace(t.Text) == "" {
		return nil
	}
	return b.send(ctx, t.To, t.Text)
}

// UpdateUserList resolves team member names to known users and stores each
// team's roster.
type UpdateUserList struct{}

func (UpdateUserList) String() string { return "UpdateUserList" }

func (UpdateUserList) Execute(ctx context.Context, b *Bot) error {
	var errs []error
	for _, t := range b.Settings().Teams {
		roster := make([]int64, 0, len(t.Members))
		for _, name := range t.Members {
			u, ok, err := b.UserByName(ctx, name)
			if err != nil {
				return err
			}
			if !ok {
				b.warnOnce("unknown:"+keyPart(name), "team member not seen yet",
					logx.String("team", t.Name), logx.String("member", name))
				continue
			}
			if !slices.Contains(roster, u.ID) {
				roster = append(roster, u.ID)
			}
		}
		errs = append(errs, b.store.Set(ctx, rosterKey(t.Name), roster, 0))
	}
	return errors.Join(errs...)
}

// UpdateIMList checks that every roster member can be messaged privately.
type UpdateIMList struct{}

func (UpdateIMList) String() string { return "UpdateIMList" }

func (UpdateIMList) Execute(ctx context.Context, b *Bot) error {
	ims, err := b.IMs(ctx)
	if err != nil {
		return err
	}
	for _, t := range b.Settings().Teams {
		roster, err := b.Roster(ctx, t.Name)
		if err != nil {
			return err
		}
		for _, id := range roster {
			if slices.Contains(ims, id) {
				continue
			}
			u, _, err := b.UserByID(ctx, id)
			if err != nil {
				return err
			}
			b.warnOnce(fmt.Sprintf("noim:%d", id), "member has not started a private chat",
				logx.String("team", t.Name), logx.String("member", u.Mention()))
		}
	}
	b.log.Debug("IM list checked", logx.Int("ims", len(ims)))
	return nil
}

// CheckReports starts scheduled standups and posts finished ones.
type CheckReports struct{}

func (CheckReports) String() string { return "CheckReports" }

func (CheckReports) Execute(ctx context.Context, b *Bot) error {
	now := b.now()
	var errs []error
	for _, t := range b.Settings().Teams {
		if _, err := b.finishIfDue(ctx, t, now); err != nil {
			errs = append(errs, fmt.Errorf("finish %s: %w", t.Name, err))
			continue
		}
		due, err := b.scheduleDue(ctx, t, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", t.Name, err))
			continue
		}
		if !due {
			continue
		}
		if _, err := b.StartStandup(ctx, t.Name); err != nil {
			if errors.Is(err, ErrStandupRunning) {
				b.log.Info("scheduled standup skipped; previous still running", logx.String("team", t.Name))
				continue
			}
			errs = append(errs, fmt.Errorf("start %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// SyncDB flushes storage and drops expired keys.
type SyncDB struct{}

func (SyncDB) String() string { return "SyncDB" }

func (SyncDB) Execute(ctx context.Context, b *Bot) error {
	return b.store.Sync(ctx)
}
