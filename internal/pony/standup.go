package pony

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"ponybot/internal/eventbus"
	"ponybot/internal/storage"
	kit "ponybot/internal/transport"
	logx "ponybot/pkg/logx"
)

const reportRetention = 30 * 24 * time.Hour

// Standup is one running round of questions for a team.
type Standup struct {
	ID        uuid.UUID          `json:"id"`
	Team      string             `json:"team"`
	StartedAt time.Time          `json:"started_at"`
	Deadline  time.Time          `json:"deadline"`
	Members   []int64            `json:"members"`
	Answers   map[int64][]string `json:"answers"`
	Skipped   []int64            `json:"skipped,omitempty"`
}

// Done reports whether a member answered every question or skipped.
func (s *Standup) Done(userID int64, questions int) bool {
	return slices.Contains(s.Skipped, userID) || len(s.Answers[userID]) >= questions
}

func (s *Standup) Complete(questions int) bool {
	for _, id := range s.Members {
		if !s.Done(id, questions) {
			return false
		}
	}
	return true
}

// StandupEvent is the payload of the standup.* bus events.
type StandupEvent struct {
	ID      uuid.UUID `json:"id"`
	Team    string    `json:"team"`
	Members int       `json:"members"`
	Answers int       `json:"answers,omitempty"`
}

func standupKey(team string) string  { return "standup_" + keyPart(team) }
func scheduleKey(team string) string { return "schedule_" + keyPart(team) }
func rosterKey(team string) string   { return "team_" + keyPart(team) }
func reportKey(team string, day time.Time) string {
	return "report_" + keyPart(team) + "_" + day.Format("2006-01-02")
}

func (b *Bot) ActiveStandup(ctx context.Context, team string) (*Standup, bool, error) {
	var s Standup
	ok, err := b.store.Get(ctx, standupKey(team), &s)
	if err != nil || !ok {
		return nil, false, err
	}
	return &s, true, nil
}

// Roster returns the stored member ids of a team.
func (b *Bot) Roster(ctx context.Context, team string) ([]int64, error) {
	return storage.GetOr(ctx, b.store, rosterKey(team), []int64(nil))
}

// StartStandup locks the team members that can be messaged and sends them the
// first question.
func (b *Bot) StartStandup(ctx context.Context, teamName string) (*Standup, error) {
	s := b.Settings()
	team, ok := s.Team(teamName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoTeam, teamName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, running, err := b.ActiveStandup(ctx, team.Name); err != nil {
		return nil, err
	} else if running {
		return nil, fmt.Errorf("%w: %s", ErrStandupRunning, team.Name)
	}

	roster, err := b.Roster(ctx, team.Name)
	if err != nil {
		return nil, err
	}
	now := b.now()
	st := &Standup{
		ID:        uuid.New(),
		Team:      team.Name,
		StartedAt: now,
		Deadline:  now.Add(s.ReportTimeout),
		Answers:   map[int64][]string{},
	}
	for _, id := range roster {
		im, err := b.HasIM(ctx, id)
		if err != nil {
			return nil, err
		}
		if !im {
			b.log.Warn("member has no private chat; skipping", logx.String("team", team.Name), logx.Int64("user_id", id))
			continue
		}
		if l, locked, err := b.UserLock(ctx, id); err != nil {
			return nil, err
		} else if locked {
			b.log.Info("member busy with another standup", logx.Int64("user_id", id), logx.String("lock_team", l.Team))
			continue
		}
		st.Members = append(st.Members, id)
	}
	if len(st.Members) == 0 {
		b.Say(team.Chat, fmt.Sprintf("Standup for %s: nobody to ask. Members need to send /start to me in a private chat.", team.Name))
		return st, nil
	}

	if err := b.store.Set(ctx, standupKey(team.Name), st, s.ReportTimeout+time.Hour); err != nil {
		return nil, err
	}
	for _, id := range st.Members {
		if err := b.LockUser(ctx, id, team.Name, s.ReportTimeout); err != nil {
			return nil, err
		}
		u, _, err := b.UserByID(ctx, id)
		if err != nil {
			return nil, err
		}
		greet := "Hi"
		if u.FirstName != "" {
			greet += " " + u.FirstName
		}
		b.Say(kit.ChatTarget{ChatID: id}, fmt.Sprintf("%s! Standup time for %s.\n\n%s\n\n(send /skip to skip today)", greet, team.Name, team.Questions[0]))
	}
	b.log.Info("standup started", logx.String("team", team.Name), logx.Int("members", len(st.Members)), logx.Time("deadline", st.Deadline))
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeStandupStarted, Data: StandupEvent{ID: st.ID, Team: team.Name, Members: len(st.Members)}})
	return st, nil
}

// RecordAnswer stores text as the next answer of a locked user. It reports
// false when the user is not answering a standup.
func (b *Bot) RecordAnswer(ctx context.Context, u User, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	lock, locked, err := b.UserLock(ctx, u.ID)
	if err != nil || !locked {
		return false, err
	}
	team, ok := b.Settings().Team(lock.Team)
	if !ok {
		return false, b.UnlockUser(ctx, u.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, running, err := b.ActiveStandup(ctx, team.Name)
	if err != nil {
		return false, err
	}
	if !running || !slices.Contains(st.Members, u.ID) {
		return false, b.UnlockUser(ctx, u.ID)
	}

	n := len(team.Questions)
	if st.Done(u.ID, n) {
		return false, b.UnlockUser(ctx, u.ID)
	}
	st.Answers[u.ID] = append(st.Answers[u.ID], text)
	if err := b.saveStandup(ctx, st); err != nil {
		return true, err
	}

	me := kit.ChatTarget{ChatID: u.ID}
	if got := len(st.Answers[u.ID]); got < n {
		b.Say(me, team.Questions[got])
		return true, nil
	}
	b.Say(me, "Thanks, that's all for today!")
	return true, b.UnlockUser(ctx, u.ID)
}

// Skip marks the user as skipping the standup they are locked for.
func (b *Bot) Skip(ctx context.Context, u User) (bool, error) {
	lock, locked, err := b.UserLock(ctx, u.ID)
	if err != nil || !locked {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, running, err := b.ActiveStandup(ctx, lock.Team)
	if err != nil {
		return false, err
	}
	if running && !slices.Contains(st.Skipped, u.ID) {
		st.Skipped = append(st.Skipped, u.ID)
		if err := b.saveStandup(ctx, st); err != nil {
			return false, err
		}
	}
	return true, b.UnlockUser(ctx, u.ID)
}

func (b *Bot) saveStandup(ctx context.Context, st *Standup) error {
	ttl := st.Deadline.Sub(b.now()) + time.Hour
	return b.store.Set(ctx, standupKey(st.Team), st, ttl)
}

// finishIfDue posts the report when every member is done or the deadline
// passed. It reports whether the standup was finished.
func (b *Bot) finishIfDue(ctx context.Context, team Team, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, running, err := b.ActiveStandup(ctx, team.Name)
	if err != nil || !running {
		return false, err
	}
	if !st.Complete(len(team.Questions)) && now.Before(st.Deadline) {
		return false, nil
	}

	report, err := b.formatReport(ctx, team, st)
	if err != nil {
		return false, err
	}
	b.Say(team.Chat, report)

	var errs []error
	for _, id := range st.Members {
		if l, locked, err := b.UserLock(ctx, id); err == nil && locked && strings.EqualFold(l.Team, team.Name) {
			errs = append(errs, b.UnlockUser(ctx, id))
		}
	}
	errs = append(errs,
		b.store.Set(ctx, reportKey(team.Name, st.StartedAt), st, reportRetention),
		b.store.Unset(ctx, standupKey(team.Name)),
	)
	if err := errors.Join(errs...); err != nil {
		return false, err
	}
	b.log.Info("standup finished", logx.String("team", team.Name), logx.Int("answered", len(st.Answers)))
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeStandupDone, Data: StandupEvent{ID: st.ID, Team: team.Name, Members: len(st.Members), Answers: len(st.Answers)}})
	return true, nil
}

func (b *Bot) formatReport(ctx context.Context, team Team, st *Standup) (string, error) {
	var sb strings.Builder
	day := st.StartedAt.In(b.Settings().Location).Format("2006-01-02")
	fmt.Fprintf(&sb, "Standup report: %s (%s)\n", team.Name, day)

	var skipped, silent []string
	for _, id := range st.Members {
		u, ok, err := b.UserByID(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			u = User{ID: id}
		}
		answers := st.Answers[id]
		switch {
		case len(answers) > 0:
			fmt.Fprintf(&sb, "\n%s\n", u.Mention())
			for i, a := range answers {
				q := ""
				if i < len(team.Questions) {
					q = team.Questions[i]
				}
				fmt.Fprintf(&sb, "- %s\n  %s\n", q, a)
			}
		case slices.Contains(st.Skipped, id):
			skipped = append(skipped, u.Mention())
		default:
			silent = append(silent, u.Mention())
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&sb, "\nSkipped: %s\n", strings.Join(skipped, ", "))
	}
	if len(silent) > 0 {
		fmt.Fprintf(&sb, "\nNo answer: %s\n", strings.Join(silent, ", "))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// scheduleDue reports whether the team's schedule fired since the last check.
// The first check only records the time.
func (b *Bot) scheduleDue(ctx context.Context, team Team, now time.Time) (bool, error) {
	if team.Schedule == nil {
		return false, nil
	}
	var last time.Time
	ok, err := b.store.Get(ctx, scheduleKey(team.Name), &last)
	if err != nil {
		return false, err
	}
	if ok && team.Schedule.Next(last).After(now) {
		return false, nil
	}
	if err := b.store.Set(ctx, scheduleKey(team.Name), now, 0); err != nil {
		return false, err
	}
	return ok, nil
}
