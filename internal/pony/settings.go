package pony

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ponybot/internal/config"
	kit "ponybot/internal/transport"
)

// Same field set the scheduler has always accepted: optional seconds and
// @descriptors.
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Settings is the resolved pony section plus the bot owners.
type Settings struct {
	Owners        []int64
	ReportTimeout time.Duration
	Location      *time.Location
	Teams         []Team
}

type Team struct {
	Name      string
	Chat      kit.ChatTarget
	Spec      string
	Schedule  cron.Schedule // nil: only started by /standup
	Members   []string
	Questions []string
}

// NewSettings resolves cfg. It fails on unparsable schedules.
func NewSettings(cfg *config.Config) (*Settings, error) {
	loc, err := cfg.Pony.Location()
	if err != nil {
		return nil, fmt.Errorf("pony.timezone: %w", err)
	}
	s := &Settings{
		Owners:        append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		ReportTimeout: cfg.Pony.ReportTimeoutOrDefault(),
		Location:      loc,
		Teams:         make([]Team, 0, len(cfg.Pony.Teams)),
	}
	for i, tc := range cfg.Pony.Teams {
		t := Team{
			Name:      strings.TrimSpace(tc.Name),
			Chat:      kit.ChatTarget{ChatID: tc.ChatID, ThreadID: tc.ThreadID},
			Spec:      strings.TrimSpace(tc.Schedule),
			Members:   tc.Members,
			Questions: tc.QuestionsOrDefault(),
		}
		if t.Spec != "" {
			sched, err := parseSchedule(t.Spec, loc)
			if err != nil {
				return nil, fmt.Errorf("pony.teams[%d].schedule: %w", i, err)
			}
			t.Schedule = sched
		}
		s.Teams = append(s.Teams, t)
	}
	return s, nil
}

// parseSchedule applies loc unless spec carries its own CRON_TZ/TZ prefix.
func parseSchedule(spec string, loc *time.Location) (cron.Schedule, error) {
	if !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") && loc != nil {
		spec = "CRON_TZ=" + loc.String() + " " + spec
	}
	return scheduleParser.Parse(spec)
}

func (s *Settings) Team(name string) (Team, bool) {
	for _, t := range s.Teams {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Team{}, false
}

func (s *Settings) IsOwner(userID int64) bool {
	for _, id := range s.Owners {
		if id == userID {
			return true
		}
	}
	return false
}
