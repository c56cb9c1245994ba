package pony

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"ponybot/internal/storage"
	logx "ponybot/pkg/logx"
)

const (
	keyUsers = "users"
	keyIMs   = "ims"
)

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Mention is @username when known, else the first name.
func (u User) Mention() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return fmt.Sprintf("user %d", u.ID)
}

// Lock marks a user as busy answering a team's standup.
type Lock struct {
	Team     string    `json:"team"`
	LockedAt time.Time `json:"locked_at"`
}

func lockKey(userID int64) string { return fmt.Sprintf("%d_lock", userID) }

func (b *Bot) users(ctx context.Context) ([]User, error) {
	return storage.GetOr(ctx, b.store, keyUsers, []User(nil))
}

// RememberUser records or refreshes a user seen in a message.
func (b *Bot) RememberUser(ctx context.Context, u User) (User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	users, err := b.users(ctx)
	if err != nil {
		return u, err
	}
	i := slices.IndexFunc(users, func(x User) bool { return x.ID == u.ID })
	switch {
	case i < 0:
		users = append(users, u)
		b.log.Info("new user", logx.Int64("user_id", u.ID), logx.String("username", u.Username))
	case users[i] == u:
		return u, nil
	default:
		users[i] = u
	}
	return u, b.store.Set(ctx, keyUsers, users, 0)
}

func (b *Bot) UserByID(ctx context.Context, id int64) (User, bool, error) {
	users, err := b.users(ctx)
	if err != nil {
		return User{}, false, err
	}
	for _, u := range users {
		if u.ID == id {
			return u, true, nil
		}
	}
	return User{}, false, nil
}

// UserByName finds a user by username, ignoring a leading '@' and case.
func (b *Bot) UserByName(ctx context.Context, name string) (User, bool, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		return User{}, false, nil
	}
	users, err := b.users(ctx)
	if err != nil {
		return User{}, false, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, name) {
			return u, true, nil
		}
	}
	return User{}, false, nil
}

// IMs returns the users who opened a private chat with the bot. In Telegram a
// private chat id equals the user id.
func (b *Bot) IMs(ctx context.Context) ([]int64, error) {
	return storage.GetOr(ctx, b.store, keyIMs, []int64(nil))
}

func (b *Bot) HasIM(ctx context.Context, userID int64) (bool, error) {
	ims, err := b.IMs(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ims, userID), nil
}

// RegisterIM records a private chat. It reports whether it was new.
func (b *Bot) RegisterIM(ctx context.Context, userID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ims, err := b.IMs(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(ims, userID) {
		return false, nil
	}
	b.log.Info("IM created", logx.Int64("user_id", userID))
	return true, b.store.Set(ctx, keyIMs, append(ims, userID), 0)
}

func (b *Bot) LockUser(ctx context.Context, userID int64, team string, ttl time.Duration) error {
	if err := b.store.Set(ctx, lockKey(userID), Lock{Team: team, LockedAt: b.now()}, ttl); err != nil {
		return err
	}
	b.log.Info("locked user", logx.Int64("user_id", userID), logx.String("team", team), logx.Duration("ttl", ttl))
	return nil
}

func (b *Bot) UnlockUser(ctx context.Context, userID int64) error {
	if err := b.store.Unset(ctx, lockKey(userID)); err != nil {
		return err
	}
	b.log.Info("unlocked user", logx.Int64("user_id", userID))
	return nil
}

// UserLock returns the active lock for a user, if any.
func (b *Bot) UserLock(ctx context.Context, userID int64) (Lock, bool, error) {
	var l Lock
	ok, err := b.store.Get(ctx, lockKey(userID), &l)
	return l, ok, err
}
