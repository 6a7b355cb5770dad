package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/store"
	"golang.org/x/sync/singleflight"
)

// UserStore is the persistence the chat pipeline reads from and writes back to.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	GetContractByUserID(ctx context.Context, userID int64) (*store.Contract, error)
	SetThreadID(ctx context.Context, userID int64, threadID string) error
	ClearThreadID(ctx context.Context, userID int64) error
	SetAssistantID(ctx context.Context, userID int64, assistantID string) error
}

const flightTimeout = 2 * time.Minute

// Locker serializes thread creation for one user across server instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ThreadManager owns the user -> external thread association. A user has at most one
// live thread; a new one is created only when none is stored.
type ThreadManager struct {
	store   UserStore
	api     AssistantAPI
	locker  Locker
	group   singleflight.Group
	metrics *Metrics
}

// NewThreadManager builds a manager. locker may be nil, in which case only concurrent
// first turns inside this process are coalesced.
func NewThreadManager(s UserStore, api AssistantAPI, locker Locker, metrics *Metrics) *ThreadManager {
	return &ThreadManager{store: s, api: api, locker: locker, metrics: metrics}
}

func (m *ThreadManager) GetOrCreateThread(ctx context.Context, userID int64) (string, error) {
	user, err := m.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.ThreadID != nil && *user.ThreadID != "" {
		return *user.ThreadID, nil
	}

	threadID, shared, err := joinFlight(ctx, &m.group, strconv.FormatInt(userID, 10), func(ctx context.Context) (string, error) {
		return m.createThread(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("Joined in-flight thread creation", "user_id", userID)
	}
	return threadID, nil
}

func (m *ThreadManager) createThread(ctx context.Context, userID int64) (string, error) {
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, "thread:"+strconv.FormatInt(userID, 10))
		if err != nil {
			return "", upstream("acquire thread lock", err)
		}
		defer unlock()
	}

	// A previous flight or another instance may have stored one since the first read.
	user, err := m.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.ThreadID != nil && *user.ThreadID != "" {
		return *user.ThreadID, nil
	}

	threadID, err := m.api.CreateThread(ctx)
	if err != nil {
		return "", upstream("create thread", err)
	}
	if err := m.store.SetThreadID(ctx, userID, threadID); err != nil {
		return "", fmt.Errorf("failed to persist thread %s for user %d: %w", threadID, userID, err)
	}
	m.metrics.threadCreated()
	slog.Info("Created conversation thread", "user_id", userID, "thread_id", threadID)
	return threadID, nil
}

// DeleteThread forgets the user's thread. The external conversation is left untouched;
// the next turn starts a fresh thread.
func (m *ThreadManager) DeleteThread(ctx context.Context, userID int64) error {
	user, err := m.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.ThreadID == nil || *user.ThreadID == "" {
		return ErrThreadNotFound
	}
	if err := m.store.ClearThreadID(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear thread for user %d: %w", userID, err)
	}
	slog.Info("Cleared conversation thread", "user_id", userID, "thread_id", *user.ThreadID)
	return nil
}

// History returns the messages of the user's thread, oldest first.
func (m *ThreadManager) History(ctx context.Context, userID int64) ([]ThreadMessage, error) {
	user, err := m.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ThreadID == nil || *user.ThreadID == "" {
		return nil, ErrThreadNotFound
	}

	messages, err := m.api.ListMessages(ctx, *user.ThreadID)
	if err != nil {
		return nil, upstream("list thread messages", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// joinFlight runs fn once per key for all concurrent callers. The flight is detached
// from any one caller's cancellation and bounded by flightTimeout; each caller stops
// waiting when its own ctx is done.
func joinFlight(ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (string, error)) (string, bool, error) {
	ch := g.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Shared, res.Err
		}
		return res.Val.(string), res.Shared, nil
	}
}

func (m *ThreadManager) loadUser(ctx context.Context, userID int64) (*store.User, error) {
	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
