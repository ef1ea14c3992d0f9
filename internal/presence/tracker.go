package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"accesscore.org/internal/ids"
	"accesscore.org/internal/obs"
	"accesscore.org/internal/store"
	"accesscore.org/internal/stream"
)

var ErrUnknownConnection = errors.New("presence: unknown connection")

// Status is a user's presence snapshot.
type Status struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Online   bool      `json:"online"`
	Sessions int       `json:"sessions"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Tracker maintains the online/offline state derived from live sessions. A
// user is online while at least one session exists; the first connect and the
// last disconnect are the only transitions, and both are announced exactly
// once even under concurrent joins and leaves.
type Tracker struct {
	// mu serializes the count-check-and-transition sequence. The store has
	// its own locking, but the transition decision spans several calls.
	mu     sync.Mutex
	store  store.Store
	broker *stream.Broker
	now    func() time.Time
}

type Option func(*Tracker)

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTracker constructs a Tracker. The broker is optional.
func NewTracker(st store.Store, broker *stream.Broker, opts ...Option) (*Tracker, error) {
	if st == nil {
		return nil, errors.New("presence: store is required")
	}
	t := &Tracker{store: st, broker: broker, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Connect registers a new session for the user. When it is the user's first
// session the user transitions to online and a user_joined event fires.
func (t *Tracker) Connect(ctx context.Context, userID, connectionID, remoteAddr, userAgent string) (store.Session, error) {
	user, err := t.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return store.Session{}, err
	}
	if connectionID == "" {
		connectionID = ids.New()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	before, err := t.store.Sessions(ctx).CountByUser(ctx, userID)
	if err != nil {
		return store.Session{}, err
	}
	sess := store.Session{
		UserID:       userID,
		ConnectionID: connectionID,
		RemoteAddr:   remoteAddr,
		UserAgent:    userAgent,
	}
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = t.now().UTC()
		sess.LastActivityAt = sess.ConnectedAt
	}
	if err := t.store.Sessions(ctx).Create(ctx, &sess); err != nil {
		return store.Session{}, err
	}
	if before == 0 {
		online := true
		seen := t.now().UTC()
		if _, err := t.store.Users(ctx).Update(ctx, userID, store.UserUpdate{IsOnline: &online, LastSeenAt: &seen}); err != nil {
			return store.Session{}, err
		}
		t.publish(stream.Event{
			Type:     stream.TypeUserJoined,
			UserID:   userID,
			Username: user.Username,
		})
	}
	t.syncGauges(ctx)
	return sess, nil
}

// Activity refreshes the session's and user's last-activity timestamps. It
// never publishes an event: only the online/offline transitions are announced.
func (t *Tracker) Activity(ctx context.Context, connectionID string) error {
	sess, err := t.store.Sessions(ctx).FindByConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
		}
		return err
	}
	at := t.now().UTC()
	if err := t.store.Sessions(ctx).Touch(ctx, sess.ID, at); err != nil {
		return err
	}
	if _, err := t.store.Users(ctx).Update(ctx, sess.UserID, store.UserUpdate{LastSeenAt: &at}); err != nil {
		return err
	}
	return nil
}

// Disconnect drops one session. When it was the user's last session the user
// transitions to offline and a user_left event fires.
func (t *Tracker) Disconnect(ctx context.Context, connectionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, err := t.store.Sessions(ctx).FindByConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
		}
		return err
	}
	existed, err := t.store.Sessions(ctx).Delete(ctx, sess.ID)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	if err := t.maybeOffline(ctx, sess.UserID); err != nil {
		return err
	}
	t.syncGauges(ctx)
	return nil
}

// DisconnectUser drops every session the user holds.
func (t *Tracker) DisconnectUser(ctx context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, err := t.store.Sessions(ctx).ByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if _, err := t.store.Sessions(ctx).Delete(ctx, sess.ID); err != nil {
			return err
		}
	}
	if len(sessions) > 0 {
		if err := t.maybeOffline(ctx, userID); err != nil {
			return err
		}
	}
	t.syncGauges(ctx)
	return nil
}

// maybeOffline transitions the user to offline when no sessions remain.
// Callers must hold t.mu.
func (t *Tracker) maybeOffline(ctx context.Context, userID string) error {
	remaining, err := t.store.Sessions(ctx).CountByUser(ctx, userID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	offline := false
	seen := t.now().UTC()
	user, err := t.store.Users(ctx).Update(ctx, userID, store.UserUpdate{IsOnline: &offline, LastSeenAt: &seen})
	if err != nil {
		// The user record may be gone while sessions linger.
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	t.publish(stream.Event{
		Type:     stream.TypeUserLeft,
		UserID:   userID,
		Username: user.Username,
		Payload:  map[string]any{"last_seen": seen},
	})
	return nil
}

// ActiveSessions lists all live sessions.
func (t *Tracker) ActiveSessions(ctx context.Context) ([]store.Session, error) {
	return t.store.Sessions(ctx).List(ctx)
}

// UserSessions lists the user's live sessions.
func (t *Tracker) UserSessions(ctx context.Context, userID string) ([]store.Session, error) {
	return t.store.Sessions(ctx).ByUser(ctx, userID)
}

// ActiveUsers returns presence snapshots for every online user.
func (t *Tracker) ActiveUsers(ctx context.Context) ([]Status, error) {
	users, err := t.store.Users(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Status
	for _, u := range users {
		if !u.IsOnline {
			continue
		}
		n, err := t.store.Sessions(ctx).CountByUser(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Status{
			UserID:   u.ID,
			Username: u.Username,
			Online:   true,
			Sessions: n,
			LastSeen: u.LastSeenAt,
		})
	}
	return out, nil
}

// UserStatus returns one user's presence snapshot.
func (t *Tracker) UserStatus(ctx context.Context, userID string) (Status, error) {
	u, err := t.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	n, err := t.store.Sessions(ctx).CountByUser(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		UserID:   u.ID,
		Username: u.Username,
		Online:   u.IsOnline,
		Sessions: n,
		LastSeen: u.LastSeenAt,
	}, nil
}

func (t *Tracker) publish(evt stream.Event) {
	if t.broker != nil {
		t.broker.Publish(evt)
	}
}

func (t *Tracker) syncGauges(ctx context.Context) {
	sessions, err := t.store.Sessions(ctx).List(ctx)
	if err != nil {
		return
	}
	obs.SetActiveSessions(len(sessions))
	users := map[string]struct{}{}
	for _, s := range sessions {
		users[s.UserID] = struct{}{}
	}
	obs.SetOnlineUsers(len(users))
}
