package session

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Get when the user has no session.
	ErrNotFound = errors.New("session not found")

	// ErrImageCapReached is returned when the daily image allowance is used up.
	ErrImageCapReached = errors.New("daily image cap reached")
)

// MaxCallReviews is how many call reviews are kept per user.
const MaxCallReviews = 20

// Store persists sessions. Implementations must make Mutate atomic per user
// and must never serialize unrelated users behind one another.
type Store interface {
	// Get returns a snapshot of the session or ErrNotFound.
	Get(ctx context.Context, userID string) (*Session, error)

	// Mutate runs fn on the current session (a fresh one when absent) and
	// persists the result atomically. An error from fn aborts the write, and
	// an absent session that fn leaves unchanged is not created.
	Mutate(ctx context.Context, userID string, fn func(*Session) error) (*Session, error)

	// ListUsers returns every known user id.
	ListUsers(ctx context.Context) ([]string, error)

	// DeleteAll removes every record for the user in one step.
	DeleteAll(ctx context.Context, userID string) error

	// IncrementImageCount consumes one image for day and returns the new
	// count, or ErrImageCapReached when the day's count is already at cap.
	IncrementImageCount(ctx context.Context, userID, day string, cap int) (int, error)

	// RefundImage returns one image to day's allowance.
	RefundImage(ctx context.Context, userID, day string) error

	// MarkCheckin advances LastCheckinDate to day if it is earlier.
	// It reports false when day was already marked.
	MarkCheckin(ctx context.Context, userID, day string) (bool, error)

	// IncrementUsage bumps the interaction counter of an existing session.
	IncrementUsage(ctx context.Context, userID string) error

	AddCallReview(ctx context.Context, review CallReview) error
	ListCallReviews(ctx context.Context, userID string, limit int) ([]CallReview, error)

	AppendAdminLog(ctx context.Context, rec AdminLogRecord) error
	ListAdminLog(ctx context.Context, limit int) ([]AdminLogRecord, error)
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
