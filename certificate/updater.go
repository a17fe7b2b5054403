package certificate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/csmith/polaris/escrow"
)

// Fetcher retrieves the current bundle for an escrow key. It returns escrow.ErrNotFound if nothing has been
// uploaded for the key.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// identityWriter is the surface of IdentityStore used by the Updater.
type identityWriter interface {
	Put(key string, bundle []byte) (bool, error)
}

const maxBackoffFactor = 8

type schedule struct {
	failures int
	due      time.Time
}

// Updater periodically copies identities from the escrow service into a local store. Each key is scheduled
// independently: a key that fails to fetch is retried with exponential backoff, up to eight times the
// normal interval.
type Updater struct {
	fetcher  Fetcher
	store    identityWriter
	clock    clock.Clock
	interval time.Duration

	mutex     sync.Mutex
	schedules map[string]*schedule
}

// NewUpdater creates a new Updater. Keys to fetch must be supplied with SetKeys.
func NewUpdater(fetcher Fetcher, store identityWriter, interval time.Duration, clk clock.Clock) *Updater {
	return &Updater{
		fetcher:   fetcher,
		store:     store,
		clock:     clk,
		interval:  interval,
		schedules: make(map[string]*schedule),
	}
}

// SetKeys replaces the set of keys being fetched. New keys are due immediately; existing keys keep their
// schedule.
func (u *Updater) SetKeys(keys []string) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	next := make(map[string]*schedule, len(keys))
	for _, key := range keys {
		if s, ok := u.schedules[key]; ok {
			next[key] = s
		} else {
			next[key] = &schedule{due: u.clock.Now()}
		}
	}
	u.schedules = next
}

// UpdateOnce fetches every key that is currently due.
func (u *Updater) UpdateOnce(ctx context.Context) {
	for _, key := range u.due() {
		if ctx.Err() != nil {
			return
		}

		bundle, err := u.fetcher.Fetch(ctx, key)
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			slog.Debug("No identity uploaded yet", "key", key)
			u.reschedule(key, false)
		case err != nil:
			slog.Warn("Failed to fetch identity from escrow", "key", key, "error", err)
			u.reschedule(key, true)
		default:
			changed, err := u.store.Put(key, bundle)
			if err != nil {
				slog.Error("Failed to store identity", "key", key, "error", err)
				u.reschedule(key, true)
				continue
			}
			if changed {
				slog.Info("Installed new identity from escrow", "key", key)
			}
			u.reschedule(key, false)
		}
	}
}

// Run calls UpdateOnce every second until the context is cancelled.
func (u *Updater) Run(ctx context.Context) {
	ticker := u.clock.Ticker(time.Second)
	defer ticker.Stop()

	u.UpdateOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.UpdateOnce(ctx)
		}
	}
}

// NextDue returns when the given key will next be fetched.
func (u *Updater) NextDue(key string) (time.Time, bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	s, ok := u.schedules[key]
	if !ok {
		return time.Time{}, false
	}
	return s.due, true
}

func (u *Updater) due() []string {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	now := u.clock.Now()
	var keys []string
	for key, s := range u.schedules {
		if !s.due.After(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (u *Updater) reschedule(key string, failed bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	s, ok := u.schedules[key]
	if !ok {
		return
	}

	if !failed {
		s.failures = 0
		s.due = u.clock.Now().Add(u.interval)
		return
	}

	s.failures++
	factor := maxBackoffFactor
	if s.failures < 4 {
		factor = 1 << (s.failures - 1)
	}
	s.due = u.clock.Now().Add(u.interval * time.Duration(factor))
}
