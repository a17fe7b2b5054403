package escrow

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// tokens tracks single-use upload tokens. Each key may have at most one outstanding token.
type tokens struct {
	clock    clock.Clock
	lifetime time.Duration

	mutex  sync.Mutex
	issued map[string]issuedToken
}

type issuedToken struct {
	value   string
	expires time.Time
}

func newTokens(clk clock.Clock, lifetime time.Duration) *tokens {
	return &tokens{
		clock:    clk,
		lifetime: lifetime,
		issued:   make(map[string]issuedToken),
	}
}

// generate issues a token for the key, or returns false if an unexpired one is outstanding.
func (t *tokens) generate(key string) (string, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := t.clock.Now()
	if existing, ok := t.issued[key]; ok && now.Before(existing.expires) {
		return "", false
	}

	value := uuid.NewString()
	t.issued[key] = issuedToken{value: value, expires: now.Add(t.lifetime)}
	return value, true
}

// take removes the key's token if it matches value and hasn't expired, so that only one upload can use it.
func (t *tokens) take(key, value string) (issuedToken, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	existing, ok := t.issued[key]
	if !ok || value == "" || existing.value != value || !t.clock.Now().Before(existing.expires) {
		return issuedToken{}, false
	}

	delete(t.issued, key)
	return existing, true
}

// release puts back a token taken for an upload that failed, unless another has been issued in the meantime.
func (t *tokens) release(key string, token issuedToken) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.issued[key]; !ok {
		t.issued[key] = token
	}
}
