package cache

import (
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"
)

// Engine identifies the cache implementation in Via headers.
const Engine = "PolarisCache/1"

// MaxBodySize is the largest response body that will be cached.
const MaxBodySize = 8 << 20

// Result describes how a cached entry may be used.
type Result int

const (
	Miss Result = iota
	Fresh
	Stale
	Expired
)

func (r Result) String() string {
	switch r {
	case Fresh:
		return "hit"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "miss"
	}
}

// Entry is a stored response.
type Entry struct {
	Status     int
	Header     http.Header
	Body       []byte
	Stored     time.Time
	Directives Directives
}

// Positive reports whether the entry is a successful response. Positive and negative entries have
// different stale-if-error handling.
func (e *Entry) Positive() bool {
	return e.Status < 400
}

func (e *Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Policy decides what may be cached and for how long, and holds the cached entries.
type Policy struct {
	clock       clock.Clock
	maxStaleAge time.Duration
	maxBytes    int64

	mutex sync.Mutex
	lru   *lru.Cache
	bytes int64

	revalidations singleflight.Group
}

// NewPolicy creates a policy that keeps at most maxBytes of responses in memory. Positive entries may be
// served on backend error for up to maxStaleAge beyond their max-age even without stale-if-error.
func NewPolicy(maxBytes int64, maxStaleAge time.Duration, clk clock.Clock) *Policy {
	p := &Policy{
		clock:       clk,
		maxStaleAge: maxStaleAge,
		maxBytes:    maxBytes,
		lru:         lru.New(0),
	}
	p.lru.OnEvicted = func(_ lru.Key, value interface{}) {
		p.bytes -= value.(*Entry).size()
	}
	return p
}

// Lookup finds the entry for the key and classifies it. Expired entries are still returned so that they can
// be served if the backend fails.
func (p *Policy) Lookup(key string) (*Entry, Result) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	value, ok := p.lru.Get(key)
	if !ok {
		return nil, Miss
	}

	entry := value.(*Entry)
	age := p.age(entry)
	switch {
	case age < entry.Directives.MaxAge:
		return entry, Fresh
	case age < entry.Directives.MaxAge+entry.Directives.StaleWhileRevalidate:
		return entry, Stale
	default:
		return entry, Expired
	}
}

// Age returns how long ago the entry was stored.
func (p *Policy) Age(entry *Entry) time.Duration {
	return p.age(entry)
}

func (p *Policy) age(entry *Entry) time.Duration {
	return p.clock.Since(entry.Stored)
}

// ServeStaleOnError reports whether the entry may be served in place of a failed backend response.
func (p *Policy) ServeStaleOnError(entry *Entry) bool {
	if entry == nil || !entry.Positive() {
		return false
	}
	return p.age(entry) < entry.Directives.MaxAge+max(entry.Directives.StaleIfError, p.maxStaleAge)
}

// Cacheable reports whether a response to the given request method may be stored.
func Cacheable(method string, status int, header http.Header, size int) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if status < 200 || status == http.StatusPartialContent || status == http.StatusNotModified {
		return false
	}
	if size > MaxBodySize || header.Get("Vary") == "*" {
		return false
	}

	d := ParseDirectives(header.Get("Cache-Control"))
	return d.HasMaxAge && !d.NoStore && !d.Private
}

// Store saves the response if it is cacheable, returning whether it was stored.
func (p *Policy) Store(key, method string, status int, header http.Header, body []byte) bool {
	if !Cacheable(method, status, header, len(body)) {
		return false
	}

	entry := &Entry{
		Status:     status,
		Header:     header.Clone(),
		Body:       body,
		Stored:     p.clock.Now(),
		Directives: ParseDirectives(header.Get("Cache-Control")),
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if entry.size() > p.maxBytes {
		return false
	}

	p.lru.Remove(key)
	p.lru.Add(key, entry)
	p.bytes += entry.size()
	for p.bytes > p.maxBytes {
		p.lru.RemoveOldest()
	}
	return true
}

// Resize changes the memory budget, evicting the oldest entries if the cache is now over it.
func (p *Policy) Resize(maxBytes int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.maxBytes = maxBytes
	for p.bytes > p.maxBytes {
		p.lru.RemoveOldest()
	}
}

// Size returns the number of bytes currently cached.
func (p *Policy) Size() int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.bytes
}

// Revalidate runs fn in the background unless a revalidation for the key is already running.
func (p *Policy) Revalidate(key string, fn func()) {
	go func() {
		_, _, _ = p.revalidations.Do(key, func() (interface{}, error) {
			fn()
			return nil, nil
		})
	}()
}
