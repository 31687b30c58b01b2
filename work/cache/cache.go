package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// splitFlag separates the path and user-agent halves of a cache key. Signed
// URLs vary by requesting client, so the user agent is part of the identity.
const splitFlag = "$cache_key$"

// maxEntries bounds the cache size; least recently used entries are evicted
// beyond this capacity.
const maxEntries = 500

// entry is one cached direct URL with its own expiry deadline. The deadline
// comes from the signed URL's embedded expiry when present, otherwise from
// the cache-wide default max age.
type entry struct {
	url       string    // the resolved signed direct URL
	expiresAt time.Time // hard deadline after which the entry is invalid
}

// Entry describes one live cache entry for the admin inspection API.
type Entry struct {
	UA        string `json:"ua"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"` // unix milliseconds
}

// Group collects the entries cached for a single media path.
type Group struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// Info is the full cache state snapshot returned by the admin cache API.
type Info struct {
	MaxAge int64   `json:"maxAge"` // default entry lifetime in milliseconds
	Groups []Group `json:"groups"`
}

// DirectURLCache is a size-bounded cache of resolved direct URLs keyed by
// (media path, user agent). Every entry carries its own expiry deadline so a
// cached URL can never outlive the signed URL's validity window. The backing
// store supports native iteration, so no separate key index is needed for
// the inspection and clearing APIs.
type DirectURLCache struct {
	mu     sync.RWMutex
	store  *otter.Cache[string, entry]
	maxAge time.Duration // default lifetime for entries without an embedded expiry
}

// New creates a DirectURLCache with the given default max age.
func New(maxAge time.Duration) *DirectURLCache {
	return &DirectURLCache{
		store:  newStore(),
		maxAge: maxAge,
	}
}

// newStore builds the bounded backing store. Expiry is enforced at read and
// iteration time against each entry's own deadline.
func newStore() *otter.Cache[string, entry] {
	return otter.Must(&otter.Options[string, entry]{
		MaximumSize: maxEntries,
	})
}

// Key builds the cache key for a (path, user agent) pair.
func Key(path, ua string) string {
	return path + splitFlag + ua
}

// splitKey recovers the (path, user agent) pair from a cache key.
func splitKey(key string) (string, string) {
	path, ua, _ := strings.Cut(key, splitFlag)
	return path, ua
}

// MaxAge returns the current default entry lifetime.
func (c *DirectURLCache) MaxAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAge
}

// Get returns the cached direct URL for the pair, treating entries past
// their deadline as misses and dropping them.
func (c *DirectURLCache) Get(path, ua string) (string, bool) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()

	key := Key(path, ua)
	cached, ok := store.GetIfPresent(key)
	if !ok {
		return "", false
	}
	if time.Now().After(cached.expiresAt) {
		store.Invalidate(key)
		return "", false
	}
	return cached.url, true
}

// Set stores a direct URL with an explicit per-entry lifetime. A
// non-positive maxAge falls back to the cache-wide default.
func (c *DirectURLCache) Set(path, ua, url string, maxAge time.Duration) {
	c.mu.RLock()
	store := c.store
	if maxAge <= 0 {
		maxAge = c.maxAge
	}
	c.mu.RUnlock()

	store.Set(Key(path, ua), entry{
		url:       url,
		expiresAt: time.Now().Add(maxAge),
	})
}

// Info returns all live, non-expired entries grouped by path, for the cache
// inspection API. Groups and entries are sorted for stable output.
func (c *DirectURLCache) Info() *Info {
	c.mu.RLock()
	store := c.store
	maxAge := c.maxAge
	c.mu.RUnlock()

	now := time.Now()
	byPath := make(map[string][]Entry)

	for key, cached := range store.All() {
		if now.After(cached.expiresAt) {
			continue
		}
		path, ua := splitKey(key)
		byPath[path] = append(byPath[path], Entry{
			UA:        ua,
			URL:       cached.url,
			ExpiresAt: cached.expiresAt.UnixMilli(),
		})
	}

	info := &Info{MaxAge: maxAge.Milliseconds(), Groups: []Group{}}
	for path, entries := range byPath {
		sort.Slice(entries, func(i, j int) bool { return entries[i].UA < entries[j].UA })
		info.Groups = append(info.Groups, Group{Path: path, Entries: entries})
	}
	sort.Slice(info.Groups, func(i, j int) bool { return info.Groups[i].Path < info.Groups[j].Path })
	return info
}

// Clear evicts entries matching the given path and/or user agent. Empty
// arguments act as wildcards; with both empty the whole cache is reset.
func (c *DirectURLCache) Clear(path, ua string) {
	if path == "" && ua == "" {
		c.Reset()
		return
	}

	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()

	var victims []string
	for key := range store.All() {
		keyPath, keyUA := splitKey(key)
		if (path == "" || keyPath == path) && (ua == "" || keyUA == ua) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		store.Invalidate(key)
	}
}

// Reset drops all entries.
func (c *DirectURLCache) Reset() {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	store.InvalidateAll()
}

// SetMaxAge changes the default entry lifetime, rebuilding the backing store
// and migrating entries that are still within their own deadlines.
func (c *DirectURLCache) SetMaxAge(maxAge time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldStore := c.store
	c.maxAge = maxAge
	c.store = newStore()

	now := time.Now()
	for key, cached := range oldStore.All() {
		if now.After(cached.expiresAt) {
			continue
		}
		c.store.Set(key, cached)
	}
}

// Len reports the number of entries currently held, including any whose
// deadlines have passed but have not been touched since.
func (c *DirectURLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.EstimatedSize()
}
