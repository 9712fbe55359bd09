// Package cache wraps a tts.Provider with an in-memory LRU of synthesized
// clips. Identical requests that arrive while one is already in flight share
// that request instead of hitting the backend again.
//
// Requests whose SynthesisOptions.UseCache is false bypass the cache entirely.
// Cached buffers are shared between callers and must be treated as read-only.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/quarrel/pkg/provider/tts"
)

// DefaultCapacity is the number of clips kept when no capacity is given.
const DefaultCapacity = 256

var _ tts.Provider = (*Provider)(nil)

// Stats counts cache outcomes.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Shared    int64 `json:"shared"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

type entry struct {
	key string
	res *tts.Result
}

// Provider is a caching tts.Provider decorator. It is safe for concurrent
// use.
type Provider struct {
	inner    tts.Provider
	capacity int
	group    singleflight.Group

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
	stats Stats
}

// New wraps inner with an LRU holding up to capacity clips. A non-positive
// capacity selects [DefaultCapacity].
func New(inner tts.Provider, capacity int) *Provider {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Provider{
		inner:    inner,
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Key returns the cache key of a request.
func Key(text string, opts tts.SynthesisOptions) string {
	return strings.Join([]string{opts.Voice.CacheKey(), opts.Language, strings.TrimSpace(text)}, "\x00")
}

// Synthesize answers from the cache when allowed and otherwise delegates to
// the wrapped provider, storing successful results.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesisOptions) (*tts.Result, error) {
	if !opts.UseCache {
		return p.inner.Synthesize(ctx, text, opts)
	}
	key := Key(text, opts)
	if res, ok := p.get(key); ok {
		return res, nil
	}

	ch := p.group.DoChan(key, func() (any, error) {
		// Detached from the first caller so that its cancellation does not
		// fail the callers sharing the flight.
		res, err := p.inner.Synthesize(context.WithoutCancel(ctx), text, opts)
		if err != nil {
			return nil, err
		}
		p.put(key, res)
		return res, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			p.mu.Lock()
			p.stats.Shared++
			p.mu.Unlock()
		}
		return r.Val.(*tts.Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) get(key string) (*tts.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.items[key]; ok {
		p.ll.MoveToFront(el)
		p.stats.Hits++
		return el.Value.(*entry).res, true
	}
	p.stats.Misses++
	return nil, false
}

func (p *Provider) put(key string, res *tts.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.items[key]; ok {
		el.Value.(*entry).res = res
		p.ll.MoveToFront(el)
		return
	}
	p.items[key] = p.ll.PushFront(&entry{key: key, res: res})
	for p.ll.Len() > p.capacity {
		oldest := p.ll.Back()
		p.ll.Remove(oldest)
		delete(p.items, oldest.Value.(*entry).key)
		p.stats.Evictions++
	}
}

// ListVoices delegates to the wrapped provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return p.inner.ListVoices(ctx)
}

// Purge drops every cached clip.
func (p *Provider) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ll.Init()
	clear(p.items)
}

// Stats returns a snapshot of the counters.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Entries = p.ll.Len()
	return s
}
