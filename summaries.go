package pingme

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// SummariesTag is the invalidation tag of the conversation list.
const SummariesTag = "conversations"

// SummaryInvalidator is the narrow view of the summaries cache the sync core
// needs. Invalidate is a fire-and-forget hint to refetch.
type SummaryInvalidator interface {
	Invalidate(tag string)
}

// SummaryFetcher loads conversation summaries from the backend.
type SummaryFetcher interface {
	Conversations(ctx context.Context) ([]ConversationSummary, error)
}

// ConversationCreator starts conversations. *Client implements it.
type ConversationCreator interface {
	CreateConversation(ctx context.Context, participantID string) (*ConversationSummary, error)
}

var errNoCreator = errors.New("summary fetcher cannot create conversations")

// SummariesOptions configures a SummaryCache.
type SummariesOptions struct {
	StaleTime time.Duration
	// RefreshRate bounds how often an invalidation triggers an eager refetch.
	// Invalidations over the limit only mark the cache stale.
	RefreshRate  rate.Limit
	RefreshBurst int
	Logger       *zerolog.Logger
	// OnAuthRequired is called when a refetch comes back unauthorized.
	OnAuthRequired func()
}

func (o *SummariesOptions) defaults() {
	if o.StaleTime == 0 {
		o.StaleTime = 30 * time.Second
	}
	if o.RefreshRate == 0 {
		o.RefreshRate = rate.Every(time.Second)
	}
	if o.RefreshBurst == 0 {
		o.RefreshBurst = 1
	}
}

// SummaryCache is the conversation-list cache shared by every open
// conversation. No conversation owns it; they only invalidate it.
type SummaryCache struct {
	fetcher SummaryFetcher
	opts    SummariesOptions
	limiter *rate.Limiter
	log     zerolog.Logger

	mu         sync.Mutex
	items      []ConversationSummary
	fetchedAt  time.Time
	stale      bool
	refreshing bool
	listeners  []func([]ConversationSummary)
	now        func() time.Time
}

// NewSummaryCache returns an empty cache. opts may be nil.
func NewSummaryCache(fetcher SummaryFetcher, opts *SummariesOptions) *SummaryCache {
	var o SummariesOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	log := zerolog.Nop()
	if o.Logger != nil {
		log = *o.Logger
	}
	return &SummaryCache{
		fetcher: fetcher,
		opts:    o,
		limiter: rate.NewLimiter(o.RefreshRate, o.RefreshBurst),
		log:     log,
		stale:   true,
		now:     time.Now,
	}
}

// OnRefresh registers fn to receive every freshly fetched list.
func (c *SummaryCache) OnRefresh(fn func([]ConversationSummary)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// List returns the cached summaries, refetching when stale or expired.
func (c *SummaryCache) List(ctx context.Context) ([]ConversationSummary, error) {
	c.mu.Lock()
	fresh := !c.stale && c.now().Sub(c.fetchedAt) < c.opts.StaleTime
	items := c.items
	c.mu.Unlock()
	if fresh {
		return append([]ConversationSummary(nil), items...), nil
	}
	return c.Refresh(ctx)
}

// Direct returns the one-to-one conversations from List.
func (c *SummaryCache) Direct(ctx context.Context) ([]ConversationSummary, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []ConversationSummary
	for _, s := range all {
		if s.IsDirect() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Refresh refetches unconditionally.
func (c *SummaryCache) Refresh(ctx context.Context) ([]ConversationSummary, error) {
	items, err := c.fetcher.Conversations(ctx)
	if err != nil {
		if IsUnauthorized(err) && c.opts.OnAuthRequired != nil {
			c.opts.OnAuthRequired()
		}
		return nil, err
	}

	c.mu.Lock()
	c.items = items
	c.fetchedAt = c.now()
	c.stale = false
	listeners := append([]func([]ConversationSummary){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(append([]ConversationSummary(nil), items...))
	}
	return append([]ConversationSummary(nil), items...), nil
}

// CreateConversation starts a conversation through the fetcher, which must
// also be a ConversationCreator, and invalidates the list on success.
func (c *SummaryCache) CreateConversation(ctx context.Context, participantID string) (*ConversationSummary, error) {
	creator, ok := c.fetcher.(ConversationCreator)
	if !ok {
		return nil, errNoCreator
	}
	conv, err := creator.CreateConversation(ctx, participantID)
	if err != nil {
		if IsUnauthorized(err) && c.opts.OnAuthRequired != nil {
			c.opts.OnAuthRequired()
		}
		return nil, err
	}
	c.Invalidate(SummariesTag)
	return conv, nil
}

// Stale reports whether the next List will refetch.
func (c *SummaryCache) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale || c.now().Sub(c.fetchedAt) >= c.opts.StaleTime
}

// Invalidate marks the cache stale. Unknown tags are ignored. When listeners
// are registered and the rate limiter allows it, a background refetch starts.
func (c *SummaryCache) Invalidate(tag string) {
	if tag != SummariesTag {
		return
	}
	c.mu.Lock()
	c.stale = true
	eager := len(c.listeners) > 0 && !c.refreshing && c.limiter.Allow()
	if eager {
		c.refreshing = true
	}
	c.mu.Unlock()

	c.log.Debug().Str("tag", tag).Bool("eager", eager).Msg("Conversation summaries invalidated")
	if !eager {
		return
	}
	go func() {
		defer func() {
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Failed to refresh conversation summaries")
		}
	}()
}
