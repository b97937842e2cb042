package history

import (
	"context"
	"sync"
	"time"

	"promptstudio/internal/domain"
)

// Fetcher loads raw history rows for one user from storage.
type Fetcher func(ctx context.Context) ([]domain.HistoryRow, error)

// Refresher owns the refresh policy for one user's history view: opening the
// panel refreshes automatically only when the cached view is older than the
// window, and manual refreshes are single-flight with a cool-down so
// overlapping fetches cannot pile up.
type Refresher struct {
	fetch    Fetcher
	window   time.Duration
	cooldown time.Duration

	mu          sync.Mutex
	inFlight    bool
	lastRefresh time.Time
	lastManual  time.Time
	items       []domain.HistoryItem
}

func NewRefresher(fetch Fetcher, window, cooldown time.Duration) *Refresher {
	if window <= 0 {
		window = 10 * time.Second
	}
	if cooldown <= 0 {
		cooldown = window
	}
	return &Refresher{fetch: fetch, window: window, cooldown: cooldown}
}

// Items serves the panel-open path: refresh when stale, cached otherwise.
func (r *Refresher) Items(ctx context.Context) ([]domain.HistoryItem, error) {
	r.mu.Lock()
	stale := time.Since(r.lastRefresh) > r.window
	if !stale || r.inFlight {
		cached := r.items
		r.mu.Unlock()
		return cached, nil
	}
	r.inFlight = true
	r.mu.Unlock()
	return r.load(ctx)
}

// Refresh serves the manual trigger. During the cool-down or while a fetch
// is in flight it returns the cached view instead of fetching again.
func (r *Refresher) Refresh(ctx context.Context) ([]domain.HistoryItem, error) {
	r.mu.Lock()
	if r.inFlight || time.Since(r.lastManual) < r.cooldown {
		cached := r.items
		r.mu.Unlock()
		return cached, nil
	}
	r.inFlight = true
	r.lastManual = time.Now()
	r.mu.Unlock()
	return r.load(ctx)
}

func (r *Refresher) load(ctx context.Context) ([]domain.HistoryItem, error) {
	rows, err := r.fetch(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = false
	if err != nil {
		return r.items, err
	}
	r.items = Reconcile(rows)
	r.lastRefresh = time.Now()
	return r.items, nil
}

// Group hands out one Refresher per user.
type Group struct {
	window   time.Duration
	cooldown time.Duration
	fetch    func(ctx context.Context, userID string) ([]domain.HistoryRow, error)

	mu      sync.Mutex
	members map[string]*Refresher
}

func NewGroup(fetch func(ctx context.Context, userID string) ([]domain.HistoryRow, error), window, cooldown time.Duration) *Group {
	return &Group{
		window:   window,
		cooldown: cooldown,
		fetch:    fetch,
		members:  make(map[string]*Refresher),
	}
}

// For returns the user's refresher, creating it on first use.
func (g *Group) For(userID string) *Refresher {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.members[userID]; ok {
		return r
	}
	r := NewRefresher(func(ctx context.Context) ([]domain.HistoryRow, error) {
		return g.fetch(ctx, userID)
	}, g.window, g.cooldown)
	g.members[userID] = r
	return r
}
