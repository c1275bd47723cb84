package auth

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Guard blocks clients that keep failing authentication: after MaxFailures
// failures within Window a client is refused for Block.
type Guard struct {
	MaxFailures int
	Window      time.Duration
	Block       time.Duration

	mu      sync.Mutex
	clients map[string]*failures
	now     func() time.Time
}

type failures struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewGuard returns a Guard allowing 10 failures a minute, then blocking for
// five minutes.
func NewGuard() *Guard {
	return &Guard{
		MaxFailures: 10,
		Window:      time.Minute,
		Block:       5 * time.Minute,
		clients:     make(map[string]*failures),
		now:         time.Now,
	}
}

// RetryAfter returns how long client stays blocked, or zero.
func (g *Guard) RetryAfter(client string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.clients[client]
	if !ok {
		return 0
	}
	remaining := f.blockedUntil.Sub(g.now())
	if remaining <= 0 {
		if !f.blockedUntil.IsZero() {
			delete(g.clients, client)
		}
		return 0
	}
	return remaining
}

// Fail records a failed attempt and reports whether client is now blocked.
func (g *Guard) Fail(client string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	f, ok := g.clients[client]
	if !ok || now.Sub(f.windowStart) > g.Window {
		f = &failures{windowStart: now}
		g.clients[client] = f
	}
	f.count++
	if f.count >= g.MaxFailures {
		f.blockedUntil = now.Add(g.Block)
		return true
	}
	if len(g.clients) > 1000 {
		g.evict(now)
	}
	return false
}

// Succeed forgets client's failures.
func (g *Guard) Succeed(client string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, client)
}

func (g *Guard) evict(now time.Time) {
	for client, f := range g.clients {
		if now.After(f.blockedUntil) && now.Sub(f.windowStart) > g.Window {
			delete(g.clients, client)
		}
	}
}

// ClientIP identifies the client of r.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.SplitN(forwarded, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}
