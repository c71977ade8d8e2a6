package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/log"
	"golang.org/x/time/rate"
)

// DefaultRequestRate is the per-identity request pace, Discord's global
// limit of 50 requests per second.
const DefaultRequestRate = rate.Limit(50)

// Pool holds the sessions of every identity the client acts as. The first
// session is the primary one.
type Pool struct {
	mu       sync.RWMutex
	sessions []*discordgo.Session
	limiters map[*discordgo.Session]*rate.Limiter
	pace     rate.Limit
}

// NewPool returns a pool over sessions. A non-positive pace means
// DefaultRequestRate.
func NewPool(pace rate.Limit, sessions ...*discordgo.Session) *Pool {
	if pace <= 0 {
		pace = DefaultRequestRate
	}
	p := &Pool{limiters: make(map[*discordgo.Session]*rate.Limiter), pace: pace}
	for _, s := range sessions {
		p.Add(s)
	}
	return p
}

// Open creates and connects a session for every token.
func Open(tokens []string, pace rate.Limit) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("open session pool: no tokens")
	}
	p := NewPool(pace)
	for i, token := range tokens {
		s, err := NewDiscordSession(token)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open identity %d: %w", i, err)
		}
		p.Add(s)
	}
	return p, nil
}

// Add appends s to the pool. Nil and repeated sessions are ignored.
func (p *Pool) Add(s *discordgo.Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.limiters[s]; ok {
		return
	}
	p.sessions = append(p.sessions, s)
	p.limiters[s] = rate.NewLimiter(p.pace, int(p.pace))
}

// Primary returns the first session, or nil for an empty pool.
func (p *Pool) Primary() *discordgo.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[0]
}

// Identities returns the pooled sessions in insertion order.
func (p *Pool) Identities() []*discordgo.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*discordgo.Session(nil), p.sessions...)
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Remaining reports how many requests s may still issue on bucket right now:
// the bucket's remaining count capped by the identity's local pace. A bucket
// with a request in flight reports zero.
func (p *Pool) Remaining(s *discordgo.Session, bucket string) int {
	p.mu.RLock()
	limiter, ok := p.limiters[s]
	p.mu.RUnlock()
	if !ok {
		return 0
	}

	local := int(limiter.Tokens())
	if s.Ratelimiter == nil || bucket == "" {
		return max(local, 0)
	}
	b := s.Ratelimiter.GetBucket(bucket)
	if !b.TryLock() {
		return 0
	}
	remaining := b.Remaining
	b.Unlock()
	return max(min(remaining, local), 0)
}

// Wait blocks until s may issue another request.
func (p *Pool) Wait(ctx context.Context, s *discordgo.Session) error {
	p.mu.RLock()
	limiter, ok := p.limiters[s]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session not in pool")
	}
	return limiter.Wait(ctx)
}

// Close closes every session.
func (p *Pool) Close() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.limiters = make(map[*discordgo.Session]*rate.Limiter)
	p.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := closeSession(s); err != nil {
			log.DiscordLogger().Warn("Failed to close session", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
