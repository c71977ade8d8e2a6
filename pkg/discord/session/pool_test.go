package session

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

func testSession() *discordgo.Session {
	return &discordgo.Session{Ratelimiter: discordgo.NewRatelimiter()}
}

func TestPoolRemainingReadsBucket(t *testing.T) {
	a, b := testSession(), testSession()
	p := NewPool(0, a, b, a, nil)

	if p.Len() != 2 || p.Primary() != a {
		t.Fatalf("expected two sessions with a first, got %d", p.Len())
	}

	a.Ratelimiter.GetBucket("discovery").Remaining = 0
	b.Ratelimiter.GetBucket("discovery").Remaining = 7

	if got := p.Remaining(a, "discovery"); got != 0 {
		t.Fatalf("exhausted bucket should report 0, got %d", got)
	}
	if got := p.Remaining(b, "discovery"); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestPoolRemainingBusyBucket(t *testing.T) {
	s := testSession()
	p := NewPool(0, s)
	bucket := s.Ratelimiter.GetBucket("discovery")
	bucket.Remaining = 3

	bucket.Lock()
	if got := p.Remaining(s, "discovery"); got != 0 {
		t.Fatalf("bucket with a request in flight should report 0, got %d", got)
	}
	bucket.Unlock()
	if got := p.Remaining(s, "discovery"); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestPoolRemainingCappedByPace(t *testing.T) {
	s := testSession()
	p := NewPool(rate.Limit(2), s)
	s.Ratelimiter.GetBucket("discovery").Remaining = 40

	if got := p.Remaining(s, "discovery"); got != 2 {
		t.Fatalf("expected pace to cap remaining at 2, got %d", got)
	}
	if got := p.Remaining(testSession(), "discovery"); got != 0 {
		t.Fatalf("unknown session should report 0, got %d", got)
	}
}

func TestPoolWait(t *testing.T) {
	s := testSession()
	p := NewPool(rate.Limit(1000), s)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx, s); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := p.Wait(ctx, testSession()); err == nil {
		t.Fatalf("expected error for a session outside the pool")
	}
}

func TestPoolClose(t *testing.T) {
	closed := 0
	restoreSessionStubs(t, newSession, openSession, func(*discordgo.Session) error {
		closed++
		return nil
	})
	p := NewPool(0, testSession(), testSession())
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed != 2 || p.Len() != 0 {
		t.Fatalf("expected both sessions closed, closed=%d len=%d", closed, p.Len())
	}
}

func TestOpenRequiresTokens(t *testing.T) {
	if _, err := Open(nil, 0); err == nil {
		t.Fatalf("expected error without tokens")
	}
}

func TestOpenClosesOnFailure(t *testing.T) {
	closed := 0
	restoreSessionStubs(t, func(string) (*discordgo.Session, error) {
		return testSession(), nil
	}, func(*discordgo.Session) error { return nil }, func(*discordgo.Session) error {
		closed++
		return nil
	})

	if _, err := Open([]string{"one", ""}, 0); err == nil {
		t.Fatalf("expected error for empty second token")
	}
	if closed != 1 {
		t.Fatalf("expected the opened session to be closed, got %d", closed)
	}
}
