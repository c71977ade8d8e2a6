package chunk

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/clock"
	"github.com/small-frappuccino/discordsync/pkg/discord/perf"
	"github.com/small-frappuccino/discordsync/pkg/log"
)

// gatewaySession is the subset of discordgo.Session used to ask the gateway
// for member chunks.
type gatewaySession interface {
	RequestGuildMembers(guildID, query string, limit int, nonce string, presences bool) error
}

// MemberSink receives every member chunk routed to a waiter.
type MemberSink interface {
	PutMembers(guildID string, members []*discordgo.Member)
}

// MemberConfig configures a MemberRequester.
type MemberConfig struct {
	// SingleTimeout is the fixed deadline of RequestMembers.
	SingleTimeout time.Duration
	// IdleTimeout is the per-chunk idle deadline of RequestAllMembers.
	IdleTimeout time.Duration
	Clock       clock.Clock
	Sink        MemberSink
}

// MemberRequester sends member requests over the gateway and reassembles the
// GuildMembersChunk events that answer them.
type MemberRequester struct {
	session gatewaySession
	table   *Table[*discordgo.Member]
	cfg     MemberConfig
	clock   clock.Clock
}

// NewMemberRequester wires a requester to session. Register HandleChunk on
// the session so chunks reach it.
func NewMemberRequester(session gatewaySession, cfg MemberConfig) *MemberRequester {
	return &MemberRequester{
		session: session,
		table:   NewTable[*discordgo.Member](),
		cfg:     cfg,
		clock:   clock.Or(cfg.Clock),
	}
}

// HandleChunk is a discordgo event handler for GuildMembersChunk.
func (r *MemberRequester) HandleChunk(_ *discordgo.Session, c *discordgo.GuildMembersChunk) {
	done := perf.StartGatewayEvent("guild_members_chunk")
	defer done()
	r.Dispatch(c)
}

// Dispatch routes c to the waiter registered under its nonce.
func (r *MemberRequester) Dispatch(c *discordgo.GuildMembersChunk) bool {
	if c == nil || c.Nonce == "" {
		return false
	}
	delivered := r.table.Dispatch(Event[*discordgo.Member]{
		Nonce:  c.Nonce,
		Source: c.GuildID,
		Index:  c.ChunkIndex,
		Count:  c.ChunkCount,
		Items:  c.Members,
	})
	if delivered && r.cfg.Sink != nil {
		r.cfg.Sink.PutMembers(c.GuildID, c.Members)
	}
	return delivered
}

// Pending returns the number of requests waiting for chunks.
func (r *MemberRequester) Pending() int { return r.table.Len() }

// RequestMembers asks for up to limit members of guildID whose name starts
// with query and returns the first chunk that answers. When nobody answers in
// time the result is empty with TimedOut set.
func (r *MemberRequester) RequestMembers(ctx context.Context, guildID, query string, limit int) (Result[*discordgo.Member], error) {
	if guildID == "" {
		return Result[*discordgo.Member]{}, fmt.Errorf("request members: empty guild id")
	}
	w := NewWaiter[*discordgo.Member](r.clock, r.cfg.SingleTimeout)
	nonce := r.table.Add(w)
	defer r.table.Unregister(nonce)

	if err := r.session.RequestGuildMembers(guildID, query, limit, nonce, false); err != nil {
		w.Cancel()
		return Result[*discordgo.Member]{}, fmt.Errorf("request members of guild %s: %w", guildID, err)
	}
	res, err := w.Wait(ctx)
	if res.TimedOut {
		log.DiscordLogger().Debug("Member request timed out", "guild_id", guildID, "nonce", nonce)
	}
	return res, err
}

// RequestAllMembers asks every guild in guildIDs for its full member list
// under one nonce and waits until each guild has sent its final chunk, or no
// chunk has arrived for the idle timeout.
func (r *MemberRequester) RequestAllMembers(ctx context.Context, guildIDs []string) (Result[*discordgo.Member], error) {
	guildIDs = uniqueNonEmpty(guildIDs)
	if len(guildIDs) == 0 {
		return Result[*discordgo.Member]{}, nil
	}

	w := NewMultiWaiter[*discordgo.Member](r.clock, len(guildIDs), r.cfg.IdleTimeout)
	nonce := r.table.Add(w)
	defer r.table.Unregister(nonce)

	for _, guildID := range guildIDs {
		if err := r.session.RequestGuildMembers(guildID, "", 0, nonce, false); err != nil {
			w.Cancel()
			return Result[*discordgo.Member]{}, fmt.Errorf("request members of guild %s: %w", guildID, err)
		}
	}

	res, err := w.Wait(ctx)
	if res.TimedOut {
		log.DiscordLogger().Warn("Member chunks stopped before every guild completed",
			"guilds", len(guildIDs),
			"incomplete", w.Remaining(),
			"received", len(res.Items),
		)
	}
	return res, err
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
