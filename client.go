// Package discordsync composes the request caches, chunk waiters and purge
// scheduler into one client acting on behalf of a pool of Discord identities.
package discordsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/clock"
	"github.com/small-frappuccino/discordsync/pkg/discord/chunk"
	"github.com/small-frappuccino/discordsync/pkg/discord/cleanup"
	"github.com/small-frappuccino/discordsync/pkg/discord/discovery"
	"github.com/small-frappuccino/discordsync/pkg/discord/ref"
	"github.com/small-frappuccino/discordsync/pkg/discord/registry"
	"github.com/small-frappuccino/discordsync/pkg/discord/session"
	"github.com/small-frappuccino/discordsync/pkg/files"
	"github.com/small-frappuccino/discordsync/pkg/log"
	"github.com/small-frappuccino/discordsync/pkg/storage"
)

// ErrNoIdentity is returned when the pool has no session to act with.
var ErrNoIdentity = errors.New("discordsync: no identity available")

// Member and Category are re-exported for callers of the facade.
type (
	Member   = discordgo.Member
	Category = discovery.Category
)

// MembersResult is the outcome of a member chunk request.
type MembersResult = chunk.Result[*discordgo.Member]

// PurgeOptions narrows a purge.
type PurgeOptions struct {
	// Limit caps deletions per channel. Zero means no cap.
	Limit  int
	After  time.Time
	Before time.Time
	// OnlyMine restricts the purge to the acting identity's own messages.
	OnlyMine bool
	// SingleOnly disables bulk deletion.
	SingleOnly bool
}

// Config wires a Client. Store is optional.
type Config struct {
	Settings files.Settings
	Store    *storage.Store
	Clock    clock.Clock
}

// Client is the entry point of the library.
type Client struct {
	pool      *session.Pool
	store     *storage.Store
	settings  files.Settings
	clock     clock.Clock
	registry  *registry.Registry
	members   *chunk.MemberRequester
	discovery *discovery.Service
	removers  []func()
}

// New builds a Client over pool and registers its gateway handlers on every
// pooled session.
func New(pool *session.Pool, cfg Config) (*Client, error) {
	if pool == nil || pool.Primary() == nil {
		return nil, ErrNoIdentity
	}
	clk := clock.Or(cfg.Clock)
	s := cfg.Settings

	reg, err := registry.New(s.GuildCache, s.MemberCache)
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}

	c := &Client{
		pool:     pool,
		store:    cfg.Store,
		settings: s,
		clock:    clk,
		registry: reg,
	}
	c.members = chunk.NewMemberRequester(pool.Primary(), chunk.MemberConfig{
		SingleTimeout: s.Chunk.SingleTimeout.Std(),
		IdleTimeout:   s.Chunk.IdleTimeout.Std(),
		Clock:         clk,
		Sink:          c,
	})

	var snapshots discovery.SnapshotStore
	if cfg.Store != nil {
		snapshots = cfg.Store
	}
	c.discovery = discovery.NewService(pool, snapshots, discovery.Config{
		CategoryTTL:      s.Cache.CategoryTTL.Std(),
		TermTTL:          s.Cache.TermTTL.Std(),
		MinSweepInterval: s.Cache.MinSweepInterval.Std(),
		Clock:            clk,
	})

	for _, ds := range pool.Identities() {
		c.removers = append(c.removers,
			ds.AddHandler(reg.HandleGuildCreate),
			ds.AddHandler(reg.HandleGuildDelete),
			ds.AddHandler(reg.HandleGuildMemberAdd),
			ds.AddHandler(reg.HandleGuildMemberRemove),
		)
	}
	c.removers = append(c.removers, pool.Primary().AddHandler(c.members.HandleChunk))
	return c, nil
}

// Start seeds caches from persisted snapshots.
func (c *Client) Start(ctx context.Context) error {
	return c.discovery.LoadSnapshot(ctx)
}

// Close detaches the gateway handlers. The pool and store stay open.
func (c *Client) Close() {
	for _, remove := range c.removers {
		remove()
	}
	c.removers = nil
}

// Registry returns the entity registry fed by gateway events.
func (c *Client) Registry() *registry.Registry { return c.registry }

// Categories returns the discovery categories, cached.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	return c.discovery.Categories(ctx)
}

// RefreshCategories fetches the discovery categories regardless of freshness.
func (c *Client) RefreshCategories(ctx context.Context) ([]Category, error) {
	return c.discovery.RefreshCategories(ctx)
}

// ValidTerm reports whether term is allowed as a discovery search term.
func (c *Client) ValidTerm(ctx context.Context, term string) (bool, error) {
	return c.discovery.ValidTerm(ctx, c.pool.Primary(), term)
}

// RequestMembers asks the gateway for members of guild whose name starts
// with query.
func (c *Client) RequestMembers(ctx context.Context, guild any, query string, limit int) (MembersResult, error) {
	guildID, err := targetID(guild)
	if err != nil {
		return MembersResult{}, err
	}
	return c.members.RequestMembers(ctx, guildID, query, limit)
}

// RequestAllMembers asks the gateway for every member of each guild and
// waits for all chunks.
func (c *Client) RequestAllMembers(ctx context.Context, guilds ...any) (MembersResult, error) {
	ids := make([]string, 0, len(guilds))
	for _, g := range guilds {
		id, err := targetID(g)
		if err != nil {
			return MembersResult{}, err
		}
		ids = append(ids, id)
	}
	return c.members.RequestAllMembers(ctx, ids)
}

// Member returns a member known to the registry.
func (c *Client) Member(target any) (*discordgo.Member, bool) {
	r, err := ref.Resolve(target)
	if err != nil || r.Parent() == 0 {
		return nil, false
	}
	return c.registry.Member(r.ParentString(), r.IDString())
}

// PutMembers stores chunked members in the registry and, when a store is
// configured, in the members table.
func (c *Client) PutMembers(guildID string, members []*discordgo.Member) {
	c.registry.PutMembers(guildID, members)
	if c.store == nil || len(members) == 0 {
		return
	}
	now := c.clock.Now()
	records := make([]storage.MemberRecord, 0, len(members))
	for _, m := range members {
		if m == nil || m.User == nil {
			continue
		}
		records = append(records, storage.MemberRecord{
			GuildID:  guildID,
			UserID:   m.User.ID,
			Username: m.User.Username,
			Nick:     m.Nick,
			JoinedAt: m.JoinedAt,
			SeenAt:   now,
		})
	}
	if err := c.store.UpsertMembers(context.Background(), records); err != nil {
		log.DatabaseLogger().Warn("Failed to persist members", "guild_id", guildID, "count", len(records), "error", err)
	}
}

// DeleteMessage deletes one message named by a (channel, message) composite
// or a loaded message.
func (c *Client) DeleteMessage(ctx context.Context, target any) error {
	r, err := ref.Resolve(target)
	if err != nil {
		return err
	}
	if r.Parent() == 0 {
		return fmt.Errorf("%w: message needs its channel", ref.ErrUnsupported)
	}
	var failure error
	_, failed := cleanup.DeleteMessages(ctx, c.pool.Primary(), r.ParentString(), []string{r.IDString()}, cleanup.DeleteOptions{
		Mode:          cleanup.DeleteModeSingleOnly,
		Clock:         c.clock,
		OnDeleteError: func(_ string, err error) { failure = err },
	})
	if failed > 0 {
		return failure
	}
	return nil
}

// PurgeChannel deletes messages of one channel as the primary identity.
func (c *Client) PurgeChannel(ctx context.Context, channel any, opts PurgeOptions) (cleanup.Stats, error) {
	channelID, err := targetID(channel)
	if err != nil {
		return cleanup.Stats{}, err
	}
	id := c.identity(c.pool.Primary(), opts)
	started := c.clock.Now()
	stats, err := cleanup.PurgeChannel(ctx, id, channelID, c.purgeOptions(opts))
	c.recordPurge(channelID, id.UserID, started, stats, err)
	return stats, err
}

// PurgeChannels spreads channels across every pooled identity.
func (c *Client) PurgeChannels(ctx context.Context, channels []any, opts PurgeOptions) ([]cleanup.PurgeResult, error) {
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		id, err := targetID(ch)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sessions := c.pool.Identities()
	identities := make([]cleanup.Identity, 0, len(sessions))
	for _, s := range sessions {
		identities = append(identities, c.identity(s, opts))
	}

	started := c.clock.Now()
	results, err := cleanup.PurgeChannels(ctx, identities, ids, c.purgeOptions(opts))
	for _, r := range results {
		if r.ChannelID != "" {
			c.recordPurge(r.ChannelID, r.UserID, started, r.Stats, r.Err)
		}
	}
	return results, err
}

// PurgeHistory returns recent audit rows for channel.
func (c *Client) PurgeHistory(ctx context.Context, channel any, limit int) ([]storage.PurgeRun, error) {
	if c.store == nil {
		return nil, storage.ErrNotInitialized
	}
	channelID, err := targetID(channel)
	if err != nil {
		return nil, err
	}
	return c.store.RecentPurgeRuns(ctx, channelID, limit)
}

func (c *Client) identity(s *discordgo.Session, opts PurgeOptions) cleanup.Identity {
	id := cleanup.SessionIdentity(s)
	if opts.OnlyMine {
		id.CanManage = func(context.Context, string) (bool, error) { return false, nil }
	}
	return id
}

func (c *Client) purgeOptions(opts PurgeOptions) cleanup.Options {
	mode := cleanup.DeleteModeBulkPreferred
	if opts.SingleOnly || c.settings.Purge.SingleOnly {
		mode = cleanup.DeleteModeSingleOnly
	}
	return cleanup.Options{
		Mode:         mode,
		Limit:        opts.Limit,
		After:        opts.After,
		Before:       opts.Before,
		SafetyMargin: c.settings.Purge.SafetyMargin.Std(),
		Backlog:      c.settings.Purge.Backlog,
		Clock:        c.clock,
	}
}

func (c *Client) recordPurge(channelID, userID string, started time.Time, stats cleanup.Stats, err error) {
	log.DiscordLogger().Info("Channel purge finished",
		"channel_id", channelID,
		"deleted", stats.Deleted(),
		"failed", stats.Failed,
		"skipped", stats.Skipped,
	)
	if c.store == nil {
		return
	}
	run := storage.PurgeRun{
		ChannelID:  channelID,
		UserID:     userID,
		StartedAt:  started,
		FinishedAt: c.clock.Now(),
		Deleted:    stats.Deleted(),
		Failed:     stats.Failed,
		Skipped:    stats.Skipped,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if _, err := c.store.RecordPurgeRun(context.Background(), run); err != nil {
		log.DatabaseLogger().Warn("Failed to record purge run", "channel_id", channelID, "error", err)
	}
}

// targetID resolves a guild or channel target to its snowflake string.
func targetID(target any) (string, error) {
	r, err := ref.Resolve(target)
	if err != nil {
		return "", err
	}
	if r.Kind() == ref.KindComposite {
		return "", fmt.Errorf("%w: expected a single entity, got %s", ref.ErrUnsupported, r)
	}
	return r.IDString(), nil
}
