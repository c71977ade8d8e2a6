package cleanup

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Identity is one account able to purge channels.
type Identity struct {
	Session messageSession
	// UserID is the account's own user ID, used to tell its messages apart.
	UserID string
	// CanManage reports whether the account may delete others' messages in
	// a channel. Nil allows it.
	CanManage func(ctx context.Context, channelID string) (bool, error)
}

// PurgeResult is the outcome of purging one channel.
type PurgeResult struct {
	ChannelID string
	UserID    string
	Stats     Stats
	Err       error
}

// PurgeChannel runs a scheduler over one channel's history.
func PurgeChannel(ctx context.Context, id Identity, channelID string, opts Options) (Stats, error) {
	if id.Session == nil || channelID == "" {
		return Stats{}, fmt.Errorf("purge channel: missing session or channel id")
	}
	var check CapabilityCheck
	if id.CanManage != nil {
		check = func(ctx context.Context) (bool, error) { return id.CanManage(ctx, channelID) }
	}
	s := NewScheduler(NewChannelDeleter(id.Session, channelID), opts)
	return s.Run(ctx, NewChannelHistory(id.Session, channelID, opts.Before), AuthoredBy(id.UserID), check)
}

// PurgeChannels shards channelIDs across identities round robin. Each
// identity purges its channels one after another so its rate limits are not
// shared between concurrent runs. Every channel gets a result; the first
// error is also returned.
func PurgeChannels(ctx context.Context, identities []Identity, channelIDs []string, opts Options) ([]PurgeResult, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("purge channels: no identities")
	}

	results := make([]PurgeResult, len(channelIDs))
	shards := make([][]int, len(identities))
	for i := range channelIDs {
		shard := i % len(identities)
		shards[shard] = append(shards[shard], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for shard, indexes := range shards {
		if len(indexes) == 0 {
			continue
		}
		id := identities[shard]
		g.Go(func() error {
			for _, i := range indexes {
				channelID := channelIDs[i]
				stats, err := PurgeChannel(gctx, id, channelID, opts)
				results[i] = PurgeResult{ChannelID: channelID, UserID: id.UserID, Stats: stats, Err: err}
				if err != nil {
					log.DiscordLogger().Error("Channel purge failed", "channel_id", channelID, "user_id", id.UserID, "error", err)
					return fmt.Errorf("purge channel %s: %w", channelID, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// SessionIdentity builds an Identity from a logged-in session.
func SessionIdentity(s *discordgo.Session) Identity {
	id := Identity{Session: s}
	if s.State != nil && s.State.User != nil {
		id.UserID = s.State.User.ID
	}
	id.CanManage = func(ctx context.Context, channelID string) (bool, error) {
		return ManageMessagesCheck(s, channelID)(ctx)
	}
	return id
}
