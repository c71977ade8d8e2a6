package cleanup

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/clock"
)

// DeleteOptions configures DeleteMessages.
type DeleteOptions struct {
	Mode          DeleteMode
	OnDeleteError func(messageID string, err error)
	Clock         clock.Clock
}

// DeleteMessages removes the given messages from a channel, returning deleted
// and failed counts. Messages that are already gone count as deleted.
// Failures do not stop the remaining deletes.
func DeleteMessages(ctx context.Context, session messageSession, channelID string, messageIDs []string, opts DeleteOptions) (int, int) {
	if session == nil || channelID == "" || len(messageIDs) == 0 {
		return 0, 0
	}

	msgs := make([]*discordgo.Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		msgs = append(msgs, &discordgo.Message{ID: id})
	}

	s := NewScheduler(NewChannelDeleter(session, channelID), Options{
		Mode:            opts.Mode,
		ContinueOnError: true,
		OnDeleteError:   opts.OnDeleteError,
		Clock:           opts.Clock,
	})
	// Listed IDs were chosen by the caller, so treat them as owned.
	stats, _ := s.Run(ctx, &sliceSource{msgs: msgs}, func(*discordgo.Message) bool { return true }, nil)
	return stats.Deleted(), stats.Failed
}
