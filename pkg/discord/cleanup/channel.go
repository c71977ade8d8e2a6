package cleanup

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordEpochMs is the Discord snowflake epoch in Unix milliseconds.
const discordEpochMs = 1420070400000

// messageSession is the subset of discordgo.Session used to page through and
// delete channel messages.
type messageSession interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessagesBulkDelete(channelID string, messages []string, options ...discordgo.RequestOption) error
}

// SnowflakeAt returns the smallest snowflake created at t, usable as a
// before/after cursor.
func SnowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMs
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

// ChannelHistory pages backwards through a channel's messages.
type ChannelHistory struct {
	session   messageSession
	channelID string
	before    string
	pageSize  int
}

// NewChannelHistory starts paging channelID from before, or from the newest
// message when before is zero.
func NewChannelHistory(session messageSession, channelID string, before time.Time) *ChannelHistory {
	h := &ChannelHistory{session: session, channelID: channelID, pageSize: 100}
	if !before.IsZero() {
		h.before = SnowflakeAt(before)
	}
	return h
}

// Next implements Source.
func (h *ChannelHistory) Next(ctx context.Context) ([]*discordgo.Message, bool, error) {
	msgs, err := h.session.ChannelMessages(h.channelID, h.pageSize, h.before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, false, err
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	h.before = msgs[len(msgs)-1].ID
	return msgs, len(msgs) == h.pageSize, nil
}

// ChannelDeleter deletes messages in one channel.
type ChannelDeleter struct {
	session   messageSession
	channelID string
}

// NewChannelDeleter returns a Deleter for channelID.
func NewChannelDeleter(session messageSession, channelID string) *ChannelDeleter {
	return &ChannelDeleter{session: session, channelID: channelID}
}

func (d *ChannelDeleter) DeleteMessage(ctx context.Context, messageID string) error {
	return d.session.ChannelMessageDelete(d.channelID, messageID, discordgo.WithContext(ctx))
}

func (d *ChannelDeleter) BulkDeleteMessages(ctx context.Context, messageIDs []string) error {
	return d.session.ChannelMessagesBulkDelete(d.channelID, messageIDs, discordgo.WithContext(ctx))
}

// sliceSource serves a fixed list as a single page.
type sliceSource struct {
	msgs []*discordgo.Message
	sent bool
}

func (s *sliceSource) Next(context.Context) ([]*discordgo.Message, bool, error) {
	if s.sent {
		return nil, false, nil
	}
	s.sent = true
	return s.msgs, false, nil
}

// AuthoredBy returns an ownership predicate matching messages by userID.
func AuthoredBy(userID string) func(*discordgo.Message) bool {
	return func(m *discordgo.Message) bool {
		return userID != "" && m.Author != nil && m.Author.ID == userID
	}
}

// ManageMessagesCheck reports whether the session user may manage messages
// in channelID.
func ManageMessagesCheck(s *discordgo.Session, channelID string) CapabilityCheck {
	return func(context.Context) (bool, error) {
		if s == nil || s.State == nil || s.State.User == nil {
			return false, nil
		}
		perms, err := s.UserChannelPermissions(s.State.User.ID, channelID)
		if err != nil {
			return false, err
		}
		return perms&discordgo.PermissionManageMessages != 0, nil
	}
}
