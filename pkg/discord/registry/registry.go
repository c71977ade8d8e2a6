// Package registry keeps the guilds and members the client has seen. A
// Registry is owned by one client and bounded by LRU eviction.
package registry

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/small-frappuccino/discordsync/pkg/discord/ref"
)

const (
	DefaultGuildCapacity  = 1000
	DefaultMemberCapacity = 100000
)

type memberKey struct {
	guildID string
	userID  string
}

// Registry maps IDs to live entities.
type Registry struct {
	guilds  *lru.Cache[string, *discordgo.Guild]
	members *lru.Cache[memberKey, *discordgo.Member]
}

// New returns a Registry holding at most guildCap guilds and memberCap
// members. Non-positive capacities use the defaults.
func New(guildCap, memberCap int) (*Registry, error) {
	if guildCap <= 0 {
		guildCap = DefaultGuildCapacity
	}
	if memberCap <= 0 {
		memberCap = DefaultMemberCapacity
	}
	guilds, err := lru.New[string, *discordgo.Guild](guildCap)
	if err != nil {
		return nil, fmt.Errorf("guild registry: %w", err)
	}
	members, err := lru.New[memberKey, *discordgo.Member](memberCap)
	if err != nil {
		return nil, fmt.Errorf("member registry: %w", err)
	}
	return &Registry{guilds: guilds, members: members}, nil
}

// PutGuild inserts or replaces g.
func (r *Registry) PutGuild(g *discordgo.Guild) {
	if g == nil || g.ID == "" {
		return
	}
	r.guilds.Add(g.ID, g)
	for _, m := range g.Members {
		r.putMember(g.ID, m)
	}
}

// Guild returns the guild with id.
func (r *Registry) Guild(id string) (*discordgo.Guild, bool) {
	return r.guilds.Get(id)
}

// RemoveGuild evicts a guild and every member recorded for it.
func (r *Registry) RemoveGuild(id string) {
	r.guilds.Remove(id)
	for _, k := range r.members.Keys() {
		if k.guildID == id {
			r.members.Remove(k)
		}
	}
}

// PutMembers records members of guildID. It satisfies chunk.MemberSink.
func (r *Registry) PutMembers(guildID string, members []*discordgo.Member) {
	for _, m := range members {
		r.putMember(guildID, m)
	}
}

func (r *Registry) putMember(guildID string, m *discordgo.Member) {
	if m == nil || m.User == nil || m.User.ID == "" {
		return
	}
	if m.GuildID == "" {
		m.GuildID = guildID
	}
	r.members.Add(memberKey{guildID: guildID, userID: m.User.ID}, m)
}

// Member returns a recorded member.
func (r *Registry) Member(guildID, userID string) (*discordgo.Member, bool) {
	return r.members.Get(memberKey{guildID: guildID, userID: userID})
}

// RemoveMember evicts one member.
func (r *Registry) RemoveMember(guildID, userID string) {
	r.members.Remove(memberKey{guildID: guildID, userID: userID})
}

// Lookup resolves a reference to a recorded guild or member. Bare IDs are
// looked up as guilds and parent/child pairs as members.
func (r *Registry) Lookup(target ref.Ref) (any, bool) {
	if obj, ok := target.Object(); ok {
		return obj, true
	}
	switch target.Kind() {
	case ref.KindID:
		return r.Guild(target.IDString())
	case ref.KindComposite:
		return r.Member(target.ParentString(), target.IDString())
	}
	return nil, false
}

// GuildCount returns the number of recorded guilds.
func (r *Registry) GuildCount() int { return r.guilds.Len() }

// MemberCount returns the number of recorded members.
func (r *Registry) MemberCount() int { return r.members.Len() }

// HandleGuildCreate records guilds as they become available.
func (r *Registry) HandleGuildCreate(_ *discordgo.Session, e *discordgo.GuildCreate) {
	if e != nil {
		r.PutGuild(e.Guild)
	}
}

// HandleGuildDelete forgets guilds the client left or lost.
func (r *Registry) HandleGuildDelete(_ *discordgo.Session, e *discordgo.GuildDelete) {
	if e != nil && e.Guild != nil {
		r.RemoveGuild(e.ID)
	}
}

// HandleGuildMemberAdd records a joining member.
func (r *Registry) HandleGuildMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	if e != nil && e.Member != nil {
		r.putMember(e.GuildID, e.Member)
	}
}

// HandleGuildMemberRemove forgets a departing member.
func (r *Registry) HandleGuildMemberRemove(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
	if e != nil && e.Member != nil && e.User != nil {
		r.RemoveMember(e.GuildID, e.User.ID)
	}
}
