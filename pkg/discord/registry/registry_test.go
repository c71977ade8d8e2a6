package registry

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/discord/ref"
)

func newMember(guildID, userID string) *discordgo.Member {
	return &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID}}
}

func TestRegistryGuildLifecycle(t *testing.T) {
	r, err := New(0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r.HandleGuildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{
		ID:      "10",
		Name:    "guild",
		Members: []*discordgo.Member{newMember("10", "1"), newMember("10", "2")},
	}})
	r.PutMembers("20", []*discordgo.Member{newMember("", "1")})

	if _, ok := r.Guild("10"); !ok {
		t.Fatalf("guild should be recorded")
	}
	if r.MemberCount() != 3 {
		t.Fatalf("expected 3 members, got %d", r.MemberCount())
	}
	if m, ok := r.Member("20", "1"); !ok || m.GuildID != "20" {
		t.Fatalf("member should inherit the guild id, got %+v", m)
	}

	r.HandleGuildDelete(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "10"}})
	if _, ok := r.Guild("10"); ok {
		t.Fatalf("guild should be evicted")
	}
	if r.MemberCount() != 1 {
		t.Fatalf("members of the deleted guild should go too, left %d", r.MemberCount())
	}
}

func TestRegistryMemberEvents(t *testing.T) {
	r, _ := New(0, 0)
	r.HandleGuildMemberAdd(nil, &discordgo.GuildMemberAdd{Member: newMember("10", "5")})
	if _, ok := r.Member("10", "5"); !ok {
		t.Fatalf("member add should record")
	}
	r.HandleGuildMemberRemove(nil, &discordgo.GuildMemberRemove{Member: newMember("10", "5")})
	if _, ok := r.Member("10", "5"); ok {
		t.Fatalf("member remove should evict")
	}
}

func TestRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	r, _ := New(2, 0)
	r.PutGuild(&discordgo.Guild{ID: "1"})
	r.PutGuild(&discordgo.Guild{ID: "2"})
	r.Guild("1")
	r.PutGuild(&discordgo.Guild{ID: "3"})

	if _, ok := r.Guild("2"); ok {
		t.Fatalf("least recently used guild should be evicted")
	}
	if r.GuildCount() != 2 {
		t.Fatalf("expected capacity to hold, got %d", r.GuildCount())
	}
}

func TestRegistryLookup(t *testing.T) {
	r, _ := New(0, 0)
	r.PutGuild(&discordgo.Guild{ID: "10"})
	r.PutMembers("10", []*discordgo.Member{newMember("10", "5")})

	if v, ok := r.Lookup(ref.ID(10)); !ok || v.(*discordgo.Guild).ID != "10" {
		t.Fatalf("expected guild lookup")
	}
	if v, ok := r.Lookup(ref.Composite(10, 5)); !ok || v.(*discordgo.Member).User.ID != "5" {
		t.Fatalf("expected member lookup")
	}
	if _, ok := r.Lookup(ref.ID(99)); ok {
		t.Fatalf("unknown guild should miss")
	}
	if _, ok := r.Lookup(ref.Ref{}); ok {
		t.Fatalf("zero ref should miss")
	}
}
