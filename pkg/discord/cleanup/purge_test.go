package cleanup

import (
	"context"
	"testing"
)

func TestPurgeChannelsShardsAcrossIdentities(t *testing.T) {
	first, second := newFakeChannels(), newFakeChannels()
	channels := []string{"c1", "c2", "c3"}
	for _, f := range []*fakeChannels{first, second} {
		for _, c := range channels {
			seedChannel(f, c, 5, me)
		}
	}
	ids := []Identity{{Session: first, UserID: me}, {Session: second, UserID: me}}

	results, err := PurgeChannels(context.Background(), ids, channels, Options{})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected a result per channel, got %d", len(results))
	}
	if first.deletedIn("c1") != 5 || first.deletedIn("c3") != 5 || second.deletedIn("c2") != 5 {
		t.Fatalf("channels were not sharded round robin")
	}
	if second.deletedIn("c1") != 0 || first.deletedIn("c2") != 0 {
		t.Fatalf("a channel was purged by two identities")
	}
	for _, r := range results {
		if r.Err != nil || r.Stats.Deleted() != 5 {
			t.Fatalf("unexpected result %+v", r)
		}
	}
}

func TestPurgeChannelsReportsFailure(t *testing.T) {
	f := newFakeChannels()
	seedChannel(f, "ok", 3, me)
	f.failChan = "broken"
	ids := []Identity{{Session: f, UserID: me}}

	results, err := PurgeChannels(context.Background(), ids, []string{"broken", "ok"}, Options{})
	if err == nil {
		t.Fatalf("expected purge error")
	}
	if results[0].ChannelID != "broken" || results[0].Err == nil {
		t.Fatalf("unexpected first result %+v", results[0])
	}
}

func TestPurgeChannelsRequiresIdentity(t *testing.T) {
	if _, err := PurgeChannels(context.Background(), nil, []string{"c1"}, Options{}); err == nil {
		t.Fatalf("expected error without identities")
	}
}

func TestPurgeChannelHonoursCapability(t *testing.T) {
	f := newFakeChannels()
	seedChannel(f, "c1", 4, "222")
	id := Identity{
		Session:   f,
		UserID:    me,
		CanManage: func(context.Context, string) (bool, error) { return false, nil },
	}
	stats, err := PurgeChannel(context.Background(), id, "c1", Options{})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if stats.Skipped != 4 || f.deletedIn("c1") != 0 {
		t.Fatalf("others' messages must be skipped without manage permission, stats %+v", stats)
	}
}
