package cleanup

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const me = "111"

func msg(id, author string, created time.Time) *discordgo.Message {
	return &discordgo.Message{ID: id, Author: &discordgo.User{ID: author}, Timestamp: created}
}

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "boom"},
	}
}

type pagedSource struct {
	mu    sync.Mutex
	pages [][]*discordgo.Message
	calls int
}

func pagesOf(msgs []*discordgo.Message, size int) *pagedSource {
	src := &pagedSource{}
	for len(msgs) > 0 {
		n := min(size, len(msgs))
		src.pages = append(src.pages, msgs[:n])
		msgs = msgs[n:]
	}
	return src
}

func (s *pagedSource) Next(context.Context) ([]*discordgo.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.pages) {
		s.calls++
		return nil, false, nil
	}
	page := s.pages[s.calls]
	s.calls++
	return page, s.calls < len(s.pages), nil
}

func (s *pagedSource) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingDeleter struct {
	mu       sync.Mutex
	batches  [][]string
	singles  []string
	counts   map[string]int
	bulkFn   func([]string) error
	singleFn func(string) error
}

func newRecordingDeleter() *recordingDeleter {
	return &recordingDeleter{counts: make(map[string]int)}
}

func (d *recordingDeleter) BulkDeleteMessages(_ context.Context, ids []string) error {
	if d.bulkFn != nil {
		if err := d.bulkFn(ids); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, append([]string(nil), ids...))
	for _, id := range ids {
		d.counts[id]++
	}
	return nil
}

func (d *recordingDeleter) DeleteMessage(_ context.Context, id string) error {
	if d.singleFn != nil {
		if err := d.singleFn(id); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.singles = append(d.singles, id)
	d.counts[id]++
	return nil
}

func (d *recordingDeleter) bulkIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, b := range d.batches {
		out = append(out, b...)
	}
	sort.Strings(out)
	return out
}

func (d *recordingDeleter) singleIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string(nil), d.singles...)
	sort.Strings(out)
	return out
}

// history builds newest-first messages: recent ones an hour old and older
// ones twenty days old.
func history(recentMine, recentOthers, oldMine, oldOthers int) (msgs []*discordgo.Message, recent, old []string) {
	at := epoch.Add(-time.Hour)
	add := func(prefix, author string, n int, into *[]string) {
		for i := range n {
			id := fmt.Sprintf("%s-%03d", prefix, i)
			msgs = append(msgs, msg(id, author, at))
			at = at.Add(-time.Second)
			*into = append(*into, id)
		}
	}
	add("recent-mine", me, recentMine, &recent)
	add("recent-other", "222", recentOthers, &recent)
	at = epoch.Add(-20 * 24 * time.Hour)
	add("old-mine", me, oldMine, &old)
	add("old-other", "222", oldOthers, &old)
	sort.Strings(recent)
	sort.Strings(old)
	return msgs, recent, old
}
