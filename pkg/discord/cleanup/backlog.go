package cleanup

import (
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// BulkMaxAge is the oldest a message may be and still be bulk deleted.
	BulkMaxAge = 14 * 24 * time.Hour
	// DefaultSafetyMargin is subtracted from BulkMaxAge so a message does
	// not age out between triage and the bulk call landing.
	DefaultSafetyMargin = 10 * time.Minute
	// MaxBulkSize is the most message IDs one bulk call accepts.
	MaxBulkSize = 100
)

// candidate is a message waiting to be deleted.
type candidate struct {
	id      string
	mine    bool
	created time.Time
}

func newCandidate(m *discordgo.Message, mine bool) candidate {
	created := m.Timestamp
	if created.IsZero() {
		if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			created = ts
		}
	}
	return candidate{id: m.ID, mine: mine, created: created}
}

// backlog holds candidates split into three queues. A candidate lives in
// exactly one queue. recent is ordered newest first.
type backlog struct {
	recent []candidate
	mine   []candidate
	others []candidate
	queued map[string]struct{}
}

func newBacklog() *backlog {
	return &backlog{queued: make(map[string]struct{})}
}

func (b *backlog) len() int { return len(b.recent) + len(b.mine) + len(b.others) }

// add places c in a queue. bulk says whether recent candidates may use the
// batch path. It reports false for a candidate already seen.
func (b *backlog) add(c candidate, cutoff time.Time, bulk bool) bool {
	if _, ok := b.queued[c.id]; ok {
		return false
	}
	b.queued[c.id] = struct{}{}
	switch {
	case bulk && c.created.After(cutoff):
		b.recent = append(b.recent, c)
	case c.mine:
		b.mine = append(b.mine, c)
	default:
		b.others = append(b.others, c)
	}
	return true
}

// migrate moves recent candidates created at or before cutoff to the old
// queues. It returns how many moved.
func (b *backlog) migrate(cutoff time.Time) int {
	keep := b.recent[:0]
	moved := 0
	for _, c := range b.recent {
		if c.created.After(cutoff) {
			keep = append(keep, c)
			continue
		}
		moved++
		if c.mine {
			b.mine = append(b.mine, c)
		} else {
			b.others = append(b.others, c)
		}
	}
	clear(b.recent[len(keep):])
	b.recent = keep
	return moved
}

// takeBatch removes up to n of the oldest recent candidates.
func (b *backlog) takeBatch(n int) []candidate {
	n = min(n, len(b.recent))
	start := len(b.recent) - n
	batch := make([]candidate, n)
	copy(batch, b.recent[start:])
	b.recent = b.recent[:start]
	return batch
}

// demote moves candidates that were refused by the batch path to the old
// queues.
func (b *backlog) demote(cs []candidate) {
	for _, c := range cs {
		if c.mine {
			b.mine = append(b.mine, c)
		} else {
			b.others = append(b.others, c)
		}
	}
}

func popFront(q *[]candidate) candidate {
	c := (*q)[0]
	*q = (*q)[1:]
	return c
}
