package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/clock"
	syncerrors "github.com/small-frappuccino/discordsync/pkg/errors"
	"github.com/small-frappuccino/discordsync/pkg/log"
)

// DeleteMode controls how messages are removed.
type DeleteMode int

const (
	// DeleteModeBulkPreferred uses bulk deletion when possible.
	DeleteModeBulkPreferred DeleteMode = iota
	// DeleteModeSingleOnly deletes each message individually.
	DeleteModeSingleOnly
)

// DefaultBacklog is how many queued candidates stop further page fetches.
const DefaultBacklog = 2 * MaxBulkSize

// Source yields candidate messages page by page, newest first.
type Source interface {
	// Next returns the next page. more is false once the source is exhausted.
	Next(ctx context.Context) (page []*discordgo.Message, more bool, err error)
}

// Deleter removes messages from one channel.
type Deleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
	BulkDeleteMessages(ctx context.Context, messageIDs []string) error
}

// CapabilityCheck reports whether the acting identity may delete messages
// authored by others. Bulk deletion needs the same permission.
type CapabilityCheck func(ctx context.Context) (bool, error)

// Options bounds and tunes a scheduler run.
type Options struct {
	Mode DeleteMode
	// Limit caps how many messages are queued for deletion. Zero means no cap.
	Limit int
	// After and Before bound message creation times. Zero values are open.
	After  time.Time
	Before time.Time
	// Filter drops messages it returns false for.
	Filter func(*discordgo.Message) bool
	// SafetyMargin narrows the bulk window. Zero means DefaultSafetyMargin.
	SafetyMargin time.Duration
	// Backlog is the queue depth above which no new page is fetched.
	Backlog int
	// ContinueOnError keeps deleting after a failed call. Failures are still
	// reported through OnDeleteError and Stats.Failed.
	ContinueOnError bool
	OnDeleteError   func(messageID string, err error)
	Clock           clock.Clock
}

// Stats summarises a run.
type Stats struct {
	Fetched int
	Queued  int
	Skipped int
	// Batches and BulkDeleted count calls and messages on the batch path.
	Batches     int
	BulkDeleted int
	// SingleOwn counts single deletes of recent messages and of old
	// messages the identity authored.
	SingleOwn int
	// SingleOther counts single deletes of old messages authored by others.
	SingleOther int
	// Missing counts messages that were already gone. They are included in
	// the deleted totals.
	Missing  int
	Migrated int
	Failed   int
}

// Deleted returns the number of messages removed by any path.
func (s Stats) Deleted() int { return s.BulkDeleted + s.SingleOwn + s.SingleOther }

// Scheduler deletes messages through four concurrent lanes: page fetches,
// bulk deletes, single deletes of new or own messages and single deletes of
// old messages authored by others.
type Scheduler struct {
	deleter Deleter
	opts    Options
	clock   clock.Clock
}

// NewScheduler returns a Scheduler deleting through d.
func NewScheduler(d Deleter, opts Options) *Scheduler {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	// A lone recent message waits for a partner, so the backlog must leave
	// room for a second one.
	opts.Backlog = max(opts.Backlog, 2)
	return &Scheduler{deleter: d, opts: opts, clock: clock.Or(opts.Clock)}
}

type lane int

const (
	laneFetch lane = iota
	laneBulk
	laneOwn
	laneOther
	laneCount
)

type completion struct {
	lane  lane
	batch []candidate
	page  []*discordgo.Message
	more  bool
	err   error
}

type run struct {
	s        *Scheduler
	src      Source
	owned    func(*discordgo.Message) bool
	manage   bool
	bulk     bool
	queue    *backlog
	busy     [laneCount]bool
	inflight int
	more     bool
	done     chan completion
	stats    Stats
	err      error
}

// Run drains src. owned reports whether the acting identity authored a
// message; check decides whether messages by others may be deleted and a nil
// check allows it. Run returns once every started call has finished. The
// first failure stops new work and is returned.
func (s *Scheduler) Run(ctx context.Context, src Source, owned func(*discordgo.Message) bool, check CapabilityCheck) (Stats, error) {
	manage := true
	if check != nil {
		ok, err := check(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("check delete capability: %w", err)
		}
		manage = ok
	}

	r := &run{
		s:      s,
		src:    src,
		owned:  owned,
		manage: manage,
		bulk:   manage && s.opts.Mode != DeleteModeSingleOnly,
		queue:  newBacklog(),
		more:   true,
		done:   make(chan completion, laneCount),
	}

	for {
		r.schedule(ctx)
		if r.inflight == 0 {
			break
		}
		c := <-r.done
		r.inflight--
		r.busy[c.lane] = false
		r.handle(c)
	}

	log.DiscordLogger().Info("Bulk deletion finished",
		"fetched", r.stats.Fetched,
		"deleted", r.stats.Deleted(),
		"batches", r.stats.Batches,
		"skipped", r.stats.Skipped,
		"failed", r.stats.Failed,
		"left", r.queue.len(),
	)
	return r.stats, r.err
}

func (r *run) cutoff() time.Time {
	return r.s.clock.Now().Add(-(BulkMaxAge - r.s.opts.SafetyMargin))
}

func (r *run) schedule(ctx context.Context) {
	if r.err == nil && ctx.Err() != nil {
		r.err = ctx.Err()
	}
	if r.err != nil {
		return
	}

	if moved := r.queue.migrate(r.cutoff()); moved > 0 {
		r.stats.Migrated += moved
		log.DiscordLogger().Debug("Messages aged out of the bulk window", "count", moved)
	}

	if !r.busy[laneFetch] && r.more && r.queue.len() < r.s.opts.Backlog {
		r.launch(laneFetch, func() completion {
			page, more, err := r.src.Next(ctx)
			return completion{page: page, more: more, err: err}
		})
	}

	if !r.busy[laneBulk] && len(r.queue.recent) >= 2 {
		batch := r.queue.takeBatch(MaxBulkSize)
		r.launch(laneBulk, func() completion {
			ids := make([]string, len(batch))
			for i, c := range batch {
				ids[i] = c.id
			}
			return completion{batch: batch, err: r.s.deleter.BulkDeleteMessages(ctx, ids)}
		})
	}

	if !r.busy[laneOwn] {
		var next []candidate
		switch {
		case len(r.queue.mine) > 0:
			next = []candidate{popFront(&r.queue.mine)}
		case len(r.queue.recent) == 1 && !r.more && !r.busy[laneFetch]:
			// Nothing left to pair it with.
			next = r.queue.takeBatch(1)
		}
		if next != nil {
			r.launchSingle(ctx, laneOwn, next)
		}
	}

	if !r.busy[laneOther] && len(r.queue.others) > 0 {
		r.launchSingle(ctx, laneOther, []candidate{popFront(&r.queue.others)})
	}
}

func (r *run) launch(l lane, fn func() completion) {
	r.busy[l] = true
	r.inflight++
	go func() {
		c := fn()
		c.lane = l
		r.done <- c
	}()
}

func (r *run) launchSingle(ctx context.Context, l lane, batch []candidate) {
	r.launch(l, func() completion {
		return completion{batch: batch, err: r.s.deleter.DeleteMessage(ctx, batch[0].id)}
	})
}

func (r *run) handle(c completion) {
	switch c.lane {
	case laneFetch:
		if c.err != nil {
			r.more = false
			if r.err == nil {
				r.err = fmt.Errorf("fetch messages: %w", c.err)
			}
			return
		}
		r.triage(c.page)
		if !c.more || len(c.page) == 0 {
			r.more = false
		}

	case laneBulk:
		switch {
		case c.err == nil:
			r.stats.Batches++
			r.stats.BulkDeleted += len(c.batch)
		case syncerrors.IsNotFound(c.err):
			r.stats.Batches++
			r.stats.BulkDeleted += len(c.batch)
			r.stats.Missing += len(c.batch)
		case syncerrors.IsBulkTooOld(c.err):
			log.DiscordLogger().Warn("Bulk delete refused as too old; using single deletes", "count", len(c.batch))
			r.queue.demote(c.batch)
			r.stats.Migrated += len(c.batch)
		default:
			r.stats.Failed += len(c.batch)
			for _, cand := range c.batch {
				r.report(cand.id, c.err)
			}
			r.fail(fmt.Errorf("bulk delete %d messages: %w", len(c.batch), c.err))
		}

	case laneOwn, laneOther:
		id := c.batch[0].id
		if c.err != nil && !syncerrors.IsNotFound(c.err) {
			r.stats.Failed++
			r.report(id, c.err)
			r.fail(fmt.Errorf("delete message %s: %w", id, c.err))
			return
		}
		if c.err != nil {
			r.stats.Missing++
		}
		if c.lane == laneOwn {
			r.stats.SingleOwn++
		} else {
			r.stats.SingleOther++
		}
	}
}

func (r *run) triage(page []*discordgo.Message) {
	opts := r.s.opts
	cutoff := r.cutoff()
	for _, m := range page {
		if m == nil || m.ID == "" {
			continue
		}
		r.stats.Fetched++
		if opts.Limit > 0 && r.stats.Queued >= opts.Limit {
			r.more = false
			return
		}
		mine := r.owned != nil && r.owned(m)
		c := newCandidate(m, mine)
		if !opts.After.IsZero() && !c.created.After(opts.After) {
			r.more = false
			return
		}
		if !opts.Before.IsZero() && !c.created.Before(opts.Before) {
			r.stats.Skipped++
			continue
		}
		if opts.Filter != nil && !opts.Filter(m) {
			r.stats.Skipped++
			continue
		}
		if !mine && !r.manage {
			r.stats.Skipped++
			continue
		}
		if r.queue.add(c, cutoff, r.bulk) {
			r.stats.Queued++
		}
	}
	if opts.Limit > 0 && r.stats.Queued >= opts.Limit {
		r.more = false
	}
}

func (r *run) report(id string, err error) {
	if r.s.opts.OnDeleteError != nil {
		r.s.opts.OnDeleteError(id, err)
	}
}

func (r *run) fail(err error) {
	if r.s.opts.ContinueOnError {
		log.DiscordLogger().Warn("Message deletion failed; continuing", "error", err)
		return
	}
	if r.err == nil {
		r.err = err
	}
}
