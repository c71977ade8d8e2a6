package app

import (
	"context"
	"fmt"
	"time"

	"github.com/small-frappuccino/discordsync"
	"github.com/small-frappuccino/discordsync/pkg/discord/cleanup"
	"github.com/small-frappuccino/discordsync/pkg/log"
	"github.com/small-frappuccino/discordsync/pkg/task"
)

// Task types handled by the job router.
const (
	TaskPurgeChannel      = "purge_channel"
	TaskRefreshCategories = "refresh_categories"
)

// PurgeJob is the payload of a TaskPurgeChannel task.
type PurgeJob struct {
	ChannelID string
	Options   discordsync.PurgeOptions
}

type jobClient interface {
	PurgeChannel(ctx context.Context, channel any, opts discordsync.PurgeOptions) (cleanup.Stats, error)
	RefreshCategories(ctx context.Context) ([]discordsync.Category, error)
}

// RegisterJobs installs the purge and refresh handlers on router.
func RegisterJobs(router *task.TaskRouter, client jobClient) {
	router.RegisterHandler(TaskPurgeChannel, func(ctx context.Context, payload any) error {
		job, ok := payload.(PurgeJob)
		if !ok {
			return fmt.Errorf("purge job: unexpected payload %T", payload)
		}
		_, err := client.PurgeChannel(ctx, job.ChannelID, job.Options)
		return err
	})
	router.RegisterHandler(TaskRefreshCategories, func(ctx context.Context, _ any) error {
		cats, err := client.RefreshCategories(ctx)
		if err != nil {
			return err
		}
		log.ApplicationLogger().Info("Discovery categories refreshed", "count", len(cats))
		return nil
	})
}

// SubmitPurge queues a purge of job.ChannelID. Purges of one channel run one
// at a time and an identical purge already queued or running is rejected
// with task.ErrDuplicateTask.
func SubmitPurge(ctx context.Context, router *task.TaskRouter, job PurgeJob) (<-chan error, error) {
	return router.Submit(ctx, task.Task{
		Type:    TaskPurgeChannel,
		Payload: job,
		Options: task.TaskOptions{
			GroupKey:       "channel:" + job.ChannelID,
			IdempotencyKey: purgeKey(job),
			IdempotencyTTL: time.Second,
		},
	})
}

// ScheduleCategoryRefresh refreshes discovery categories every interval.
// A non-positive interval schedules nothing.
func ScheduleCategoryRefresh(router *task.TaskRouter, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	return router.ScheduleEvery(interval, task.Task{
		Type:    TaskRefreshCategories,
		Options: task.TaskOptions{IdempotencyKey: TaskRefreshCategories, IdempotencyTTL: time.Millisecond},
	})
}

func purgeKey(job PurgeJob) string {
	o := job.Options
	return fmt.Sprintf("purge:%s:%d:%d:%d:%t:%t",
		job.ChannelID, o.Limit, o.After.UnixMilli(), o.Before.UnixMilli(), o.OnlyMine, o.SingleOnly)
}
