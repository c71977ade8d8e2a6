package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/small-frappuccino/discordsync"
	"github.com/small-frappuccino/discordsync/pkg/app"
	"github.com/small-frappuccino/discordsync/pkg/util"
	"github.com/spf13/pflag"
)

const usage = `discordsync keeps cached Discord reference data and purges channels.

Usage:
  discordsync <command> [flags]

Commands:
  run                      stay connected and refresh caches periodically
  categories               print discovery categories
  valid-term <term>...     check discovery search terms
  members <guild-id>...    request every member of the guilds over the gateway
  purge <channel-id>...    delete messages from channels
  version                  print the version

Use "discordsync <command> --help" for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}

	cmd, rest := args[0], args[1:]
	flagSet := pflag.NewFlagSet("discordsync "+cmd, pflag.ContinueOnError)
	var settingsPath string
	flagSet.StringVar(&settingsPath, "settings", "", "settings file (default: platform config dir)")

	switch cmd {
	case "version":
		fmt.Println(app.Version)
		return nil
	case "run":
		if err := parse(flagSet, rest); err != nil {
			return err
		}
		return app.Run(context.Background(), settingsPath)
	case "categories":
		refresh := flagSet.Bool("refresh", false, "ignore cached categories")
		if err := parse(flagSet, rest); err != nil {
			return err
		}
		return withRuntime(settingsPath, func(ctx context.Context, rt *app.Runtime) error {
			get := rt.Client.Categories
			if *refresh {
				get = rt.Client.RefreshCategories
			}
			cats, err := get(ctx)
			if err != nil {
				return err
			}
			for _, c := range cats {
				fmt.Printf("%d\t%s\tprimary=%t\n", c.ID, c.Name.Default, c.IsPrimary)
			}
			return nil
		})
	case "valid-term":
		if err := parse(flagSet, rest); err != nil {
			return err
		}
		terms := flagSet.Args()
		if len(terms) == 0 {
			return errors.New("valid-term: at least one term is required")
		}
		return withRuntime(settingsPath, func(ctx context.Context, rt *app.Runtime) error {
			for _, term := range terms {
				ok, err := rt.Client.ValidTerm(ctx, term)
				if err != nil {
					return fmt.Errorf("valid-term %q: %w", term, err)
				}
				fmt.Printf("%s\t%t\n", term, ok)
			}
			return nil
		})
	case "members":
		if err := parse(flagSet, rest); err != nil {
			return err
		}
		guilds := flagSet.Args()
		if len(guilds) == 0 {
			return errors.New("members: at least one guild id is required")
		}
		return withRuntime(settingsPath, func(ctx context.Context, rt *app.Runtime) error {
			targets := make([]any, len(guilds))
			for i, g := range guilds {
				targets[i] = g
			}
			res, err := rt.Client.RequestAllMembers(ctx, targets...)
			if err != nil {
				return err
			}
			fmt.Printf("members=%d timed_out=%t\n", len(res.Items), res.TimedOut)
			return nil
		})
	case "purge":
		var opts discordsync.PurgeOptions
		var after, before time.Duration
		flagSet.IntVar(&opts.Limit, "limit", 0, "maximum messages deleted per channel (0 = no limit)")
		flagSet.DurationVar(&after, "newer-than", 0, "only delete messages newer than this age")
		flagSet.DurationVar(&before, "older-than", 0, "only delete messages older than this age")
		flagSet.BoolVar(&opts.OnlyMine, "only-mine", false, "only delete messages authored by the bot identities")
		flagSet.BoolVar(&opts.SingleOnly, "single", false, "never use bulk deletion")
		shard := flagSet.Bool("shard", false, "spread channels across every identity instead of queueing them")
		if err := parse(flagSet, rest); err != nil {
			return err
		}
		channels := flagSet.Args()
		if len(channels) == 0 {
			return errors.New("purge: at least one channel id is required")
		}
		now := time.Now()
		if after > 0 {
			opts.After = now.Add(-after)
		}
		if before > 0 {
			opts.Before = now.Add(-before)
		}
		return withRuntime(settingsPath, func(ctx context.Context, rt *app.Runtime) error {
			if *shard {
				return purgeSharded(ctx, rt, channels, opts)
			}
			return purge(ctx, rt, channels, opts)
		})
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parse(flagSet *pflag.FlagSet, args []string) error {
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		return err
	}
	return nil
}

func withRuntime(settingsPath string, fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx, stop := util.SignalContext(context.Background())
	defer stop()
	rt, err := app.Bootstrap(ctx, settingsPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// purge queues one job per channel so purges of the same channel never
// overlap, then waits for all of them.
func purge(ctx context.Context, rt *app.Runtime, channels []string, opts discordsync.PurgeOptions) error {
	var failed []string
	results := make(map[string]<-chan error, len(channels))
	for _, ch := range channels {
		done, err := app.SubmitPurge(ctx, rt.Router, app.PurgeJob{ChannelID: ch, Options: opts})
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", ch, err))
			continue
		}
		results[ch] = done
	}
	for ch, done := range results {
		select {
		case err := <-done:
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", ch, err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, ch := range channels {
		runs, err := rt.Client.PurgeHistory(ctx, ch, 1)
		if err == nil && len(runs) > 0 {
			r := runs[0]
			fmt.Printf("%s\tdeleted=%d failed=%d skipped=%d\n", ch, r.Deleted, r.Failed, r.Skipped)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("purge failed for %s", strings.Join(failed, "; "))
	}
	return nil
}

func purgeSharded(ctx context.Context, rt *app.Runtime, channels []string, opts discordsync.PurgeOptions) error {
	targets := make([]any, len(channels))
	for i, ch := range channels {
		targets[i] = ch
	}
	results, err := rt.Client.PurgeChannels(ctx, targets, opts)
	for _, r := range results {
		if r.ChannelID == "" {
			continue
		}
		fmt.Printf("%s\tuser=%s deleted=%d failed=%d skipped=%d\n", r.ChannelID, r.UserID, r.Stats.Deleted(), r.Stats.Failed, r.Stats.Skipped)
	}
	return err
}
