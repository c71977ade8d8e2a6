package perf

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/small-frappuccino/discordsync/pkg/log"
	"github.com/small-frappuccino/discordsync/pkg/util"
)

const (
	envGatewayPerfThresholdMs     = "DISCORDSYNC_GATEWAY_PERF_THRESHOLD_MS"
	defaultGatewayPerfThresholdMs = int64(200)
)

var (
	gatewayThresholdOnce sync.Once
	gatewayThreshold     time.Duration
)

func gatewayPerfThreshold() time.Duration {
	gatewayThresholdOnce.Do(func() {
		ms := util.EnvInt64(envGatewayPerfThresholdMs, defaultGatewayPerfThresholdMs)
		if ms <= 0 {
			gatewayThreshold = 0
			return
		}
		gatewayThreshold = time.Duration(ms) * time.Millisecond
	})
	return gatewayThreshold
}

// StartGatewayEvent times a gateway handler and logs only when it is slow.
// Set DISCORDSYNC_GATEWAY_PERF_THRESHOLD_MS to 0 to disable.
func StartGatewayEvent(event string, attrs ...slog.Attr) func() {
	return startTimer(gatewayPerfThreshold(), "slow gateway event handler", event, attrs)
}

// StartRequest times a producer call (REST request, gateway round trip) and
// logs when it exceeds threshold. A non-positive threshold disables it.
func StartRequest(threshold time.Duration, name string, attrs ...slog.Attr) func() {
	return startTimer(threshold, "slow request", name, attrs)
}

func startTimer(threshold time.Duration, msg, event string, attrs []slog.Attr) func() {
	if threshold <= 0 {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		if duration < threshold {
			return
		}
		name := strings.TrimSpace(event)
		if name == "" {
			name = "unknown"
		}
		args := make([]any, 0, len(attrs)+3)
		args = append(args,
			slog.String("event", name),
			slog.Duration("duration", duration),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
		for _, attr := range attrs {
			args = append(args, attr)
		}
		log.DiscordLogger().Warn(msg, args...)
	}
}
