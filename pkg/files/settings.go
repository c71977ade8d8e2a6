// Package files holds the on-disk settings of discordsync.
package files

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/small-frappuccino/discordsync/pkg/util"
)

// Duration is a time.Duration stored in JSON as "90s", "10m" or a number of
// seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CacheSettings tunes the request caches.
type CacheSettings struct {
	CategoryTTL      Duration `json:"category_ttl"`
	TermTTL          Duration `json:"term_ttl"`
	MinSweepInterval Duration `json:"min_sweep_interval"`
	// CategoryRefresh schedules a background refresh of the category list.
	// Zero disables it.
	CategoryRefresh Duration `json:"category_refresh"`
}

// ChunkSettings tunes gateway chunk waiters.
type ChunkSettings struct {
	SingleTimeout Duration `json:"single_timeout"`
	IdleTimeout   Duration `json:"idle_timeout"`
}

// PurgeSettings tunes message purges.
type PurgeSettings struct {
	SafetyMargin Duration `json:"safety_margin"`
	Backlog      int      `json:"backlog"`
	SingleOnly   bool     `json:"single_only"`
}

// TaskSettings tunes the job router.
type TaskSettings struct {
	MaxAttempts    int      `json:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff"`
	MaxWorkers     int      `json:"max_workers"`
}

// LogSettings configures log output and rotation.
type LogSettings struct {
	Dir        string `json:"dir,omitempty"`
	Level      string `json:"level"`
	JSON       bool   `json:"json"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Settings is the whole settings file.
type Settings struct {
	// TokenEnv names the variable holding the primary bot token.
	TokenEnv string `json:"token_env"`
	// ExtraTokensEnv names a comma separated list of extra identity tokens.
	ExtraTokensEnv string `json:"extra_tokens_env"`
	// RequestRate paces each identity, in requests per second.
	RequestRate  float64 `json:"request_rate"`
	DatabasePath string  `json:"database_path,omitempty"`
	GuildCache   int     `json:"guild_cache"`
	MemberCache  int     `json:"member_cache"`

	Cache CacheSettings `json:"cache"`
	Chunk ChunkSettings `json:"chunk"`
	Purge PurgeSettings `json:"purge"`
	Task  TaskSettings  `json:"task"`
	Log   LogSettings   `json:"log"`
}

// Defaults returns the settings used for every field left unset.
func Defaults() Settings {
	return Settings{
		TokenEnv:       "DISCORDSYNC_TOKEN",
		ExtraTokensEnv: "DISCORDSYNC_EXTRA_TOKENS",
		RequestRate:    50,
		GuildCache:     1000,
		MemberCache:    100000,
		Cache: CacheSettings{
			CategoryTTL:      Duration(time.Hour),
			TermTTL:          Duration(time.Hour),
			MinSweepInterval: Duration(30 * time.Minute),
			CategoryRefresh:  Duration(6 * time.Hour),
		},
		Chunk: ChunkSettings{
			SingleTimeout: Duration(2500 * time.Millisecond),
			IdleTimeout:   Duration(2500 * time.Millisecond),
		},
		Purge: PurgeSettings{
			SafetyMargin: Duration(10 * time.Minute),
			Backlog:      200,
		},
		Task: TaskSettings{
			MaxAttempts:    3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			MaxWorkers:     4,
		},
		Log: LogSettings{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Settings, error) {
	s := Defaults()
	if err := util.NewJSONManager(path).Load(&s); err != nil {
		return Defaults(), fmt.Errorf("load settings %s: %w", path, err)
	}
	s.fillZero()
	return s, nil
}

// Save writes s to path.
func Save(path string, s Settings) error {
	if err := util.NewJSONManager(path).Save(s); err != nil {
		return fmt.Errorf("save settings %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from DISCORDSYNC_* variables.
func (s *Settings) ApplyEnv() {
	s.DatabasePath = util.EnvString("DISCORDSYNC_DB_PATH", s.DatabasePath)
	s.Log.Dir = util.EnvString("DISCORDSYNC_LOG_DIR", s.Log.Dir)
	s.Log.Level = util.EnvString("DISCORDSYNC_LOG_LEVEL", s.Log.Level)
	s.Cache.CategoryTTL = Duration(util.EnvDuration("DISCORDSYNC_CATEGORY_TTL", s.Cache.CategoryTTL.Std()))
	s.Cache.TermTTL = Duration(util.EnvDuration("DISCORDSYNC_TERM_TTL", s.Cache.TermTTL.Std()))
	s.Task.MaxWorkers = int(util.EnvInt64("DISCORDSYNC_MAX_WORKERS", int64(s.Task.MaxWorkers)))
	if util.EnvBool("DISCORDSYNC_LOG_JSON") {
		s.Log.JSON = true
	}
}

// DBPath returns the configured database path or the platform default.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return util.DefaultDBPath()
}

// LogDir returns the configured log directory or the platform default.
func (s Settings) LogDir() string {
	if s.Log.Dir != "" {
		return s.Log.Dir
	}
	return util.LogDir()
}

// ExtraTokens returns the extra identity tokens from the environment.
func (s Settings) ExtraTokens() []string {
	if s.ExtraTokensEnv == "" {
		return nil
	}
	return util.EnvList(s.ExtraTokensEnv)
}

// fillZero restores defaults for fields a partial file zeroed out.
func (s *Settings) fillZero() {
	def := Defaults()
	if s.TokenEnv == "" {
		s.TokenEnv = def.TokenEnv
	}
	if s.RequestRate <= 0 {
		s.RequestRate = def.RequestRate
	}
	if s.GuildCache <= 0 {
		s.GuildCache = def.GuildCache
	}
	if s.MemberCache <= 0 {
		s.MemberCache = def.MemberCache
	}
	if s.Chunk.SingleTimeout <= 0 {
		s.Chunk.SingleTimeout = def.Chunk.SingleTimeout
	}
	if s.Chunk.IdleTimeout <= 0 {
		s.Chunk.IdleTimeout = def.Chunk.IdleTimeout
	}
	if s.Purge.Backlog <= 0 {
		s.Purge.Backlog = def.Purge.Backlog
	}
	if s.Log.Level == "" {
		s.Log.Level = def.Log.Level
	}
}
