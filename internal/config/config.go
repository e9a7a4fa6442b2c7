// Package config loads and validates pail's TOML configuration file
// (spec §6): the pail/database/opencode/telegram tables plus repeated
// source and output_channel entries. The loader follows the shape of
// the teacher's internal/infra/config package — a typed struct, an
// accumulated warnings slice for soft defaults, and a RWMutex-guarded
// singleton — generalized from flat .env values to a nested TOML
// document.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// SupportedVersion is the only accepted value for pail.version.
const SupportedVersion = 1

// Config is the fully parsed and validated configuration file.
type Config struct {
	Pail     PailSection
	Database DatabaseSection
	OpenCode OpenCodeSection
	Telegram TelegramSection
	Sources  []SourceConfig  `toml:"source"`
	Channels []ChannelConfig `toml:"output_channel"`

	// Location is derived from Pail.Timezone during Load.
	Location *time.Location `toml:"-"`
}

type PailSection struct {
	Version                 int    `toml:"version"`
	DataDir                  string `toml:"data_dir"`
	Retention                string `toml:"retention"`
	Timezone                 string `toml:"timezone"`
	LogLevel                 string `toml:"log_level"`
	MaxConcurrentGenerations int    `toml:"max_concurrent_generations"`
	Listen                   string `toml:"listen"`
	FeedToken                string `toml:"feed_token"`
}

type DatabaseSection struct {
	Path           string `toml:"path"`
	MaxConnections int    `toml:"max_connections"`
}

type OpenCodeSection struct {
	Binary         string   `toml:"binary"`
	ExtraArgs      []string `toml:"extra_args"`
	DefaultModel   string   `toml:"default_model"`
	MaxRetries     int      `toml:"max_retries"`
	Timeout        string   `toml:"timeout"`
	SystemPrompt   string   `toml:"system_prompt"`
}

type TelegramSection struct {
	APIID       int    `toml:"api_id"`
	APIHash     string `toml:"api_hash"`
	PhoneNumber string `toml:"phone_number"`
	SessionFile string `toml:"session_file"`
}

type SourceConfig struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`
	URL          string   `toml:"url"`
	PollInterval string   `toml:"poll_interval"`
	MaxItems     int64    `toml:"max_items"`
	Auth         *AuthCfg `toml:"auth"`
	Enabled      *bool    `toml:"enabled"`
	TGID         *int64   `toml:"tg_id"`
	TGUsername   string   `toml:"tg_username"`
	TGFolderName string   `toml:"tg_folder_name"`
	Exclude      []string `toml:"exclude"`
	Description  string   `toml:"description"`
}

type AuthCfg struct {
	Variant     string `toml:"variant"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	Token       string `toml:"token"`
	HeaderName  string `toml:"header_name"`
	HeaderValue string `toml:"header_value"`
}

type ChannelConfig struct {
	Name       string   `toml:"name"`
	Slug       string   `toml:"slug"`
	Schedule   string   `toml:"schedule"`
	Sources    []string `toml:"sources"`
	Prompt     string   `toml:"prompt"`
	Model      string   `toml:"model"`
	Language   string   `toml:"language"`
	Enabled    *bool    `toml:"enabled"`
	MarkTGRead bool     `toml:"mark_tg_read"`
}

// Load reads and validates path, returning the ready-to-use Config.
// Every rule in spec §6 "Validation rules" is fatal: the returned error
// aggregates every violation found (not just the first).
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config field(s): %s", strings.Join(keys, ", "))
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(msgs, "\n"))
	}

	loc, err := ParseLocation(cfg.Pail.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	cfg.Location = loc

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pail.LogLevel == "" {
		cfg.Pail.LogLevel = "info"
	}
	if cfg.Pail.MaxConcurrentGenerations <= 0 {
		cfg.Pail.MaxConcurrentGenerations = 1
	}
	if cfg.Pail.Retention == "" {
		cfg.Pail.Retention = "168h" // 7 days
	}
	if cfg.Pail.Timezone == "" {
		cfg.Pail.Timezone = "UTC"
	}
	if cfg.Database.MaxConnections <= 0 {
		cfg.Database.MaxConnections = 5
	}
	if cfg.OpenCode.MaxRetries < 0 {
		cfg.OpenCode.MaxRetries = 0
	}
	if cfg.OpenCode.Timeout == "" {
		cfg.OpenCode.Timeout = "5m"
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Enabled == nil {
			t := true
			cfg.Sources[i].Enabled = &t
		}
		if cfg.Sources[i].PollInterval == "" {
			cfg.Sources[i].PollInterval = "15m"
		}
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].Enabled == nil {
			t := true
			cfg.Channels[i].Enabled = &t
		}
	}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Validate checks every rule in spec §6 and returns every violation
// found, rather than stopping at the first.
func Validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Pail.Version != SupportedVersion {
		add("pail.version must be %d, got %d", SupportedVersion, cfg.Pail.Version)
	}
	if cfg.Pail.DataDir == "" {
		add("pail.data_dir is required")
	}
	if _, err := ParseDuration(cfg.Pail.Retention); err != nil {
		add("pail.retention: %v", err)
	}
	if _, err := ParseLocation(cfg.Pail.Timezone); err != nil {
		add("pail.timezone: %v", err)
	}
	if _, err := ParseDuration(cfg.OpenCode.Timeout); err != nil {
		add("opencode.timeout: %v", err)
	}

	names := make(map[string]bool, len(cfg.Sources))
	for i, s := range cfg.Sources {
		if s.Name == "" {
			add("source[%d]: name is required", i)
			continue
		}
		if names[s.Name] {
			add("source %q: duplicate name", s.Name)
		}
		names[s.Name] = true

		switch s.Type {
		case "web-feed":
			if s.URL == "" {
				add("source %q: url is required for web-feed sources", s.Name)
			}
			if s.Auth != nil {
				if err := validateAuth(s.Auth); err != nil {
					add("source %q: auth: %v", s.Name, err)
				}
			}
		case "chat-channel", "chat-group", "chat-folder":
			if s.TGID == nil && s.TGUsername == "" && s.TGFolderName == "" {
				add("source %q: chat sources need tg_id, tg_username, or tg_folder_name", s.Name)
			}
		default:
			add("source %q: unknown type %q", s.Name, s.Type)
		}

		if _, err := ParseDuration(s.PollInterval); err != nil {
			add("source %q: poll_interval: %v", s.Name, err)
		}
		if s.MaxItems > int64(1<<31-1) {
			add("source %q: max_items exceeds int32 range", s.Name)
		}
	}

	slugs := make(map[string]bool, len(cfg.Channels))
	for i, c := range cfg.Channels {
		if c.Name == "" {
			add("output_channel[%d]: name is required", i)
		}
		if !slugPattern.MatchString(c.Slug) {
			add("output_channel %q: slug %q must match [a-z0-9]+(-[a-z0-9]+)*", c.Name, c.Slug)
		} else if slugs[c.Slug] {
			add("output_channel %q: duplicate slug %q", c.Name, c.Slug)
		}
		slugs[c.Slug] = true

		if len(c.Sources) == 0 {
			add("output_channel %q: must reference at least one source", c.Name)
		}
		for _, ref := range c.Sources {
			if !names[ref] {
				add("output_channel %q: references unknown source %q", c.Name, ref)
			}
		}
		if c.Schedule != "" {
			if err := ValidateScheduleGrammar(c.Schedule); err != nil {
				add("output_channel %q: schedule: %v", c.Name, err)
			}
		}
	}

	return errs
}

func validateAuth(a *AuthCfg) error {
	switch a.Variant {
	case "basic":
		if a.Username == "" {
			return fmt.Errorf("basic auth requires username")
		}
	case "bearer":
		if a.Token == "" {
			return fmt.Errorf("bearer auth requires token")
		}
	case "custom-header":
		if a.HeaderName == "" {
			return fmt.Errorf("custom-header auth requires header_name")
		}
	default:
		return fmt.Errorf("unknown auth variant %q", a.Variant)
	}
	return nil
}

// ParseDuration parses a "human duration" per spec §6 — stdlib
// time.ParseDuration plus day/week suffixes the stdlib lacks.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	// Fall back to "<n>d" / "<n>w" forms.
	unit := s[len(s)-1]
	var mult time.Duration
	switch unit {
	case 'd':
		mult = 24 * time.Hour
	case 'w':
		mult = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n * float64(mult)), nil
}

// ParseLocation parses an IANA timezone name.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("empty timezone")
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		return nil, fmt.Errorf("invalid IANA timezone %q: %w", v, err)
	}
	return loc, nil
}

// ValidateScheduleGrammar checks only the syntactic shape of a schedule
// string at config-load time; cron expressions are not deeply validated
// here (spec §9 Open Questions — left to the scheduler's first tick
// check, by design).
func ValidateScheduleGrammar(s string) error {
	switch {
	case strings.HasPrefix(s, "at:"):
		times := strings.Split(strings.TrimPrefix(s, "at:"), ",")
		if len(times) == 0 || times[0] == "" {
			return fmt.Errorf("at: schedule needs at least one HH:MM time")
		}
		for _, t := range times {
			if !isHHMM(t) {
				return fmt.Errorf("at: invalid time %q", t)
			}
		}
		return nil
	case strings.HasPrefix(s, "weekly:"):
		parts := strings.SplitN(strings.TrimPrefix(s, "weekly:"), ",", 2)
		if len(parts) != 2 {
			return fmt.Errorf("weekly: schedule must be weekly:DAY,HH:MM")
		}
		if _, ok := weekdayFromName(parts[0]); !ok {
			return fmt.Errorf("weekly: unknown weekday %q", parts[0])
		}
		if !isHHMM(parts[1]) {
			return fmt.Errorf("weekly: invalid time %q", parts[1])
		}
		return nil
	case strings.HasPrefix(s, "cron:"):
		expr := strings.TrimPrefix(s, "cron:")
		if len(strings.Fields(expr)) != 5 {
			return fmt.Errorf("cron: expression must have exactly 5 fields")
		}
		return nil
	default:
		return fmt.Errorf("schedule %q matches neither at:, weekly:, nor cron:", s)
	}
}

func isHHMM(v string) bool {
	v = strings.TrimSpace(v)
	if len(v) != 5 || v[2] != ':' {
		return false
	}
	h, err := strconv.Atoi(v[:2])
	if err != nil || h < 0 || h > 23 {
		return false
	}
	m, err := strconv.Atoi(v[3:])
	if err != nil || m < 0 || m > 59 {
		return false
	}
	return true
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func weekdayFromName(s string) (time.Weekday, bool) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// DatabasePath resolves the sqlite file location: database.path if set,
// else "<data_dir>/pail.db".
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return c.Pail.DataDir + "/pail.db"
}

// EnsureDataDir creates the configured data directory if missing.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Pail.DataDir, 0o700)
}
