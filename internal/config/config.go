package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Store    StoreConfig
	Gen      GenConfig
	Schedule ScheduleConfig
	Dispatch DispatchConfig
	Status   StatusConfig
	Debug    bool
}

type StoreConfig struct {
	DBPath           string
	Conversations    []string
	ScanIntervalSecs int
	WindowSecs       int // coalescing window
	Watch            bool
}

type GenConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	SystemPrompt  string
	MaxTokens     int
	MaxRetries    int
	RatePerMinute int
}

type ScheduleConfig struct {
	Reminders []Reminder
	Check     CheckConfig
}

// Reminder is one fixed time-of-day trigger.
type Reminder struct {
	Time   string `json:"time"` // HH:MM, local time
	Prompt string `json:"prompt"`
}

// CheckConfig drives the probabilistic work-hours trigger.
type CheckConfig struct {
	StartHour    int
	EndHour      int
	IntervalMins int
	Probability  float64
	Prompt       string
}

type DispatchConfig struct {
	ScriptPath    string
	ReplyToSender bool
	ReplyEnabled  bool
	JournalPath   string // empty disables the outgoing journal
}

type StatusConfig struct {
	Addr string
}

const (
	defaultDBPath       = "~/Library/Messages/chat.db"
	defaultScriptPath   = "./SendMessage.scpt"
	defaultBaseURL      = "https://api.deepseek.com"
	defaultModel        = "deepseek-chat"
	defaultSystemPrompt = "请生成一条中文回复。"
	defaultCheckPrompt  = "请生成一条简短的关心问候，询问对方工作是否顺利。要求：用中文，自然随意，30字以内。"
	defaultScanSecs     = 10
	defaultWindowSecs   = 60
	defaultMaxTokens    = 1000
	defaultMaxRetries   = 3
	defaultCheckStart   = 9
	defaultCheckEnd     = 18
	defaultCheckMins    = 60
	defaultCheckProb    = 0.3
)

// DefaultReminders is the built-in reminder table; override with
// DEEPIMSG_REMINDERS (a JSON array of {time, prompt}).
var DefaultReminders = []Reminder{
	{Time: "09:00", Prompt: "请生成一条温馨的早餐提醒，并鼓励用户开始一天的学习和工作。要求：用中文，亲切自然，60字以内。"},
	{Time: "12:00", Prompt: "请生成一条午餐提醒，建议健康饮食并适当休息。要求：用中文，轻松幽默，50字左右。"},
	{Time: "18:00", Prompt: "请生成一条晚餐提醒，建议适量饮食并锻炼身体。要求：用中文，温暖关切，50字以内。"},
	{Time: "23:30", Prompt: "请生成一条睡前提醒，建议放下手机保证睡眠，用诗意的中文表达，40字以内。"},
}

// Load reads configuration from DEEPIMSG_* environment variables, honouring
// the legacy names used by earlier deployments where no new value is set.
func Load() Config {
	cfg := Config{}

	cfg.Store.DBPath = readString("DEEPIMSG_DB_PATH", "DATABASE_PATH", defaultDBPath)
	cfg.Store.DBPath = expandHome(cfg.Store.DBPath)
	cfg.Store.Conversations = splitList(readString("DEEPIMSG_RECIPIENTS", "PHONE_NUMBERS", ""))
	cfg.Store.ScanIntervalSecs = readInt("DEEPIMSG_SCAN_INTERVAL_SECS", "SCAN_INTERVAL", defaultScanSecs)
	cfg.Store.WindowSecs = readInt("DEEPIMSG_MESSAGE_WINDOW_SECS", "MESSAGE_WINDOW", defaultWindowSecs)
	cfg.Store.Watch = readBool("DEEPIMSG_DB_WATCH", "", true)

	cfg.Gen.APIKey = readString("DEEPIMSG_API_KEY", "DEEPSEEK_API_KEY", "")
	cfg.Gen.BaseURL = readString("DEEPIMSG_BASE_URL", "DEEPSEEK_BASE_URL", defaultBaseURL)
	cfg.Gen.Model = readString("DEEPIMSG_MODEL", "DEEPSEEK_MODEL", defaultModel)
	cfg.Gen.FallbackModel = readString("DEEPIMSG_FALLBACK_MODEL", "DEEPSEEK_FALLBACK_MODEL", "deepseek-reasoner")
	cfg.Gen.SystemPrompt = readString("DEEPIMSG_SYSTEM_PROMPT", "PROMPT", defaultSystemPrompt)
	cfg.Gen.MaxTokens = readInt("DEEPIMSG_MAX_TOKENS", "MAX_TOKENS", defaultMaxTokens)
	cfg.Gen.MaxRetries = readInt("DEEPIMSG_MAX_RETRIES", "", defaultMaxRetries)
	cfg.Gen.RatePerMinute = readInt("DEEPIMSG_GEN_RATE_PER_MIN", "", 0)

	cfg.Schedule.Reminders = loadReminders()
	cfg.Schedule.Check = CheckConfig{
		StartHour:    readInt("DEEPIMSG_CHECK_START_HOUR", "", defaultCheckStart),
		EndHour:      readInt("DEEPIMSG_CHECK_END_HOUR", "", defaultCheckEnd),
		IntervalMins: readInt("DEEPIMSG_CHECK_INTERVAL_MINS", "", defaultCheckMins),
		Probability:  readFloat("DEEPIMSG_CHECK_PROBABILITY", defaultCheckProb),
		Prompt:       readString("DEEPIMSG_CHECK_PROMPT", "", defaultCheckPrompt),
	}

	cfg.Dispatch.ScriptPath = readString("DEEPIMSG_APPLESCRIPT_PATH", "APPLESCRIPT_PATH", defaultScriptPath)
	cfg.Dispatch.ReplyToSender = readBool("DEEPIMSG_REPLY_TO_SENDER", "REPLY_TO_SENDER", true)
	cfg.Dispatch.ReplyEnabled = readBool("DEEPIMSG_REPLY_ENABLED", "USE_AI", false)
	cfg.Dispatch.JournalPath = expandHome(readString("DEEPIMSG_JOURNAL_PATH", "", ""))

	cfg.Status.Addr = readString("DEEPIMSG_STATUS_ADDR", "", "")
	cfg.Debug = readBool("DEEPIMSG_DEBUG", "DEBUG", false)

	return cfg
}

func loadReminders() []Reminder {
	raw := strings.TrimSpace(os.Getenv("DEEPIMSG_REMINDERS"))
	if raw == "" {
		return append([]Reminder(nil), DefaultReminders...)
	}
	var out []Reminder
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return append([]Reminder(nil), DefaultReminders...)
	}
	kept := out[:0]
	for _, r := range out {
		if _, err := ParseTimeOfDay(r.Time); err != nil {
			continue
		}
		if strings.TrimSpace(r.Prompt) == "" {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// ParseTimeOfDay validates an HH:MM string and returns it as minutes since
// midnight.
func ParseTimeOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c Config) ScanInterval() time.Duration {
	if c.Store.ScanIntervalSecs <= 0 {
		return defaultScanSecs * time.Second
	}
	return time.Duration(c.Store.ScanIntervalSecs) * time.Second
}

func (c Config) CoalesceWindow() time.Duration {
	if c.Store.WindowSecs <= 0 {
		return defaultWindowSecs * time.Second
	}
	return time.Duration(c.Store.WindowSecs) * time.Second
}

func (c Config) CheckInterval() time.Duration {
	mins := c.Schedule.Check.IntervalMins
	if mins <= 0 {
		mins = defaultCheckMins
	}
	return time.Duration(mins) * time.Minute
}

// Validate reports the fatal misconfigurations that keep the process from
// entering the main loop.
func (c Config) Validate() []string {
	var problems []string
	if len(c.Store.Conversations) == 0 {
		problems = append(problems, "no recipients configured (set DEEPIMSG_RECIPIENTS)")
	}
	if c.Dispatch.ReplyEnabled && strings.TrimSpace(c.Gen.APIKey) == "" {
		problems = append(problems, "replies enabled but no API key configured (set DEEPIMSG_API_KEY)")
	}
	if c.Schedule.Check.StartHour < 0 || c.Schedule.Check.EndHour > 24 || c.Schedule.Check.StartHour >= c.Schedule.Check.EndHour {
		problems = append(problems, "invalid check hour window")
	}
	return problems
}

// Redacted returns a loggable snapshot with the credential masked.
func (c Config) Redacted() map[string]any {
	reminders := make([]string, 0, len(c.Schedule.Reminders))
	for _, r := range c.Schedule.Reminders {
		reminders = append(reminders, r.Time)
	}
	return map[string]any{
		"store": map[string]any{
			"db_path":       c.Store.DBPath,
			"conversations": len(c.Store.Conversations),
			"scan_secs":     c.Store.ScanIntervalSecs,
			"window_secs":   c.Store.WindowSecs,
			"watch":         c.Store.Watch,
		},
		"gen": map[string]any{
			"base_url":       c.Gen.BaseURL,
			"model":          c.Gen.Model,
			"fallback_model": c.Gen.FallbackModel,
			"api_key":        redactString(c.Gen.APIKey),
			"max_tokens":     c.Gen.MaxTokens,
			"max_retries":    c.Gen.MaxRetries,
			"rate_per_min":   c.Gen.RatePerMinute,
		},
		"schedule": map[string]any{
			"reminders":          reminders,
			"check_hours":        strconv.Itoa(c.Schedule.Check.StartHour) + "-" + strconv.Itoa(c.Schedule.Check.EndHour),
			"check_interval_min": c.Schedule.Check.IntervalMins,
			"check_probability":  c.Schedule.Check.Probability,
		},
		"dispatch": map[string]any{
			"script":          c.Dispatch.ScriptPath,
			"reply_to_sender": c.Dispatch.ReplyToSender,
			"reply_enabled":   c.Dispatch.ReplyEnabled,
			"journal":         c.Dispatch.JournalPath,
		},
		"status_addr": c.Status.Addr,
		"debug":       c.Debug,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.Marshal(c.Redacted())
	return data
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func readString(name, legacy, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	if legacy != "" {
		if v := strings.TrimSpace(os.Getenv(legacy)); v != "" {
			return v
		}
	}
	return def
}

func readInt(name, legacy string, def int) int {
	raw := readString(name, legacy, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}

func readBool(name, legacy string, def bool) bool {
	raw := readString(name, legacy, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return def
	}
	return v
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
