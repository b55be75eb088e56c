package config

import (
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DEEPIMSG_DB_PATH", "DATABASE_PATH",
		"DEEPIMSG_RECIPIENTS", "PHONE_NUMBERS",
		"DEEPIMSG_SCAN_INTERVAL_SECS", "SCAN_INTERVAL",
		"DEEPIMSG_MESSAGE_WINDOW_SECS", "MESSAGE_WINDOW",
		"DEEPIMSG_API_KEY", "DEEPSEEK_API_KEY",
		"DEEPIMSG_REPLY_TO_SENDER", "REPLY_TO_SENDER",
		"DEEPIMSG_REPLY_ENABLED", "USE_AI",
		"DEEPIMSG_REMINDERS", "DEEPIMSG_CHECK_PROBABILITY",
		"DEEPIMSG_DEBUG", "DEBUG",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	if cfg.Store.ScanIntervalSecs != 10 {
		t.Fatalf("scan interval = %d, want 10", cfg.Store.ScanIntervalSecs)
	}
	if cfg.Store.WindowSecs != 60 {
		t.Fatalf("window = %d, want 60", cfg.Store.WindowSecs)
	}
	if !strings.HasSuffix(cfg.Store.DBPath, "Library/Messages/chat.db") {
		t.Fatalf("db path = %q", cfg.Store.DBPath)
	}
	if len(cfg.Schedule.Reminders) != 4 {
		t.Fatalf("reminders = %d, want 4 defaults", len(cfg.Schedule.Reminders))
	}
	if !cfg.Dispatch.ReplyToSender {
		t.Fatalf("reply-to-sender should default on")
	}
	if cfg.Dispatch.ReplyEnabled {
		t.Fatalf("reply generation should default off")
	}
}

func TestLoadLegacyNames(t *testing.T) {
	clearEnv(t)
	t.Setenv("PHONE_NUMBERS", "+15550001, +15550002")
	t.Setenv("SCAN_INTERVAL", "30")
	t.Setenv("USE_AI", "true")
	t.Setenv("DEEPSEEK_API_KEY", "sk-test")

	cfg := Load()
	if len(cfg.Store.Conversations) != 2 {
		t.Fatalf("conversations = %v", cfg.Store.Conversations)
	}
	if cfg.Store.ScanIntervalSecs != 30 {
		t.Fatalf("scan interval = %d, want 30", cfg.Store.ScanIntervalSecs)
	}
	if !cfg.Dispatch.ReplyEnabled {
		t.Fatalf("USE_AI=true should enable replies")
	}
	if cfg.Gen.APIKey != "sk-test" {
		t.Fatalf("api key not picked up from legacy name")
	}
}

func TestNewNamesWinOverLegacy(t *testing.T) {
	clearEnv(t)
	t.Setenv("PHONE_NUMBERS", "+15550001")
	t.Setenv("DEEPIMSG_RECIPIENTS", "+15559999")

	cfg := Load()
	if len(cfg.Store.Conversations) != 1 || cfg.Store.Conversations[0] != "+15559999" {
		t.Fatalf("conversations = %v, want the DEEPIMSG_ value", cfg.Store.Conversations)
	}
}

func TestRemindersFromJSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPIMSG_REMINDERS", `[{"time":"08:30","prompt":"morning"},{"time":"bad","prompt":"x"},{"time":"21:00","prompt":""}]`)

	cfg := Load()
	if len(cfg.Schedule.Reminders) != 1 {
		t.Fatalf("reminders = %+v, want only the valid entry", cfg.Schedule.Reminders)
	}
	if cfg.Schedule.Reminders[0].Time != "08:30" {
		t.Fatalf("reminder time = %q", cfg.Schedule.Reminders[0].Time)
	}
}

func TestRemindersBadJSONFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPIMSG_REMINDERS", "{not json")
	cfg := Load()
	if len(cfg.Schedule.Reminders) != 4 {
		t.Fatalf("bad JSON should fall back to defaults, got %d", len(cfg.Schedule.Reminders))
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	problems := cfg.Validate()
	if len(problems) != 1 || !strings.Contains(problems[0], "recipients") {
		t.Fatalf("problems = %v, want missing recipients", problems)
	}

	t.Setenv("DEEPIMSG_RECIPIENTS", "+15550001")
	t.Setenv("DEEPIMSG_REPLY_ENABLED", "true")
	cfg = Load()
	problems = cfg.Validate()
	if len(problems) != 1 || !strings.Contains(problems[0], "API key") {
		t.Fatalf("problems = %v, want missing API key", problems)
	}

	t.Setenv("DEEPIMSG_API_KEY", "sk-x")
	cfg = Load()
	if problems := cfg.Validate(); len(problems) != 0 {
		t.Fatalf("problems = %v, want none", problems)
	}
}

func TestRedactedHidesKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPIMSG_API_KEY", "sk-secret-value")
	cfg := Load()
	out := string(cfg.RedactedJSON())
	if strings.Contains(out, "sk-secret-value") {
		t.Fatalf("redacted snapshot leaks the credential: %s", out)
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("redacted snapshot missing marker: %s", out)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	mins, err := ParseTimeOfDay("23:30")
	if err != nil || mins != 23*60+30 {
		t.Fatalf("ParseTimeOfDay = %d, %v", mins, err)
	}
	if _, err := ParseTimeOfDay("24:00"); err == nil {
		t.Fatalf("expected error for 24:00")
	}
	if _, err := ParseTimeOfDay("oops"); err == nil {
		t.Fatalf("expected error for garbage")
	}
}
