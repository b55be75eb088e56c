package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const osascriptTimeout = 30 * time.Second

// AppleScriptNotifier sends iMessages by invoking osascript with a helper
// script that takes the message and the recipient as arguments.
type AppleScriptNotifier struct {
	ScriptPath string
	Debug      bool

	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

func NewAppleScriptNotifier(scriptPath string, debug bool) *AppleScriptNotifier {
	return &AppleScriptNotifier{
		ScriptPath: scriptPath,
		Debug:      debug,
		runCommand: runOsascript,
	}
}

func (n *AppleScriptNotifier) Deliver(ctx context.Context, recipient, text string) error {
	runCtx, cancel := context.WithTimeout(ctx, osascriptTimeout)
	defer cancel()

	run := n.runCommand
	if run == nil {
		run = runOsascript
	}
	stdout, stderr, err := run(runCtx, "osascript", n.ScriptPath, text, recipient)
	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail != "" {
			return fmt.Errorf("osascript: %s: %w", detail, err)
		}
		return fmt.Errorf("osascript: %w", err)
	}
	if n.Debug {
		log.Printf("applescript: send ok: %s", strings.TrimSpace(string(stdout)))
	}
	return nil
}

func runOsascript(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Supported reports whether the AppleScript bridge can work on this host.
func Supported() bool {
	return runtime.GOOS == "darwin"
}

// LogNotifier logs deliveries instead of sending them. Used on hosts without
// the AppleScript bridge so the pipeline can run in dry-run form.
type LogNotifier struct{}

func (LogNotifier) Deliver(_ context.Context, recipient, text string) error {
	snippet := text
	if len(snippet) > 100 {
		snippet = snippet[:100] + "..."
	}
	log.Printf("dispatch (dry-run): to=%s text=%q", recipient, snippet)
	return nil
}
