package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
)

// LaunchOptions configures one Chrome process launch.
type LaunchOptions struct {
	// UserDataDir is the profile directory; a fresh temp dir is used if empty.
	UserDataDir string
	// Args are extra Chrome command-line flags appended after the defaults.
	Args []string
	// StartingURL is the page Chrome opens on launch; defaults to about:blank.
	StartingURL string
}

// runningChrome is a launched, CDP-reachable Chrome process. cmd.Wait is
// documented as safe to call only once, so it is owned by a single goroutine
// started alongside the process; everyone else waits on exited instead of
// calling cmd.Wait themselves.
type runningChrome struct {
	pid         int
	executable  *BrowserExecutable
	userDataDir string
	cdpPort     int
	startedAt   time.Time
	cmd         *exec.Cmd
	exited      chan struct{}
}

// isChromeReachable probes /json/version on cdpURL.
func isChromeReachable(ctx context.Context, cdpURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(cdpURL, "/")+"/json/version", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func chromeWebSocketURL(ctx context.Context, cdpURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(cdpURL, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in /json/version response")
	}
	return version.WebSocketDebuggerURL, nil
}

// launchChrome starts a Chrome process with remote debugging enabled on
// cdpPort and blocks until its inspector endpoint answers, retrying with
// backoff (spec 4.2: "must wait until Chrome's inspector endpoint answers
// /json/version before returning the instance").
func launchChrome(exe *BrowserExecutable, cdpPort int, headless, noSandbox bool, opts LaunchOptions) (*runningChrome, error) {
	userDataDir := opts.UserDataDir
	if userDataDir == "" {
		dir, err := os.MkdirTemp("", "cdp-relay-chrome-*")
		if err != nil {
			return nil, fmt.Errorf("create temp user-data-dir: %w", err)
		}
		userDataDir = dir
	} else if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create user-data-dir: %w", err)
	}

	startingURL := opts.StartingURL
	if startingURL == "" {
		startingURL = "about:blank"
	}
	args := buildChromeArgs(userDataDir, cdpPort, headless, noSandbox, startingURL)
	args = append(args, opts.Args...)

	cmd := exec.Command(exe.Path, args...)
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	running := &runningChrome{
		pid:         cmd.Process.Pid,
		executable:  exe,
		userDataDir: userDataDir,
		cdpPort:     cdpPort,
		startedAt:   time.Now(),
		cmd:         cmd,
		exited:      make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(running.exited)
	}()

	// Chrome's inspector socket is not yet bound right after Start(); the
	// teacher's own launcher uses a fixed settle delay before the first probe.
	time.Sleep(3 * time.Second)

	cdpURL := fmt.Sprintf("http://127.0.0.1:%d", cdpPort)
	probeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(probeCtx, 500*time.Millisecond)
			defer cancel()
			if isChromeReachable(ctx, cdpURL) {
				return nil
			}
			return fmt.Errorf("chrome inspector not yet reachable on port %d", cdpPort)
		},
		retry.Context(probeCtx),
		retry.Attempts(0),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(1*time.Second),
	)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("chrome CDP did not start on port %d: %w", cdpPort, err)
	}

	return running, nil
}

// stopChrome signals the process and waits on the single Wait-owning
// goroutine started in launchChrome; it never calls cmd.Wait itself.
func stopChrome(running *runningChrome, timeout time.Duration) error {
	if running.cmd == nil || running.cmd.Process == nil {
		return nil
	}
	_ = running.cmd.Process.Signal(os.Interrupt)

	select {
	case <-running.exited:
		return nil
	case <-time.After(timeout):
		return running.cmd.Process.Kill()
	}
}

func buildChromeArgs(userDataDir string, cdpPort int, headless, noSandbox bool, startingURL string) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", cdpPort),
		fmt.Sprintf("--user-data-dir=%s", userDataDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-session-crashed-bubble",
		"--password-store=basic",
		"--start-maximized",
		"--remote-allow-origins=*",
	}
	if headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	if noSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}
	args = append(args, startingURL)
	return args
}
