package process

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
)

// BrowserReadyMarker is the line prefix Chromium writes to stderr once its
// DevTools endpoint is up, which happens after the first window is created.
const BrowserReadyMarker = "DevTools listening on"

// TokenParam is the query parameter carrying the auth token to the page.
const TokenParam = "token"

// BrowserConfig holds configuration for the capture browser.
type BrowserConfig struct {
	// BinaryPath is the resolved path of the Chromium-family executable.
	BinaryPath string

	// Display is the X display to render into, e.g. ":99".
	Display string

	// PageURL is the page to render.
	PageURL string

	// Token is forwarded to the page as a query parameter. Never interpreted.
	Token string

	// Resolution sets the window size.
	Resolution Resolution

	// UserDataDir isolates the browser profile. Empty uses the browser default.
	UserDataDir string
}

// BrowserRunner implements Runner for the capture browser.
type BrowserRunner struct {
	config *BrowserConfig
}

// NewBrowserRunner creates a browser runner.
func NewBrowserRunner(cfg *BrowserConfig) *BrowserRunner {
	return &BrowserRunner{config: cfg}
}

// Name returns "browser".
func (r *BrowserRunner) Name() string {
	return RoleBrowser
}

// BuildCommand creates an exec.Cmd for the browser pointed at the page URL.
// DISPLAY is set in the child environment so it renders into the virtual
// display.
func (r *BrowserRunner) BuildCommand() (*exec.Cmd, error) {
	args, err := r.buildArgs()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(r.config.BinaryPath, args...)
	cmd.Env = append(os.Environ(), "DISPLAY="+r.config.Display)
	return cmd, nil
}

func (r *BrowserRunner) buildArgs() ([]string, error) {
	target, err := r.TargetURL()
	if err != nil {
		return nil, err
	}

	args := []string{
		// Nobody will ever interact with this instance.
		"--no-sandbox",
		"--disable-gpu",
		"--disable-dev-shm-usage",
		"--autoplay-policy=no-user-gesture-required",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-infobars",
		"--disable-translate",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
		"--kiosk",
		"--window-position=0,0",
		"--window-size=" + r.config.Resolution.WindowSize(),
		// Port 0 picks a free port; Chromium still prints BrowserReadyMarker.
		"--remote-debugging-port=0",
	}

	if r.config.UserDataDir != "" {
		args = append(args, "--user-data-dir="+r.config.UserDataDir)
	}

	args = append(args, target)
	return args, nil
}

// TargetURL returns the page URL with the auth token attached.
func (r *BrowserRunner) TargetURL() (string, error) {
	u, err := url.Parse(r.config.PageURL)
	if err != nil {
		return "", fmt.Errorf("page url: %w", err)
	}
	if r.config.Token != "" {
		q := u.Query()
		q.Set(TokenParam, r.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// CommandString returns the command that would be executed (for debugging).
func (r *BrowserRunner) CommandString() string {
	args, err := r.buildArgs()
	if err != nil {
		return fmt.Sprintf("# invalid browser config: %v", err)
	}
	return "DISPLAY=" + r.config.Display + " " + commandString(r.config.BinaryPath, args)
}
