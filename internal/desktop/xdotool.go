package desktop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
)

const defaultWait = 2 * time.Second

var (
	pngMagic = []byte("\x89PNG\r\n\x1a\n")

	errNotPNG = errors.New("screenshot is not a PNG image")
)

// modifiers are held down for the whole key sequence.
var modifiers = map[string]string{
	"CTRL":    "ctrl",
	"CONTROL": "ctrl",
	"SHIFT":   "shift",
	"ALT":     "alt",
	"META":    "super",
	"CMD":     "super",
}

var keysyms = map[string]string{
	"ENTER":     "Return",
	"RETURN":    "Return",
	"SPACE":     "space",
	"TAB":       "Tab",
	"ESC":       "Escape",
	"ESCAPE":    "Escape",
	"BACKSPACE": "BackSpace",
	"DELETE":    "Delete",
	"UP":        "Up",
	"DOWN":      "Down",
	"LEFT":      "Left",
	"RIGHT":     "Right",
	"ARROWUP":   "Up",
	"ARROWDOWN": "Down",
	"ARROWLEFT": "Left",
	"HOME":      "Home",
	"END":       "End",
	"PAGEUP":    "Prior",
	"PAGEDOWN":  "Next",
}

var buttons = map[string]string{
	"left":   "1",
	"middle": "2",
	"wheel":  "2",
	"right":  "3",
}

// XdotoolExecutor drives the desktop with xdotool and ImageMagick over docker exec.
type XdotoolExecutor struct {
	runner       Runner
	display      string
	scrollClicks int
	browser      string
	logger       *slog.Logger
}

// XdotoolConfig configures an XdotoolExecutor.
type XdotoolConfig struct {
	Display      string
	ScrollClicks int
	Browser      string
}

// NewXdotoolExecutor creates an executor running commands through runner.
func NewXdotoolExecutor(runner Runner, cfg XdotoolConfig, logger *slog.Logger) *XdotoolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Display == "" {
		cfg.Display = ":99"
	}
	if cfg.ScrollClicks <= 0 {
		cfg.ScrollClicks = 3
	}
	if cfg.Browser == "" {
		cfg.Browser = "firefox-esr"
	}
	return &XdotoolExecutor{
		runner:       runner,
		display:      cfg.Display,
		scrollClicks: cfg.ScrollClicks,
		browser:      cfg.Browser,
		logger:       logger,
	}
}

// Execute runs one primitive action.
func (e *XdotoolExecutor) Execute(ctx context.Context, action domain.Action) (domain.Outcome, error) {
	if err := action.Validate(); err != nil {
		return domain.Outcome{}, &ExecutionError{Kind: KindInvalid, Action: action.Type, Err: err}
	}

	outcome := domain.Outcome{Action: action.Type}

	switch action.Type {
	case domain.ActionScreenshot:
		shot, err := e.Screenshot(ctx)
		if err != nil {
			return domain.Outcome{}, err
		}
		outcome.Screenshot = shot
		return outcome, nil

	case domain.ActionWait:
		d := defaultWait
		if action.Seconds > 0 {
			d = time.Duration(action.Seconds * float64(time.Second))
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return domain.Outcome{}, &ExecutionError{Kind: KindInput, Action: action.Type, Err: ctx.Err()}
		}
		outcome.Output = "waited " + d.String()
		return outcome, nil
	}

	cmd, err := e.command(action)
	if err != nil {
		return domain.Outcome{}, &ExecutionError{Kind: KindInvalid, Action: action.Type, Err: err}
	}

	e.logger.Debug("executing desktop action", "action", action.Type, "cmd", cmd[0])
	if _, err := e.run(ctx, cmd); err != nil {
		return domain.Outcome{}, &ExecutionError{Kind: KindInput, Action: action.Type, Err: err}
	}

	outcome.Output = action.Describe()
	return outcome, nil
}

// Screenshot captures the root window as PNG.
func (e *XdotoolExecutor) Screenshot(ctx context.Context) ([]byte, error) {
	out, err := e.run(ctx, []string{"import", "-window", "root", "png:-"})
	if err != nil {
		return nil, &ExecutionError{Kind: KindScreenshot, Action: domain.ActionScreenshot, Err: err}
	}
	if !bytes.HasPrefix(out, pngMagic) {
		return nil, &ExecutionError{Kind: KindScreenshot, Action: domain.ActionScreenshot, Err: errNotPNG}
	}
	return out, nil
}

func (e *XdotoolExecutor) run(ctx context.Context, cmd []string) ([]byte, error) {
	res, err := e.runner.Exec(ctx, cmd, []string{"DISPLAY=" + e.display})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s exited with code %d: %s", cmd[0], res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return res.Stdout, nil
}

// command builds the container command for an input action.
func (e *XdotoolExecutor) command(action domain.Action) ([]string, error) {
	switch action.Type {
	case domain.ActionClick:
		button := action.Button
		if button == "" {
			button = "left"
		}
		b, ok := buttons[button]
		if !ok {
			return nil, fmt.Errorf("unknown mouse button %q", button)
		}
		return []string{"xdotool", "mousemove", "--sync", strconv.Itoa(action.X), strconv.Itoa(action.Y), "click", b}, nil

	case domain.ActionScroll:
		cmd := []string{"xdotool", "mousemove", "--sync", strconv.Itoa(action.X), strconv.Itoa(action.Y)}
		cmd = append(cmd, e.scrollClick(action.ScrollY, "4", "5")...)
		cmd = append(cmd, e.scrollClick(action.ScrollX, "6", "7")...)
		return cmd, nil

	case domain.ActionKeypress:
		return keypressCommand(action.Keys), nil

	case domain.ActionTypeText:
		return []string{"xdotool", "type", "--clearmodifiers", "--", action.Text}, nil

	case domain.ActionGoto:
		script := fmt.Sprintf(`%s -new-tab "$1" >/dev/null 2>&1 &`, e.browser)
		return []string{"sh", "-c", script, "sh", action.URL}, nil
	}
	return nil, fmt.Errorf("no command for action %q", action.Type)
}

// scrollClick returns the xdotool click for a signed offset; negative scrolls
// towards the first button (up or left).
func (e *XdotoolExecutor) scrollClick(offset int, negative, positive string) []string {
	switch {
	case offset < 0:
		return []string{"click", "--repeat", strconv.Itoa(e.scrollClicks), negative}
	case offset > 0:
		return []string{"click", "--repeat", strconv.Itoa(e.scrollClicks), positive}
	}
	return nil
}

func keypressCommand(keys []string) []string {
	cmd := []string{"xdotool"}
	var held []string
	for _, k := range keys {
		upper := strings.ToUpper(k)
		if mod, ok := modifiers[upper]; ok {
			cmd = append(cmd, "keydown", mod)
			held = append(held, mod)
			continue
		}
		if sym, ok := keysyms[upper]; ok {
			cmd = append(cmd, "key", sym)
			continue
		}
		cmd = append(cmd, "key", strings.ToLower(k))
	}
	for i := len(held) - 1; i >= 0; i-- {
		cmd = append(cmd, "keyup", held[i])
	}
	return cmd
}
