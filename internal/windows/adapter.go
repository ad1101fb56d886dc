// Package windows turns the desktop's top-level windows into a producer of
// window items.
package windows

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// WindowInfo describes one top-level window.
type WindowInfo struct {
	Handle      string
	Title       string
	ProcessName string
	PID         int
}

// Adapter abstracts the window system.
type Adapter interface {
	Windows(ctx context.Context) ([]WindowInfo, error)
	SwitchTo(ctx context.Context, handle string) error
	Close(ctx context.Context, handle string) error
}

// ErrWindowNotFound is returned when the window system refused a handle.
var ErrWindowNotFound = errors.New("window not found")

// commandTimeout bounds one wmctrl invocation.
const commandTimeout = 2 * time.Second

// Runner executes an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Wmctrl drives an EWMH window manager through the wmctrl tool.
type Wmctrl struct {
	path     string
	run      Runner
	procName func(pid int) string
}

// NewWmctrl uses the wmctrl binary at path.
func NewWmctrl(path string) *Wmctrl {
	return &Wmctrl{path: path, run: execRunner, procName: procComm}
}

// Available reports whether the wmctrl binary can be found.
func (w *Wmctrl) Available() error {
	if _, err := exec.LookPath(w.path); err != nil {
		return fmt.Errorf("wmctrl unavailable: %w", err)
	}
	return nil
}

// Windows lists managed windows with `wmctrl -lp`. Sticky windows such as
// panels and docks are skipped.
func (w *Wmctrl) Windows(ctx context.Context) ([]WindowInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := w.run(ctx, w.path, "-l", "-p")
	if err != nil {
		return nil, fmt.Errorf("wmctrl -lp: %w", err)
	}

	var windows []WindowInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		info, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		if info.PID > 0 {
			info.ProcessName = w.procName(info.PID)
		}
		windows = append(windows, info)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read wmctrl output: %w", err)
	}
	return windows, nil
}

// SwitchTo raises and focuses handle, switching desktops if needed.
func (w *Wmctrl) SwitchTo(ctx context.Context, handle string) error {
	return w.act(ctx, "-a", handle)
}

// Close asks the window manager to close handle gracefully.
func (w *Wmctrl) Close(ctx context.Context, handle string) error {
	return w.act(ctx, "-c", handle)
}

func (w *Wmctrl) act(ctx context.Context, flag, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if _, err := w.run(ctx, w.path, "-i", flag, handle); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", ErrWindowNotFound, handle)
		}
		return fmt.Errorf("wmctrl %s %s: %w", flag, handle, err)
	}
	return nil
}

// parseLine reads one `wmctrl -lp` line:
//
//	0x03a00007  0 4242   host Title with spaces
func parseLine(line string) (WindowInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !strings.HasPrefix(fields[0], "0x") {
		return WindowInfo{}, false
	}
	if fields[1] == "-1" {
		return WindowInfo{}, false
	}
	pid, _ := strconv.Atoi(fields[2])

	// The title is everything after the host column, spacing preserved.
	rest := line
	for i := 0; i < 4; i++ {
		rest = strings.TrimLeft(rest, " \t")
		if idx := strings.IndexAny(rest, " \t"); idx >= 0 {
			rest = rest[idx:]
		} else {
			rest = ""
		}
	}
	return WindowInfo{
		Handle: fields[0],
		Title:  strings.TrimSpace(rest),
		PID:    pid,
	}, true
}

func procComm(pid int) string {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
