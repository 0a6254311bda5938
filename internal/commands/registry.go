// Package commands implements C5: the typed primitive operations dispatched
// by the Commander. Each primitive wraps an ports.Input/ports.ScreenCapture
// call (or a reasoning-service call for vision primitives) with the redraw
// barrier and the error taxonomy of spec §4.5/§7. Grounded on the teacher's
// pattern of small, single-purpose methods on a Registry-style struct that
// holds narrow collaborator interfaces rather than concrete SDK clients.
package commands

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/ports"
	"github.com/testdriverai/testdriver/internal/reasoning"
	"github.com/testdriverai/testdriver/internal/script"
	"github.com/testdriverai/testdriver/internal/session"
)

// pollInterval is the cadence wait-for-text and wait-for-image poll at.
// scroll-until-* does not sleep between checks; it re-checks right after
// each scroll tick.
const pollInterval = 2500 * time.Millisecond

// scrollIncrement is the fixed per-tick scroll distance (spec §4.5).
const (
	scrollIncrementKeyboard = 300
	scrollIncrementMouse    = 200
)

// Registry holds the collaborators every primitive needs. Any field may be
// nil in a test double that doesn't exercise that capability.
type Registry struct {
	Input     ports.Input
	Screen    ports.ScreenCapture
	JS        ports.JSRuntime
	Shell     ports.ShellRunner
	Redraw    ports.RedrawWatcher
	Reasoning *reasoning.Client
	Outputs   *session.Outputs

	// GOOS selects the exec{}/focus-application{} branch; defaults to
	// runtime.GOOS when empty so tests can force a branch deterministically.
	GOOS string
}

func (r *Registry) goos() string {
	if r.GOOS != "" {
		return r.GOOS
	}
	return runtime.GOOS
}

// withRedraw runs fn bracketed by the redraw barrier, if one is configured.
func (r *Registry) withRedraw(ctx context.Context, timeout time.Duration, fn func() error) error {
	if r.Redraw != nil {
		if err := r.Redraw.Start(ctx); err != nil {
			return &errs.TransportError{Op: "redraw start", Err: err}
		}
	}
	if err := fn(); err != nil {
		return err
	}
	if r.Redraw != nil {
		return r.Redraw.Wait(ctx, timeout)
	}
	return nil
}

const defaultRedrawTimeout = 5 * time.Second

// Click moves the cursor to (x,y) and performs the requested click action,
// bracketed by the redraw barrier (spec §4.5 "click").
func (r *Registry) Click(ctx context.Context, cmd script.Command) error {
	action := ports.ClickAction(cmd.Action)
	if action == "" {
		action = ports.ClickLeft
	}
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		p := ports.Point{X: cmd.X, Y: cmd.Y}
		if err := r.Input.MoveMouse(ctx, p); err != nil {
			return primitiveErr("click", err, true)
		}
		if action == ports.ClickHover {
			return nil
		}
		if err := r.Input.Click(ctx, p, action); err != nil {
			return primitiveErr("click", err, true)
		}
		return nil
	})
}

// Hover moves the cursor without clicking.
func (r *Registry) Hover(ctx context.Context, cmd script.Command) error {
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		if err := r.Input.MoveMouse(ctx, ports.Point{X: cmd.X, Y: cmd.Y}); err != nil {
			return primitiveErr("hover", err, true)
		}
		return nil
	})
}

// Type sends text, honoring an inter-key delay (spec §4.5: works around a
// known duplicated-char issue on native drivers when delay>0).
func (r *Registry) Type(ctx context.Context, cmd script.Command) error {
	delay := time.Duration(cmd.Delay) * time.Millisecond
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		if err := r.Input.TypeText(ctx, cmd.Text, delay); err != nil {
			return primitiveErr("type", err, true)
		}
		return nil
	})
}

// PressKeys taps a chord and releases any modifiers explicitly afterward
// (the release is the Input driver's responsibility; the registry only
// forwards the parsed chord).
func (r *Registry) PressKeys(ctx context.Context, cmd script.Command) error {
	if len(cmd.Keys) == 0 {
		return &errs.PrimitiveError{Command: "press-keys", Reason: "no keys given"}
	}
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		if err := r.Input.PressKeys(ctx, cmd.Keys); err != nil {
			return primitiveErr("press-keys", err, true)
		}
		return nil
	})
}

// Scroll scrolls by cmd.Amount in cmd.Direction via cmd.Method.
func (r *Registry) Scroll(ctx context.Context, cmd script.Command) error {
	method := cmd.Method
	if method == "" {
		method = "mouse"
	}
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		if err := r.Input.Scroll(ctx, cmd.Direction, cmd.Amount, method); err != nil {
			return primitiveErr("scroll", err, true)
		}
		return nil
	})
}

// Wait pauses for cmd.Timeout milliseconds.
func (r *Registry) Wait(ctx context.Context, cmd script.Command) error {
	if cmd.Timeout <= 0 {
		return &errs.PrimitiveError{Command: "wait", Reason: "timeout must be > 0"}
	}
	timer := time.NewTimer(time.Duration(cmd.Timeout) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FocusApplication brings name to the foreground, choosing the host-OS
// branch per spec §4.5.
func (r *Registry) FocusApplication(ctx context.Context, cmd script.Command) error {
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		if err := r.Input.FocusApplication(ctx, cmd.Name); err != nil {
			return &errs.PrimitiveError{Command: "focus-application", Reason: err.Error(), AttachScreenshot: true, Err: err}
		}
		return nil
	})
}

// Remember posts description/value to the reasoning service's server-side
// memory and returns a confirmation string, avoiding re-invocation loops
// (spec §4.5).
func (r *Registry) Remember(ctx context.Context, cmd script.Command) (string, error) {
	var out struct {
		Confirmation string `json:"confirmation"`
	}
	err := r.Reasoning.Call(ctx, "remember", map[string]any{
		"description": cmd.Description,
		"value":       cmd.Value,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Confirmation == "" {
		out.Confirmation = fmt.Sprintf("remembered %q", cmd.Description)
	}
	return out.Confirmation, nil
}

// Exec selects the host-OS script body and runs it; for shell it delegates
// to ShellRunner, for js it delegates to JSRuntime. A non-zero exit or JS
// error surfaces as ExecError-flavored PrimitiveError.
func (r *Registry) Exec(ctx context.Context, cmd script.Command) (string, error) {
	body := r.execBody(cmd)
	if body == "" {
		return "", &errs.PrimitiveError{Command: "exec", Reason: "no script body for os " + r.goos()}
	}

	var (
		out string
		err error
	)
	switch cmd.Language {
	case "js":
		if r.JS == nil {
			return "", &errs.PrimitiveError{Command: "exec", Reason: "no JS runtime configured"}
		}
		out, err = r.JS.Eval(ctx, body)
	default: // "shell" or unset
		if r.Shell == nil {
			return "", &errs.PrimitiveError{Command: "exec", Reason: "no shell runner configured"}
		}
		var code int
		out, code, err = r.Shell.Run(ctx, body)
		if err == nil && code != 0 {
			err = fmt.Errorf("exit code %d", code)
		}
	}
	if err != nil {
		return "", &errs.PrimitiveError{Command: "exec", Reason: err.Error(), Err: err}
	}
	if cmd.Output != "" && r.Outputs != nil {
		r.Outputs.Set(cmd.Output, out)
	}
	return out, nil
}

func (r *Registry) execBody(cmd script.Command) string {
	switch r.goos() {
	case "windows":
		return cmd.Windows
	case "darwin":
		return cmd.Mac
	default:
		return cmd.Linux
	}
}

func primitiveErr(command string, err error, attachScreenshot bool) error {
	return &errs.PrimitiveError{Command: command, Reason: err.Error(), AttachScreenshot: attachScreenshot, Err: err}
}
