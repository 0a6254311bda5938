package commands

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/ports"
	"github.com/testdriverai/testdriver/internal/script"
)

// assertPassToken is the substring the assert endpoint's response must
// contain for the assertion to be considered satisfied (spec §4.5).
const assertPassToken = "The task passed"

func (r *Registry) screenshotB64(ctx context.Context) (string, error) {
	if r.Screen == nil {
		return "", nil
	}
	png, err := r.Screen.Capture(ctx)
	if err != nil {
		return "", &errs.TransportError{Op: "screen capture", Err: err}
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

type locateResult struct {
	X     int  `json:"x"`
	Y     int  `json:"y"`
	Found bool `json:"found"`
}

// HoverText locates text on screen via the reasoning service and performs
// click(action) or hover at the returned coordinates (spec §4.5).
func (r *Registry) HoverText(ctx context.Context, cmd script.Command) error {
	img, err := r.screenshotB64(ctx)
	if err != nil {
		return err
	}
	var loc locateResult
	err = r.Reasoning.Call(ctx, "hover/text", map[string]any{
		"text":        cmd.Text,
		"description": cmd.Description,
		"method":      cmd.Method,
		"image":       img,
	}, &loc)
	if err != nil {
		return err
	}
	if !loc.Found {
		return &errs.PrimitiveError{Command: "hover-text", Reason: "text not found: " + cmd.Text, AttachScreenshot: true}
	}
	return r.clickOrHover(ctx, loc, cmd.Action)
}

// HoverImage locates an image description on screen via the reasoning
// service and performs click(action) or hover at the returned coordinates.
func (r *Registry) HoverImage(ctx context.Context, cmd script.Command) error {
	img, err := r.screenshotB64(ctx)
	if err != nil {
		return err
	}
	var loc locateResult
	err = r.Reasoning.Call(ctx, "hover/image", map[string]any{
		"description": cmd.Description,
		"image":       img,
	}, &loc)
	if err != nil {
		return err
	}
	if !loc.Found {
		return &errs.PrimitiveError{Command: "hover-image", Reason: "image not found: " + cmd.Description, AttachScreenshot: true}
	}
	return r.clickOrHover(ctx, loc, cmd.Action)
}

func (r *Registry) clickOrHover(ctx context.Context, loc locateResult, action string) error {
	p := ports.Point{X: loc.X, Y: loc.Y}
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		if err := r.Input.MoveMouse(ctx, p); err != nil {
			return primitiveErr("hover", err, true)
		}
		if action == "" || action == string(ports.ClickHover) {
			return nil
		}
		if err := r.Input.Click(ctx, p, ports.ClickAction(action)); err != nil {
			return primitiveErr("click", err, true)
		}
		return nil
	})
}

// MatchImage runs a local multi-scale, multi-threshold template match of
// path against the current screenshot (spec §4.5). invert flips the
// success predicate.
func (r *Registry) MatchImage(ctx context.Context, cmd script.Command, needle []byte) (bool, error) {
	if r.Screen == nil {
		return false, &errs.PrimitiveError{Command: "match-image", Reason: "no screen capture configured"}
	}
	png, err := r.Screen.Capture(ctx)
	if err != nil {
		return false, &errs.TransportError{Op: "screen capture", Err: err}
	}
	found, err := matchTemplate(png, needle)
	if err != nil {
		return false, &errs.PrimitiveError{Command: "match-image", Reason: err.Error(), Err: err}
	}
	if cmd.Invert {
		return !found, nil
	}
	return found, nil
}

// WaitForText polls at pollInterval until the reasoning service confirms
// text is on screen or timeout elapses.
func (r *Registry) WaitForText(ctx context.Context, cmd script.Command) error {
	deadline := time.Now().Add(time.Duration(cmd.Timeout) * time.Millisecond)
	for {
		img, err := r.screenshotB64(ctx)
		if err != nil {
			return err
		}
		var out struct {
			Found bool `json:"found"`
		}
		if err := r.Reasoning.Call(ctx, "assert/text", map[string]any{
			"text": cmd.Text, "method": cmd.Method, "image": img,
		}, &out); err != nil {
			return err
		}
		if out.Found {
			return nil
		}
		if time.Now().After(deadline) {
			return &errs.PrimitiveError{Command: "wait-for-text", Reason: "timed out waiting for text: " + cmd.Text, AttachScreenshot: true}
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// WaitForImage polls until match-image succeeds or timeout elapses.
func (r *Registry) WaitForImage(ctx context.Context, cmd script.Command, needle []byte) error {
	deadline := time.Now().Add(time.Duration(cmd.Timeout) * time.Millisecond)
	for {
		found, err := r.MatchImage(ctx, cmd, needle)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		if time.Now().After(deadline) {
			return &errs.PrimitiveError{Command: "wait-for-image", Reason: "timed out waiting for image: " + cmd.Description, AttachScreenshot: true}
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// ScrollUntilText scrolls by the fixed increment until the reasoning
// service confirms text is visible or maxDistance is traversed. Per the
// source's find-in-page shortcut note (spec §4.5), a Ctrl/Cmd+F chord is
// sent once before the first scroll tick.
func (r *Registry) ScrollUntilText(ctx context.Context, cmd script.Command) (traversed int, err error) {
	increment := scrollIncrementMouse
	if cmd.Method == "keyboard" {
		increment = scrollIncrementKeyboard
	}
	if err := r.sendFindInPage(ctx); err != nil {
		return 0, err
	}
	for traversed < cmd.MaxDistance {
		var out struct {
			Found bool `json:"found"`
		}
		img, serr := r.screenshotB64(ctx)
		if serr != nil {
			return traversed, serr
		}
		if err := r.Reasoning.Call(ctx, "assert/text", map[string]any{"text": cmd.Text, "image": img}, &out); err != nil {
			return traversed, err
		}
		if out.Found {
			return traversed, nil
		}
		if err := r.withRedraw(ctx, defaultRedrawTimeout, func() error {
			if err := r.Input.Scroll(ctx, cmd.Direction, increment, cmd.Method); err != nil {
				return primitiveErr("scroll-until-text", err, true)
			}
			return nil
		}); err != nil {
			return traversed, err
		}
		traversed += increment
	}
	return traversed, &errs.PrimitiveError{Command: "scroll-until-text", Reason: "max distance reached without finding: " + cmd.Text, AttachScreenshot: true}
}

// ScrollUntilImage scrolls until match-image succeeds or maxDistance is
// traversed. Unlike ScrollUntilText it never sends the find-in-page chord:
// per spec §9's design notes, triggering find-in-page for an image target
// is nonsensical and is explicitly omitted.
func (r *Registry) ScrollUntilImage(ctx context.Context, cmd script.Command, needle []byte) (traversed int, err error) {
	increment := scrollIncrementMouse
	if cmd.Method == "keyboard" {
		increment = scrollIncrementKeyboard
	}
	for traversed < cmd.MaxDistance {
		found, merr := r.MatchImage(ctx, cmd, needle)
		if merr != nil {
			return traversed, merr
		}
		if found {
			return traversed, nil
		}
		if err := r.withRedraw(ctx, defaultRedrawTimeout, func() error {
			if err := r.Input.Scroll(ctx, cmd.Direction, increment, cmd.Method); err != nil {
				return primitiveErr("scroll-until-image", err, true)
			}
			return nil
		}); err != nil {
			return traversed, err
		}
		traversed += increment
	}
	return traversed, &errs.PrimitiveError{Command: "scroll-until-image", Reason: "max distance reached without finding image", AttachScreenshot: true}
}

func (r *Registry) sendFindInPage(ctx context.Context) error {
	chord := []string{"ctrl", "f"}
	if r.goos() == "darwin" {
		chord = []string{"cmd", "f"}
	}
	return r.withRedraw(ctx, defaultRedrawTimeout, func() error {
		if err := r.Input.PressKeys(ctx, chord); err != nil {
			return primitiveErr("scroll-until-text", err, true)
		}
		return nil
	})
}

// Assert captures the screen, asks the reasoning service, and treats a
// response containing assertPassToken as success. async=true surfaces a
// failure as an error immediately; otherwise it returns a bool.
func (r *Registry) Assert(ctx context.Context, cmd script.Command) (bool, error) {
	img, err := r.screenshotB64(ctx)
	if err != nil {
		return false, err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := r.Reasoning.Call(ctx, "assert", map[string]any{
		"expect": cmd.Expect, "image": img,
	}, &out); err != nil {
		return false, err
	}
	passed := strings.Contains(out.Response, assertPassToken)
	if !passed && cmd.Async {
		return false, &errs.PrimitiveError{Command: "assert", Reason: "assertion failed: " + cmd.Expect, AttachScreenshot: true}
	}
	return passed, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
