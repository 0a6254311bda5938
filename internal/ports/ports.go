// Package ports defines the narrow interfaces the core consumes for every
// capability that spec §1 calls an external collaborator: OS input, screen
// capture, the JS sandbox used by exec{language:js}, and the UI/analytics
// side-channels (overlay, speak, notify, analytics). The core never imports
// a concrete implementation of these; tests back them with small in-memory
// doubles. This mirrors the teacher's pattern of injecting narrow interfaces
// at every OS- or vendor-touching boundary instead of depending on a
// concrete SDK.
package ports

import (
	"context"
	"image"
	"time"
)

// Point is a screen coordinate.
type Point struct {
	X, Y int
}

// ClickAction is the click variant requested of an Input driver.
type ClickAction string

const (
	ClickLeft      ClickAction = "click"
	ClickRight     ClickAction = "right-click"
	ClickDouble    ClickAction = "double-click"
	ClickHover     ClickAction = "hover"
	ClickDragStart ClickAction = "drag-start"
	ClickDragEnd   ClickAction = "drag-end"
)

// Input is the OS-level mouse/keyboard primitive surface (spec §1's "OS
// input primitives" boundary). A local driver and a sandbox-backed driver
// (routed over internal/sandbox) both satisfy it.
type Input interface {
	MoveMouse(ctx context.Context, p Point) error
	Click(ctx context.Context, p Point, action ClickAction) error
	TypeText(ctx context.Context, text string, delay time.Duration) error
	PressKeys(ctx context.Context, keys []string) error
	Scroll(ctx context.Context, direction string, amount int, method string) error
	FocusApplication(ctx context.Context, name string) error
}

// ScreenCapture is spec §1's "screenshot capture primitives" boundary.
type ScreenCapture interface {
	// Capture returns a PNG-encoded screenshot of the current display.
	Capture(ctx context.Context) ([]byte, error)
	// ActiveWindow returns a human-readable title of the focused window.
	ActiveWindow(ctx context.Context) (string, error)
	// MousePosition returns the current cursor location.
	MousePosition(ctx context.Context) (Point, error)
}

// ImageDecoder abstracts image.Decode so match-image's caller can supply
// already-decoded fixtures in tests without touching disk.
type ImageDecoder interface {
	Decode(data []byte) (image.Image, error)
}

// JSRuntime is the isolated JS evaluation context required by
// exec{language:js} (spec §4.5, §9's "JS-eval primitive"). No JS VM
// dependency exists anywhere in the retrieval pack, so this stays a pure
// interface; nothing in this module implements it, not even a test double.
type JSRuntime interface {
	// Eval runs script with {require, console, fs, process, fetch} bound in
	// its global scope and returns the string coercion of `result`.
	Eval(ctx context.Context, script string) (string, error)
}

// ShellRunner executes a shell command for exec{language:shell}, either
// locally (host child-process facility) or remotely via the sandbox.
type ShellRunner interface {
	Run(ctx context.Context, command string) (stdout string, exitCode int, err error)
}

// Notifier is the desktop-notification side channel.
type Notifier interface {
	Notify(title, body string) error
}

// Speaker is the text-to-speech side channel.
type Speaker interface {
	Speak(text string) error
}

// Analytics is the telemetry sink.
type Analytics interface {
	Track(event string, props map[string]any)
}

// Overlay is the on-screen status overlay renderer.
type Overlay interface {
	SetStatus(text string)
	ShowMatches(matches []image.Rectangle)
}

// RedrawWatcher implements the redraw barrier of spec §4.5: Start marks the
// pre-action baseline, Wait blocks until either the screen has visibly
// changed and network activity has quieted, or timeout elapses.
type RedrawWatcher interface {
	Start(ctx context.Context) error
	Wait(ctx context.Context, timeout time.Duration) error
}
