package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testdriverai/testdriver/internal/ports"
	"github.com/testdriverai/testdriver/internal/script"
	"github.com/testdriverai/testdriver/internal/session"
)

type fakeInput struct {
	moved    []ports.Point
	clicked  []ports.ClickAction
	typed    []string
	pressed  [][]string
	scrolled []string
	focused  []string
	failNext error
}

func (f *fakeInput) MoveMouse(ctx context.Context, p ports.Point) error {
	f.moved = append(f.moved, p)
	return f.takeErr()
}
func (f *fakeInput) Click(ctx context.Context, p ports.Point, action ports.ClickAction) error {
	f.clicked = append(f.clicked, action)
	return f.takeErr()
}
func (f *fakeInput) TypeText(ctx context.Context, text string, delay time.Duration) error {
	f.typed = append(f.typed, text)
	return f.takeErr()
}
func (f *fakeInput) PressKeys(ctx context.Context, keys []string) error {
	f.pressed = append(f.pressed, keys)
	return f.takeErr()
}
func (f *fakeInput) Scroll(ctx context.Context, direction string, amount int, method string) error {
	f.scrolled = append(f.scrolled, direction)
	return f.takeErr()
}
func (f *fakeInput) FocusApplication(ctx context.Context, name string) error {
	f.focused = append(f.focused, name)
	return f.takeErr()
}
func (f *fakeInput) takeErr() error {
	err := f.failNext
	f.failNext = nil
	return err
}

type fakeShell struct {
	out  string
	code int
	err  error
}

func (f *fakeShell) Run(ctx context.Context, command string) (string, int, error) {
	return f.out, f.code, f.err
}

func TestRegistry_Click(t *testing.T) {
	in := &fakeInput{}
	r := &Registry{Input: in}
	err := r.Click(context.Background(), script.Command{X: 5, Y: 7, Action: "click"})
	require.NoError(t, err)
	require.Equal(t, []ports.Point{{X: 5, Y: 7}}, in.moved)
	require.Equal(t, []ports.ClickAction{ports.ClickLeft}, in.clicked)
}

func TestRegistry_ClickHoverDoesNotClick(t *testing.T) {
	in := &fakeInput{}
	r := &Registry{Input: in}
	err := r.Click(context.Background(), script.Command{X: 1, Y: 1, Action: "hover"})
	require.NoError(t, err)
	require.Empty(t, in.clicked)
}

func TestRegistry_PressKeysRequiresKeys(t *testing.T) {
	r := &Registry{Input: &fakeInput{}}
	err := r.PressKeys(context.Background(), script.Command{})
	require.Error(t, err)
}

func TestRegistry_Wait(t *testing.T) {
	r := &Registry{}
	start := time.Now()
	err := r.Wait(context.Background(), script.Command{Timeout: 10})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRegistry_ExecShellSuccess(t *testing.T) {
	r := &Registry{Shell: &fakeShell{out: "hi", code: 0}, GOOS: "linux", Outputs: session.NewOutputs()}
	out, err := r.Exec(context.Background(), script.Command{Language: "shell", Linux: "echo hi", Output: "greeting"})
	require.NoError(t, err)
	require.Equal(t, "hi", out)
	require.Equal(t, "hi", r.Outputs.Get("greeting"))
}

func TestRegistry_ExecShellNonZeroExitIsError(t *testing.T) {
	r := &Registry{Shell: &fakeShell{out: "", code: 1}, GOOS: "linux"}
	_, err := r.Exec(context.Background(), script.Command{Language: "shell", Linux: "false"})
	require.Error(t, err)
}

func TestRegistry_FocusApplication(t *testing.T) {
	in := &fakeInput{}
	r := &Registry{Input: in}
	require.NoError(t, r.FocusApplication(context.Background(), script.Command{Name: "Chrome"}))
	require.Equal(t, []string{"Chrome"}, in.focused)
}
