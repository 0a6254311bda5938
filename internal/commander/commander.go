// Package commander implements C6: translating a single decoded
// script.Command into a Registry call, substituting ${OUTPUT.*} tokens,
// emitting the command lifecycle events, timing the call, and reporting the
// outcome to the reasoning service ("ran") and analytics. Grounded on the
// teacher's dispatch-table pattern (a switch over a closed tag set calling
// into narrowly-scoped handlers, each wrapped in the same timing/logging
// envelope) used throughout its internal/agent orchestration.
package commander

import (
	"context"
	"regexp"
	"time"

	"github.com/testdriverai/testdriver/internal/commands"
	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/events"
	"github.com/testdriverai/testdriver/internal/ports"
	"github.com/testdriverai/testdriver/internal/reasoning"
	"github.com/testdriverai/testdriver/internal/script"
	"github.com/testdriverai/testdriver/internal/session"
)

// outputToken matches ${OUTPUT.name} substitution references (spec §4.9).
var outputToken = regexp.MustCompile(`\$\{OUTPUT\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// Commander dispatches a Command to the Command Registry.
type Commander struct {
	Registry  *commands.Registry
	Bus       *events.Bus
	Outputs   *session.Outputs
	Reasoning *reasoning.Client
	Analytics ports.Analytics

	// ImageLoader resolves a command's Path field to raw image bytes for
	// match-image/wait-for-image/scroll-until-image; nil disables those
	// three variants (no image fixture source configured).
	ImageLoader func(path string) ([]byte, error)

	// EmbedLoader resolves a run{file} command's File field into the
	// embedded script's steps; nil disables the run{} structural command.
	EmbedLoader func(file string) ([]script.Step, error)
}

// Substitute rewrites every ${OUTPUT.name} occurrence in text using the
// Commander's Outputs map; unresolved tokens are left literal (spec §4.9).
func (c *Commander) Substitute(text string) string {
	if c.Outputs == nil {
		return text
	}
	return outputToken.ReplaceAllStringFunc(text, func(tok string) string {
		m := outputToken.FindStringSubmatch(tok)
		name := m[1]
		val := c.Outputs.Get(name)
		if val == "" {
			return tok
		}
		return val
	})
}

func (c *Commander) substituteCommand(cmd script.Command) script.Command {
	cmd.Text = c.Substitute(cmd.Text)
	cmd.Description = c.Substitute(cmd.Description)
	cmd.Value = c.Substitute(cmd.Value)
	cmd.Expect = c.Substitute(cmd.Expect)
	cmd.Name = c.Substitute(cmd.Name)
	cmd.Path = c.Substitute(cmd.Path)
	cmd.Action = c.Substitute(cmd.Action)
	cmd.Direction = c.Substitute(cmd.Direction)
	cmd.Method = c.Substitute(cmd.Method)
	cmd.Mac = c.Substitute(cmd.Mac)
	cmd.Windows = c.Substitute(cmd.Windows)
	cmd.Linux = c.Substitute(cmd.Linux)
	cmd.File = c.Substitute(cmd.File)
	if len(cmd.Keys) > 0 {
		keys := make([]string, len(cmd.Keys))
		for i, k := range cmd.Keys {
			keys[i] = c.Substitute(k)
		}
		cmd.Keys = keys
	}
	return cmd
}

// Run dispatches cmd, recursing into `run`/`if` structural variants.
// The returned string is non-empty only for commands that yield a textual
// result (remember, exec) or assert's "true"/"false" outcome — async assert
// bypasses this and throws directly on failure (spec §4.5).
func (c *Commander) Run(ctx context.Context, cmd script.Command, depth int) (string, error) {
	cmd = c.substituteCommand(cmd)
	c.emit(events.CommandStart, cmd)

	start := time.Now()
	out, err := c.dispatch(ctx, cmd, depth)
	elapsed := time.Since(start)

	if err != nil {
		c.emit(events.CommandError, map[string]any{"command": cmd.Kind, "error": err.Error()})
	} else {
		c.emit(events.CommandSuccess, map[string]any{"command": cmd.Kind, "elapsedMs": elapsed.Milliseconds()})
	}

	if c.Reasoning != nil {
		_ = c.Reasoning.Call(ctx, "ran", map[string]any{
			"command": cmd.Kind, "data": cmd, "elapsedMs": elapsed.Milliseconds(),
		}, nil)
	}
	if c.Analytics != nil {
		c.Analytics.Track("command_ran", map[string]any{"command": string(cmd.Kind), "elapsedMs": elapsed.Milliseconds()})
	}
	return out, err
}

func (c *Commander) dispatch(ctx context.Context, cmd script.Command, depth int) (string, error) {
	r := c.Registry
	switch cmd.Kind {
	case script.KindType:
		return "", r.Type(ctx, cmd)
	case script.KindPressKeys:
		return "", r.PressKeys(ctx, cmd)
	case script.KindClick:
		return "", r.Click(ctx, cmd)
	case script.KindHover:
		return "", r.Hover(ctx, cmd)
	case script.KindScroll:
		return "", r.Scroll(ctx, cmd)
	case script.KindHoverText:
		return "", r.HoverText(ctx, cmd)
	case script.KindHoverImage:
		return "", r.HoverImage(ctx, cmd)
	case script.KindMatchImage:
		needle, lerr := c.loadImage(cmd.Path)
		if lerr != nil {
			return "", lerr
		}
		found, err := r.MatchImage(ctx, cmd, needle)
		if err != nil {
			return "", err
		}
		if !found {
			return "", &errs.PrimitiveError{Command: "match-image", Reason: "no match for " + cmd.Path, AttachScreenshot: true}
		}
		return "", nil
	case script.KindWait:
		return "", r.Wait(ctx, cmd)
	case script.KindWaitForText:
		return "", r.WaitForText(ctx, cmd)
	case script.KindWaitForImage:
		needle, lerr := c.loadImage(cmd.Path)
		if lerr != nil {
			return "", lerr
		}
		return "", r.WaitForImage(ctx, cmd, needle)
	case script.KindScrollUntilText:
		_, err := r.ScrollUntilText(ctx, cmd)
		return "", err
	case script.KindScrollUntilImage:
		needle, lerr := c.loadImage(cmd.Path)
		if lerr != nil {
			return "", lerr
		}
		_, err := r.ScrollUntilImage(ctx, cmd, needle)
		return "", err
	case script.KindAssert:
		ok, err := r.Assert(ctx, cmd)
		if err != nil {
			return "", err
		}
		if !ok && cmd.Async {
			return "", &errs.PrimitiveError{Command: "assert", Reason: "assertion failed: " + cmd.Expect, AttachScreenshot: true}
		}
		result := "false"
		if ok {
			result = "true"
		}
		if cmd.Output != "" && c.Outputs != nil {
			c.Outputs.Set(cmd.Output, result)
		}
		return result, nil
	case script.KindRemember:
		return r.Remember(ctx, cmd)
	case script.KindFocusApplication:
		return "", r.FocusApplication(ctx, cmd)
	case script.KindExec:
		return r.Exec(ctx, cmd)
	case script.KindRun:
		return "", c.runEmbedded(ctx, cmd, depth)
	case script.KindIf:
		return "", c.runConditional(ctx, cmd, depth)
	default:
		return "", &errs.ProtocolError{Reason: "unknown command kind", Source: string(cmd.Kind)}
	}
}

func (c *Commander) loadImage(path string) ([]byte, error) {
	if c.ImageLoader == nil {
		return nil, &errs.PrimitiveError{Command: "match-image", Reason: "no image loader configured"}
	}
	data, err := c.ImageLoader(path)
	if err != nil {
		return nil, &errs.PrimitiveError{Command: "match-image", Reason: err.Error(), Err: err}
	}
	return data, nil
}

// runEmbedded dispatches every command of the embedded file's steps in
// order, folding the embedded run's outputs into the caller's Outputs
// (SPEC_FULL.md §7 run{file} output-merging).
func (c *Commander) runEmbedded(ctx context.Context, cmd script.Command, depth int) error {
	if c.EmbedLoader == nil {
		return &errs.PrimitiveError{Command: "run", Reason: "no embed loader configured"}
	}
	steps, err := c.EmbedLoader(cmd.File)
	if err != nil {
		return &errs.PrimitiveError{Command: "run", Reason: err.Error(), Err: err}
	}
	embeddedOutputs := session.NewOutputs()
	sub := &Commander{
		Registry: c.Registry, Bus: c.Bus, Outputs: embeddedOutputs,
		Reasoning: c.Reasoning, Analytics: c.Analytics, ImageLoader: c.ImageLoader, EmbedLoader: c.EmbedLoader,
	}
	for _, step := range steps {
		for _, sc := range step.Commands {
			if _, err := sub.Run(ctx, sc, depth+1); err != nil {
				return err
			}
		}
	}
	if c.Outputs != nil {
		c.Outputs.Merge(embeddedOutputs)
	}
	return nil
}

func (c *Commander) runConditional(ctx context.Context, cmd script.Command, depth int) error {
	branch := cmd.Else
	if c.evalCondition(cmd.Condition) {
		branch = cmd.Then
	}
	for _, sc := range branch {
		if _, err := c.Run(ctx, sc, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// evalCondition resolves ${OUTPUT.*} in the condition text and treats a
// result other than "", "false" or "0" as true. The condition grammar beyond
// substitution is not specified; this is the conservative reading.
func (c *Commander) evalCondition(condition string) bool {
	resolved := c.Substitute(condition)
	return resolved != "" && resolved != "false" && resolved != "0"
}

func (c *Commander) emit(name events.Name, payload any) {
	if c.Bus != nil {
		c.Bus.Emit(name, payload)
	}
}
