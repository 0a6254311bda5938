// Package loop implements C8: the interactive reasoning loop that
// alternates reasoning-service calls with command execution, heals on
// primitive/protocol failures by feeding them back to the reasoning
// service, and bounds both error retries and completion-check recursion.
// Grounded on the teacher's top-level orchestration loop shape (a single
// driving goroutine recursing through request -> parse -> dispatch ->
// heal stages, each step logged and timed) adapted from LLM-turn-taking to
// TestDriver's screen-action turn-taking.
package loop

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/testdriverai/testdriver/internal/commander"
	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/events"
	"github.com/testdriverai/testdriver/internal/history"
	"github.com/testdriverai/testdriver/internal/parser"
	"github.com/testdriverai/testdriver/internal/ports"
	"github.com/testdriverai/testdriver/internal/reasoning"
	"github.com/testdriverai/testdriver/internal/script"
	"github.com/testdriverai/testdriver/internal/session"
)

// errorLimit and checkLimit are P7's bounds: the loop never executes more
// than errorLimit retries of the same error fingerprint, nor more than
// checkLimit completion checks.
const (
	errorLimit = 3
	checkLimit = 7
)

// maxHealDepth caps actOnMarkdown/haveAIResolveError mutual recursion
// independently of the fingerprint-based errorLimit, as a backstop against
// a reasoning service that never repeats the same error text twice.
const maxHealDepth = 32

// Agent owns one test run's state: the reasoning loop, the command
// dispatcher, the execution history, and the session. Non-goal per spec §1:
// no cross-test parallelism inside one agent process, enforced by mu
// guarding the whole ExploratoryLoop/Replay call.
type Agent struct {
	mu sync.Mutex

	Reasoning *reasoning.Client
	Commander *commander.Commander
	History   *history.History
	Store     *script.Store
	Session   *session.Session
	Bus       *events.Bus
	Screen    ports.ScreenCapture

	errorCounts map[string]int
	checkCount  int
}

// NewAgent wires the loop's collaborators.
func NewAgent(reasoner *reasoning.Client, cmd *commander.Commander, hist *history.History, store *script.Store, sess *session.Session, bus *events.Bus, screen ports.ScreenCapture) *Agent {
	return &Agent{
		Reasoning:   reasoner,
		Commander:   cmd,
		History:     hist,
		Store:       store,
		Session:     sess,
		Bus:         bus,
		Screen:      screen,
		errorCounts: map[string]int{},
	}
}

// Start performs the one-time session handshake: POSTs session/start and
// latches the returned id into Session (set-once, spec §3) and the
// reasoning client (threaded into every subsequent request).
func (a *Agent) Start(ctx context.Context) error {
	var out struct {
		Session string `json:"session"`
	}
	if err := a.Reasoning.Call(ctx, "session/start", map[string]any{}, &out); err != nil {
		return err
	}
	a.Session.Set(out.Session)
	a.Reasoning.SetSession(a.Session.ID())
	return nil
}

func (a *Agent) emit(name events.Name, payload any) {
	if a.Bus != nil {
		a.Bus.Emit(name, payload)
	}
}

func (a *Agent) screenshotB64(ctx context.Context) (string, error) {
	if a.Screen == nil {
		return "", nil
	}
	png, err := a.Screen.Capture(ctx)
	if err != nil {
		return "", &errs.TransportError{Op: "screen capture", Err: err}
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// screenContext reports the cursor position and focused window title, the
// remaining two fields spec §4.8 requires alongside {prompt/tasks, image(s)}
// on every input/check request.
func (a *Agent) screenContext(ctx context.Context) (mouse ports.Point, activeWindow string, err error) {
	if a.Screen == nil {
		return ports.Point{}, "", nil
	}
	mouse, err = a.Screen.MousePosition(ctx)
	if err != nil {
		return ports.Point{}, "", &errs.TransportError{Op: "mouse position", Err: err}
	}
	activeWindow, err = a.Screen.ActiveWindow(ctx)
	if err != nil {
		return ports.Point{}, "", &errs.TransportError{Op: "active window", Err: err}
	}
	return mouse, activeWindow, nil
}

// ExploratoryLoop drives one prompt to completion (spec §4.8).
//
//  1. pushStep(prompt); capture a "before" screenshot.
//  2. POST input with {prompt, mouse, activeWindow, image}; feed the
//     response markdown to actOnMarkdown.
//  3. If validateAndLoop, run the completion-check phase until it stops
//     returning more work or checkLimit is hit.
//  4. On success, dump history to the script store at path (if non-empty).
func (a *Agent) ExploratoryLoop(ctx context.Context, prompt string, validateAndLoop bool, savePath string) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.emit(events.TestStart, prompt)
	a.checkCount = 0
	a.errorCounts = map[string]int{}

	defer func() {
		if err != nil {
			a.emit(events.TestError, err.Error())
			a.emit(events.ErrorFatal, err.Error())
			a.emit(events.Exit, 1)
			return
		}
		a.emit(events.TestSuccess, prompt)
	}()

	a.History.PushStep(prompt)
	a.emit(events.StepStart, prompt)

	lastShot, serr := a.screenshotB64(ctx)
	if serr != nil {
		return serr
	}
	mouse, activeWindow, serr := a.screenContext(ctx)
	if serr != nil {
		return serr
	}

	var resp struct {
		Markdown string `json:"markdown"`
	}
	if err := a.Reasoning.Call(ctx, "input", map[string]any{
		"prompt":       prompt,
		"image":        lastShot,
		"mouse":        mouse,
		"activeWindow": activeWindow,
	}, &resp); err != nil {
		return err
	}

	if err := a.actOnMarkdown(ctx, resp.Markdown, 0); err != nil {
		a.emit(events.StepError, err.Error())
		return err
	}

	if validateAndLoop {
		if err := a.checkLoop(ctx, []string{prompt}, lastShot); err != nil {
			a.emit(events.StepError, err.Error())
			return err
		}
	}

	a.emit(events.StepSuccess, prompt)

	if savePath != "" {
		if err := a.Store.Save(savePath, a.History.Snapshot()); err != nil {
			return err
		}
	}
	return nil
}

// actOnMarkdown extracts fenced YAML codeblocks from content and runs every
// decoded command, healing on primitive/protocol failure (spec §4.8 step 3).
func (a *Agent) actOnMarkdown(ctx context.Context, content string, depth int) error {
	if depth > maxHealDepth {
		return &errs.LoopDetectedError{Reason: "max heal recursion depth exceeded"}
	}
	a.emit(events.LogMarkdownStart, nil)
	defer a.emit(events.LogMarkdownEnd, nil)

	blocks := parser.ExtractCodeblocks(content)
	if len(blocks) == 0 {
		return nil
	}

	for _, block := range blocks {
		cmds, perr := parser.GetCommands(block)
		if perr != nil {
			return a.haveAIResolveError(ctx, perr, block, depth, true)
		}
		for _, cmd := range cmds {
			if _, err := a.Commander.Run(ctx, cmd, depth); err != nil {
				return a.haveAIResolveError(ctx, err, block, depth, true)
			}
			a.History.AppendCommand(cmd)
			a.emit(events.HistoryAdd, cmd)
		}
	}
	return nil
}

// haveAIResolveError implements spec §4.8 step 4: pop the failed tail
// (unless told not to), tally the error by fingerprint, and either feed it
// back to the reasoning service's error endpoint or give up fatally once
// errorLimit is exceeded for this fingerprint.
func (a *Agent) haveAIResolveError(ctx context.Context, failure error, blockSource string, depth int, undo bool) error {
	if errs.Fatal(failure) {
		return failure
	}

	if undo {
		a.History.PopTail(false)
	}

	fp := fingerprint(failure)
	a.errorCounts[fp]++
	if a.errorCounts[fp] > errorLimit {
		return &errs.LoopDetectedError{Reason: fmt.Sprintf("error fingerprint %s retried more than %d times", fp, errorLimit)}
	}

	shot, serr := a.screenshotB64(ctx)
	if serr != nil {
		return serr
	}

	var resp struct {
		Markdown string `json:"markdown"`
	}
	if err := a.Reasoning.Call(ctx, "error", map[string]any{
		"description": failure.Error(),
		"markdown":    blockSource,
		"screenshot":  shot,
	}, &resp); err != nil {
		return err
	}
	return a.actOnMarkdown(ctx, resp.Markdown, depth+1)
}

// checkLoop implements spec §4.8 step 5: ask the reasoning service whether
// tasks are complete; if the response embeds more codeblocks, run them and
// check again, bounded by checkLimit.
func (a *Agent) checkLoop(ctx context.Context, tasks []string, lastShot string) error {
	for {
		nowShot, err := a.screenshotB64(ctx)
		if err != nil {
			return err
		}
		mouse, activeWindow, err := a.screenContext(ctx)
		if err != nil {
			return err
		}

		a.checkCount++
		if a.checkCount > checkLimit {
			return &errs.LoopDetectedError{Reason: fmt.Sprintf("exceeded check limit of %d", checkLimit)}
		}

		var resp struct {
			Markdown string `json:"markdown"`
		}
		if err := a.Reasoning.Call(ctx, "check", map[string]any{
			"tasks":        tasks,
			"images":       []string{lastShot, nowShot},
			"mouse":        mouse,
			"activeWindow": activeWindow,
		}, &resp); err != nil {
			return err
		}

		blocks := parser.ExtractCodeblocks(resp.Markdown)
		if len(blocks) == 0 {
			return nil
		}
		if err := a.actOnMarkdown(ctx, resp.Markdown, 0); err != nil {
			return err
		}
		lastShot = nowShot
	}
}

// Replay re-executes every Step's commands verbatim through the Commander
// without calling the reasoning service (SPEC_FULL.md §7's supplemented
// deterministic-replay entrypoint, presupposed by P1/P3).
func (a *Agent) Replay(ctx context.Context, scr *script.Script) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, step := range scr.Steps {
		a.History.PushStep(step.Prompt)
		a.emit(events.StepStart, step.Prompt)
		for _, cmd := range step.Commands {
			if _, err := a.Commander.Run(ctx, cmd, 0); err != nil {
				a.emit(events.StepError, err.Error())
				return err
			}
			a.History.AppendCommand(cmd)
		}
		a.emit(events.StepSuccess, step.Prompt)
	}
	return nil
}

// volatileSubstring strips request ids and ISO-ish timestamps from an error
// message before fingerprinting, so two occurrences of "the same error"
// that differ only in a timestamp or a correlation id still collapse to one
// fingerprint (SPEC_FULL.md §7).
var volatileSubstring = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T[0-9:.]+Z?|[0-9a-fA-F-]{8,}`)

// fingerprint implements SPEC_FULL.md §7's concrete definition of "error
// message fingerprint": sha256(kind + ":" + normalizedMessage).
func fingerprint(err error) string {
	kind := "generic"
	switch err.(type) {
	case *errs.TransportError:
		kind = "transport"
	case *errs.ServiceError:
		kind = "service"
	case *errs.ProtocolError:
		kind = "protocol"
	case *errs.PrimitiveError:
		kind = "primitive"
	}
	normalized := volatileSubstring.ReplaceAllString(err.Error(), "*")
	sum := sha256.Sum256([]byte(kind + ":" + normalized))
	return hex.EncodeToString(sum[:])
}

