// Package history implements C7: the append-only in-memory execution-history
// log that mirrors the on-disk script and is the authoritative record of
// what actually executed.
package history

import (
	"sync"

	"github.com/testdriverai/testdriver/internal/script"
)

// History is the append-only list of Steps actually executed this run.
type History struct {
	mu    sync.Mutex
	steps []script.Step
}

// New returns an empty History.
func New() *History { return &History{} }

// PushStep appends a new Step with the given prompt and no commands yet
// (I2: History length >= 1 once any prompt has been accepted).
func (h *History) PushStep(prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, script.Step{Prompt: prompt})
}

// AppendCommand grows the last Step's command list by one (P2: after each
// primitive success the last entry gains exactly one more Command).
func (h *History) AppendCommand(cmd script.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steps) == 0 {
		h.steps = append(h.steps, script.Step{})
	}
	last := len(h.steps) - 1
	h.steps[last].Commands = append(h.steps[last].Commands, cmd)
}

// PopTail drops the last command of the last step; if that step becomes
// empty, the step itself is dropped too. When full is true, the entire last
// step is dropped regardless of its command count. The error healer in
// internal/loop calls PopTail(false); nothing in this module calls
// PopTail(true).
func (h *History) PopTail(full bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steps) == 0 {
		return
	}
	last := len(h.steps) - 1
	if full {
		h.steps = h.steps[:last]
		return
	}
	cmds := h.steps[last].Commands
	if len(cmds) == 0 {
		h.steps = h.steps[:last]
		return
	}
	h.steps[last].Commands = cmds[:len(cmds)-1]
	if len(h.steps[last].Commands) == 0 {
		h.steps = h.steps[:last]
	}
}

// Len returns the number of steps currently recorded.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.steps)
}

// LastStepCommandCount returns len(commands) of the last step, or 0 if empty.
func (h *History) LastStepCommandCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steps) == 0 {
		return 0
	}
	return len(h.steps[len(h.steps)-1].Commands)
}

// Snapshot returns a defensive copy of the recorded steps, suitable for
// script.Store.Dump/Save.
func (h *History) Snapshot() []script.Step {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]script.Step, len(h.steps))
	for i, s := range h.steps {
		cmds := make([]script.Command, len(s.Commands))
		copy(cmds, s.Commands)
		out[i] = script.Step{Prompt: s.Prompt, Commands: cmds}
	}
	return out
}
