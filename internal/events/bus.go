// Package events implements C10: a decoupled publish/subscribe bus over the
// closed event set named in spec §4.10. Subscribers are tracked by opaque
// token in a flat routing table (spec §9: "Arena + index over cyclic emitter
// graphs") rather than holding direct references to each other, so the bus
// never needs to be torn down in a particular order.
package events

import "sync"

// Name is one of the closed set of event names the bus accepts.
type Name string

// The closed event set (spec §4.10, a representative sample of names).
const (
	MouseMove          Name = "mouseMove"
	MouseClick         Name = "mouseClick"
	ScreenCaptureStart Name = "screenCapture.start"
	ScreenCaptureEnd   Name = "screenCapture.end"
	ScreenCaptureError Name = "screenCapture.error"
	MatchesShow        Name = "matches.show"
	Interactive        Name = "interactive"
	ShowWindow         Name = "showWindow"
	TerminalStdout     Name = "terminal.stdout"
	TerminalStderr     Name = "terminal.stderr"
	TerminalStdin      Name = "terminal.stdin"
	SandboxSent        Name = "sandbox.sent"
	SandboxReceived    Name = "sandbox.received"
	SandboxAuthed      Name = "sandbox.authenticated"
	SandboxConnected   Name = "sandbox.connected"
	LogMarkdownStart   Name = "log.markdown.start"
	LogMarkdownChunk   Name = "log.markdown.chunk"
	LogMarkdownEnd     Name = "log.markdown.end"
	LogMarkdownStatic  Name = "log.markdown.static"
	TestStart          Name = "test.start"
	TestStop           Name = "test.stop"
	TestSuccess        Name = "test.success"
	TestError          Name = "test.error"
	StepStart          Name = "step.start"
	StepSuccess        Name = "step.success"
	StepError          Name = "step.error"
	CommandStart       Name = "command.start"
	CommandSuccess     Name = "command.success"
	CommandError       Name = "command.error"
	HistoryAdd         Name = "history.add"
	HistorySet         Name = "history.set"
	HistoryClear       Name = "history.clear"
	ErrorGeneral       Name = "error.general"
	ErrorFatal         Name = "error.fatal"
	ErrorSandbox       Name = "error.sandbox"
	Exit               Name = "exit"
)

// Handler receives an event's payload. Payload shape is event-specific
// (e.g. MouseClick carries {X,Y,Button,Action}); callers type-assert.
type Handler func(payload any)

// Token identifies a subscription for later unsubscription.
type Token uint64

// Bus is a flat, in-process publish/subscribe router. Emission is
// best-effort and unordered with respect to other events (spec §5).
type Bus struct {
	mu     sync.RWMutex
	next   Token
	byName map[Name]map[Token]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{byName: map[Name]map[Token]Handler{}}
}

// On subscribes h to events named n and returns a token for Off.
func (b *Bus) On(n Name, h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	tok := b.next
	if b.byName[n] == nil {
		b.byName[n] = map[Token]Handler{}
	}
	b.byName[n][tok] = h
	return tok
}

// Off removes the subscription identified by tok from event n.
func (b *Bus) Off(n Name, tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byName[n], tok)
}

// Emit calls every current subscriber of n with payload. Handlers run
// synchronously on the caller's goroutine in unspecified order; callers that
// need fan-out concurrency should do so inside their handler.
func (b *Bus) Emit(n Name, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byName[n]))
	for _, h := range b.byName[n] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}
