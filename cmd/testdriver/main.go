// Command testdriver is the minimal wiring entrypoint for the agent core.
// CLI/argument parsing is an external collaborator per spec §1 and is not
// implemented here; this binary only demonstrates how the core components
// are assembled and exposes the external surface spec §6 names: start(),
// setTerminalApp(win), and event emitter subscriptions.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/testdriverai/testdriver/internal/commander"
	"github.com/testdriverai/testdriver/internal/commands"
	"github.com/testdriverai/testdriver/internal/config"
	"github.com/testdriverai/testdriver/internal/events"
	"github.com/testdriverai/testdriver/internal/history"
	"github.com/testdriverai/testdriver/internal/logging"
	"github.com/testdriverai/testdriver/internal/loop"
	"github.com/testdriverai/testdriver/internal/reasoning"
	"github.com/testdriverai/testdriver/internal/sandbox"
	"github.com/testdriverai/testdriver/internal/script"
	"github.com/testdriverai/testdriver/internal/session"
)

// App bundles the wired core; it is the `start()`/event-subscription surface
// spec §6 describes the external CLI consuming. terminalApp mirrors the
// source's setTerminalApp(win) hook, which the overlay/terminal-focus
// collaborator (out of scope here) would otherwise use to refocus the
// user's terminal after a remote action.
type App struct {
	Agent       *loop.Agent
	Bus         *events.Bus
	Store       *script.Store
	Sandbox     *sandbox.Transport // nil unless TD_VM is set
	terminalApp string
}

// New wires config, logging, the event bus, and every core component
// together. Concrete implementations of the external collaborators
// (ports.Input, ports.ScreenCapture, ...) are not provided here; they are
// the injection points a real CLI binary would supply.
func New(registry *commands.Registry) *App {
	cfg := config.Load()
	log := logging.Logger()
	log.Info().Str("api_root", cfg.APIRoot).Msg("testdriver_configured")

	bus := events.New()
	httpClient := &http.Client{}
	reasoner := reasoning.New(cfg.APIRoot, 1, httpClient)

	store := script.NewStore()
	hist := history.New()
	sess := session.New()
	outputs := session.NewOutputs()

	if registry == nil {
		registry = &commands.Registry{}
	}
	registry.Outputs = outputs
	registry.Reasoning = reasoner

	var transport *sandbox.Transport
	if cfg.VM {
		// Each transport gets a fresh, process-unique nonce; its request
		// counter is never reset, so requestId values never collide across
		// reconnects within the same process.
		nonce := uuid.NewString()
		transport = sandbox.New(cfg.APIRoot, sandbox.DialectBroker, nonce, bus)
	}

	cmd := &commander.Commander{
		Registry:  registry,
		Bus:       bus,
		Outputs:   outputs,
		Reasoning: reasoner,
	}

	agent := loop.NewAgent(reasoner, cmd, hist, store, sess, bus, registry.Screen)

	return &App{Agent: agent, Bus: bus, Store: store, Sandbox: transport}
}

// SetTerminalApp records the host terminal window so the agent can restore
// focus to it after a remote action (spec §6: setTerminalApp(win)).
func (a *App) SetTerminalApp(win string) { a.terminalApp = win }

// On subscribes to a lifecycle/telemetry event (spec §6's "event emitter
// subscriptions").
func (a *App) On(name events.Name, handler events.Handler) events.Token {
	return a.Bus.On(name, handler)
}

// Start performs the session handshake and runs one exploratory loop over
// prompt, validating completion and saving the resulting script to
// savePath (both optional per caller).
func (a *App) Start(ctx context.Context, prompt string, validateAndLoop bool, savePath string) error {
	if err := a.Agent.Start(ctx); err != nil {
		return err
	}
	return a.Agent.ExploratoryLoop(ctx, prompt, validateAndLoop, savePath)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := New(nil)
	app.On(events.ErrorFatal, func(payload any) {
		logging.Logger().Error().Interface("error", payload).Msg("testdriver_fatal")
		os.Exit(1)
	})

	if len(os.Args) < 2 {
		logging.Logger().Error().Msg("testdriver_no_prompt_given")
		os.Exit(1)
	}
	if err := app.Start(ctx, os.Args[1], true, ""); err != nil {
		logging.Logger().Error().Err(err).Msg("testdriver_run_failed")
		os.Exit(1)
	}
}
