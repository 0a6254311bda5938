package commander

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testdriverai/testdriver/internal/commands"
	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/reasoning"
	"github.com/testdriverai/testdriver/internal/script"
	"github.com/testdriverai/testdriver/internal/session"
)

func newAssertCommander(t *testing.T, response string) *Commander {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/testdriver/assert", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"response": response}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	rc := reasoning.New(srv.URL, 1, srv.Client())
	out := session.NewOutputs()
	return &Commander{Registry: &commands.Registry{Reasoning: rc}, Outputs: out}
}

func TestCommander_SubstituteResolvesKnownOutput(t *testing.T) {
	out := session.NewOutputs()
	out.Set("greeting", "hello")
	c := &Commander{Outputs: out}
	require.Equal(t, "hello world", c.Substitute("${OUTPUT.greeting} world"))
}

func TestCommander_SubstituteLeavesUnknownTokenLiteral(t *testing.T) {
	c := &Commander{Outputs: session.NewOutputs()}
	require.Equal(t, "${OUTPUT.missing}", c.Substitute("${OUTPUT.missing}"))
}

func TestCommander_WaitDispatch(t *testing.T) {
	c := &Commander{Registry: &commands.Registry{}}
	_, err := c.Run(context.Background(), script.Command{Kind: script.KindWait, Timeout: 1}, 0)
	require.NoError(t, err)
}

func TestCommander_UnknownKindIsProtocolError(t *testing.T) {
	c := &Commander{Registry: &commands.Registry{}}
	_, err := c.Run(context.Background(), script.Command{Kind: "bogus"}, 0)
	require.Error(t, err)
	var pe *errs.ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestCommander_IfBranchesOnCondition(t *testing.T) {
	out := session.NewOutputs()
	out.Set("flag", "yes")
	c := &Commander{Registry: &commands.Registry{}, Outputs: out}
	cmd := script.Command{
		Kind:      script.KindIf,
		Condition: "${OUTPUT.flag}",
		Then:      []script.Command{{Kind: script.KindWait, Timeout: 1}},
		Else:      []script.Command{{Kind: script.KindWait, Timeout: 999999}},
	}
	_, err := c.Run(context.Background(), cmd, 0)
	require.NoError(t, err)
}

func TestCommander_RunEmbedMergesOutputs(t *testing.T) {
	out := session.NewOutputs()
	c := &Commander{
		Registry: &commands.Registry{Outputs: out},
		Outputs:  out,
		EmbedLoader: func(file string) ([]script.Step, error) {
			return []script.Step{{Commands: []script.Command{
				{Kind: script.KindExec, Language: "shell", Linux: "echo", Output: "x"},
			}}}, nil
		},
	}
	c.Registry.Shell = &stubShell{}
	_, err := c.Run(context.Background(), script.Command{Kind: script.KindRun, File: "sub.yaml"}, 0)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Get("x"))
}

func TestCommander_SyncAssertFailureReturnsBooleanNotError(t *testing.T) {
	c := newAssertCommander(t, "nope")
	cmd := script.Command{Kind: script.KindAssert, Expect: "a login form", Output: "passed"}
	out, err := c.Run(context.Background(), cmd, 0)
	require.NoError(t, err)
	require.Equal(t, "false", out)
	require.Equal(t, "false", c.Outputs.Get("passed"))
}

func TestCommander_AsyncAssertFailureIsFatalToStep(t *testing.T) {
	c := newAssertCommander(t, "nope")
	cmd := script.Command{Kind: script.KindAssert, Expect: "a login form", Async: true}
	_, err := c.Run(context.Background(), cmd, 0)
	require.Error(t, err)
}

func TestCommander_SyncAssertSuccessThreadsOutput(t *testing.T) {
	c := newAssertCommander(t, "The task passed")
	cmd := script.Command{Kind: script.KindAssert, Expect: "a login form", Output: "passed"}
	out, err := c.Run(context.Background(), cmd, 0)
	require.NoError(t, err)
	require.Equal(t, "true", out)
	require.Equal(t, "true", c.Outputs.Get("passed"))
}

type stubShell struct{}

func (s *stubShell) Run(ctx context.Context, command string) (string, int, error) {
	return "ok", 0, nil
}
