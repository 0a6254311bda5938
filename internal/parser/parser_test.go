package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractCodeblocks(t *testing.T) {
	md := "some text\n```yaml\ncommands:\n  - command: wait\n    timeout: 100\n```\nmore text"
	blocks := ExtractCodeblocks(md)
	require.Len(t, blocks, 1)
	require.Contains(t, blocks[0], "command: wait")
}

func TestGetCommands_FromStepsShape(t *testing.T) {
	yamlText := "steps:\n  - prompt: p\n    commands:\n      - command: wait\n        timeout: 100\n"
	cmds, err := GetCommands(yamlText)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
}

func TestGetCommands_EmptyIsParseError(t *testing.T) {
	_, err := GetCommands("commands: []\n")
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestGetCommands_MissingKeyIsParseError(t *testing.T) {
	// Missing "keys" on press-keys triggers the per-command validation error,
	// which surfaces as an invalid-yaml ParseError per spec scenario #2.
	_, err := GetCommands("commands:\n  - command: press-keys\n")
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseMarkdown_NoCodeblocks(t *testing.T) {
	_, err := ParseMarkdown("just prose, no blocks")
	require.Error(t, err)
}
