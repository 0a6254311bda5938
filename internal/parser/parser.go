// Package parser extracts fenced YAML codeblocks from reasoning-service
// markdown responses and decodes them into script.Step/Command data (C2).
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/testdriverai/testdriver/internal/script"
	"gopkg.in/yaml.v3"
)

// ParseError indicates the markdown contained no usable Step or Commands
// after YAML decode (spec §4.2).
type ParseError struct{ Reason string }

func (e *ParseError) Error() string { return "parse: " + e.Reason }

var fencePattern = regexp.MustCompile("(?s)```\\s*(ya?ml)\\s*\\n(.*?)\\n```")

// ExtractCodeblocks returns the raw text of every ```yaml/```yml fenced
// block in markdown, in document order.
func ExtractCodeblocks(markdown string) []string {
	matches := fencePattern.FindAllStringSubmatch(markdown, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[2])
	}
	return out
}

// block is the permissive shape a codeblock may decode into: either a bare
// commands list, or one-or-more steps each carrying their own commands.
type block struct {
	Commands []script.Command `yaml:"commands"`
	Steps    []script.Step    `yaml:"steps"`
}

// GetCommands decodes a single codeblock's YAML text and returns its
// commands — either block.commands directly, or the flattened
// block.steps[*].commands. An empty result is a ParseError.
func GetCommands(blockYAML string) ([]script.Command, error) {
	trimmed := strings.TrimSpace(blockYAML)
	if trimmed == "" {
		return nil, &ParseError{Reason: "empty codeblock"}
	}

	var b block
	if err := yaml.Unmarshal([]byte(blockYAML), &b); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}

	var cmds []script.Command
	if len(b.Commands) > 0 {
		cmds = b.Commands
	} else {
		for _, s := range b.Steps {
			cmds = append(cmds, s.Commands...)
		}
	}
	if len(cmds) == 0 {
		return nil, &ParseError{Reason: "no commands or steps found in codeblock"}
	}
	return cmds, nil
}

// ParseMarkdown extracts every codeblock from markdown and decodes each into
// its command list, failing with a ParseError if no codeblock yields any
// commands.
func ParseMarkdown(markdown string) ([][]script.Command, error) {
	blocks := ExtractCodeblocks(markdown)
	if len(blocks) == 0 {
		return nil, &ParseError{Reason: "no yaml codeblocks found"}
	}
	var out [][]script.Command
	var lastErr error
	for _, b := range blocks {
		cmds, err := GetCommands(b)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, cmds)
	}
	if len(out) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &ParseError{Reason: "no commands decoded from any codeblock"}
	}
	return out, nil
}
