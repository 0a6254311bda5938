// Package script implements the versioned YAML test-script model (C1):
// load/dump of the persisted document, and the interpolation pass that
// must run on raw text before it is handed to the YAML decoder (I6).
package script

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Script is the top-level persisted document: version, then steps.
type Script struct {
	Version Version `yaml:"version"`
	Steps   []Step  `yaml:"steps"`
}

// Step is one human intent mapped to the concrete commands that satisfied it.
type Step struct {
	Prompt   string    `yaml:"prompt"`
	Commands []Command `yaml:"commands"`
}

// CommandKind is the closed set of primitive tags the registry understands.
// Unknown tags are rejected at decode time by Command.UnmarshalYAML (the
// parser wraps that error in a ParseError); a Command built in code with an
// unknown tag is rejected by the Commander with a ProtocolError.
type CommandKind string

const (
	KindType             CommandKind = "type"
	KindPressKeys        CommandKind = "press-keys"
	KindClick            CommandKind = "click"
	KindHover            CommandKind = "hover"
	KindScroll           CommandKind = "scroll"
	KindHoverText        CommandKind = "hover-text"
	KindHoverImage       CommandKind = "hover-image"
	KindMatchImage       CommandKind = "match-image"
	KindWait             CommandKind = "wait"
	KindWaitForText      CommandKind = "wait-for-text"
	KindWaitForImage     CommandKind = "wait-for-image"
	KindScrollUntilText  CommandKind = "scroll-until-text"
	KindScrollUntilImage CommandKind = "scroll-until-image"
	KindAssert           CommandKind = "assert"
	KindRemember         CommandKind = "remember"
	KindFocusApplication CommandKind = "focus-application"
	KindExec             CommandKind = "exec"
	KindRun              CommandKind = "run"
	KindIf               CommandKind = "if"
)

// knownKinds is the exhaustive set used by the decoder to reject unknown tags.
var knownKinds = map[CommandKind]bool{
	KindType: true, KindPressKeys: true, KindClick: true, KindHover: true,
	KindScroll: true, KindHoverText: true, KindHoverImage: true,
	KindMatchImage: true, KindWait: true, KindWaitForText: true,
	KindWaitForImage: true, KindScrollUntilText: true, KindScrollUntilImage: true,
	KindAssert: true, KindRemember: true, KindFocusApplication: true,
	KindExec: true, KindRun: true, KindIf: true,
}

// Command is a tagged-variant struct. Only the fields relevant to Kind are
// populated; the rest are zero. This mirrors the "tagged variants replace
// string-keyed dispatch" design note (spec §9): Kind is the tag, and the
// Command Registry switches on it exhaustively.
type Command struct {
	Kind CommandKind

	// Input
	Text  string // type
	Delay int    // type (ms)
	Keys  []string
	X, Y  int
	Action string // click.action, hover-text.action, hover-image.action, match-image.action
	Direction string // scroll / scroll-until-*
	Amount    int    // scroll
	Method    string // scroll.method, hover-text.method

	// Vision
	Description string // hover-text, hover-image, wait-for-image, scroll-until-image
	Path        string // match-image
	Invert      bool   // match-image

	// Synchronization
	Timeout     int // wait, wait-for-text, wait-for-image (ms)
	MaxDistance int // scroll-until-*

	// Semantic
	Expect string // assert
	Async  bool   // assert
	Value  string // remember
	Name   string // focus-application
	Language string // exec
	Mac      string // exec
	Windows  string // exec
	Linux    string // exec
	Output   string // exec
	Silent   bool   // exec

	// Structural
	File      string    // run
	Condition string    // if
	Then      []Command // if
	Else      []Command // if
}

// MarshalYAML renders the command using only the fields relevant to its
// Kind, with "command" first, preserving a deterministic per-kind key
// order on every Dump call (spec §4.1: "Dump preserves key order within a
// Command").
func (c Command) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, val interface{}) {
		var kn, vn yaml.Node
		_ = kn.Encode(key)
		_ = vn.Encode(val)
		node.Content = append(node.Content, &kn, &vn)
	}
	add("command", string(c.Kind))
	switch c.Kind {
	case KindType:
		add("text", c.Text)
		if c.Delay != 0 {
			add("delay", c.Delay)
		}
	case KindPressKeys:
		add("keys", c.Keys)
	case KindClick:
		add("x", c.X)
		add("y", c.Y)
		if c.Action != "" {
			add("action", c.Action)
		}
	case KindHover:
		add("x", c.X)
		add("y", c.Y)
	case KindScroll:
		add("direction", c.Direction)
		add("amount", c.Amount)
		if c.Method != "" {
			add("method", c.Method)
		}
	case KindHoverText:
		add("text", c.Text)
		if c.Description != "" {
			add("description", c.Description)
		}
		add("action", c.Action)
		if c.Method != "" {
			add("method", c.Method)
		}
	case KindHoverImage:
		add("description", c.Description)
		add("action", c.Action)
	case KindMatchImage:
		add("path", c.Path)
		add("action", c.Action)
		if c.Invert {
			add("invert", c.Invert)
		}
	case KindWait:
		add("timeout", c.Timeout)
	case KindWaitForText:
		add("text", c.Text)
		add("timeout", c.Timeout)
		if c.Method != "" {
			add("method", c.Method)
		}
	case KindWaitForImage:
		add("description", c.Description)
		add("timeout", c.Timeout)
	case KindScrollUntilText:
		add("text", c.Text)
		add("direction", c.Direction)
		if c.MaxDistance != 0 {
			add("max-distance", c.MaxDistance)
		}
	case KindScrollUntilImage:
		add("description", c.Description)
		add("direction", c.Direction)
		if c.MaxDistance != 0 {
			add("max-distance", c.MaxDistance)
		}
	case KindAssert:
		add("expect", c.Expect)
		if c.Async {
			add("async", c.Async)
		}
	case KindRemember:
		add("description", c.Description)
		add("value", c.Value)
	case KindFocusApplication:
		add("name", c.Name)
	case KindExec:
		add("language", c.Language)
		if c.Mac != "" {
			add("mac", c.Mac)
		}
		if c.Windows != "" {
			add("windows", c.Windows)
		}
		if c.Linux != "" {
			add("linux", c.Linux)
		}
		if c.Output != "" {
			add("output", c.Output)
		}
		if c.Silent {
			add("silent", c.Silent)
		}
	case KindRun:
		add("file", c.File)
	case KindIf:
		add("condition", c.Condition)
		if len(c.Then) > 0 {
			add("then", c.Then)
		}
		if len(c.Else) > 0 {
			add("else", c.Else)
		}
	}
	return node, nil
}

// UnmarshalYAML decodes a mapping node into the tagged Command variant,
// rejecting unknown "command" tags per spec §9 and missing required keys.
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("command: not a mapping: %w", err)
	}
	tagNode, ok := raw["command"]
	if !ok {
		return fmt.Errorf("command: missing required key %q", "command")
	}
	var tag string
	if err := tagNode.Decode(&tag); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	kind := CommandKind(tag)
	if !knownKinds[kind] {
		return fmt.Errorf("command: unknown command variant %q", tag)
	}
	c.Kind = kind

	str := func(key string) string {
		if n, ok := raw[key]; ok {
			var s string
			_ = n.Decode(&s)
			return s
		}
		return ""
	}
	integer := func(key string) int {
		if n, ok := raw[key]; ok {
			var i int
			_ = n.Decode(&i)
			return i
		}
		return 0
	}
	boolean := func(key string) bool {
		if n, ok := raw[key]; ok {
			var b bool
			_ = n.Decode(&b)
			return b
		}
		return false
	}
	strSlice := func(key string) []string {
		if n, ok := raw[key]; ok {
			var s []string
			_ = n.Decode(&s)
			return s
		}
		return nil
	}
	cmdSlice := func(key string) []Command {
		if n, ok := raw[key]; ok {
			var s []Command
			_ = n.Decode(&s)
			return s
		}
		return nil
	}

	switch kind {
	case KindType:
		c.Text, c.Delay = str("text"), integer("delay")
	case KindPressKeys:
		c.Keys = strSlice("keys")
		if len(c.Keys) == 0 {
			return fmt.Errorf("press-keys: missing required key %q", "keys")
		}
	case KindClick:
		c.X, c.Y, c.Action = integer("x"), integer("y"), str("action")
		if c.Action == "" {
			c.Action = "click"
		}
	case KindHover:
		c.X, c.Y = integer("x"), integer("y")
	case KindScroll:
		c.Direction, c.Amount, c.Method = str("direction"), integer("amount"), str("method")
		if c.Direction == "" {
			return fmt.Errorf("scroll: missing required key %q", "direction")
		}
	case KindHoverText:
		c.Text, c.Description, c.Action, c.Method = str("text"), str("description"), str("action"), str("method")
		if c.Text == "" {
			return fmt.Errorf("hover-text: missing required key %q", "text")
		}
	case KindHoverImage:
		c.Description, c.Action = str("description"), str("action")
		if c.Description == "" {
			return fmt.Errorf("hover-image: missing required key %q", "description")
		}
	case KindMatchImage:
		c.Path, c.Action, c.Invert = str("path"), str("action"), boolean("invert")
		if c.Path == "" {
			return fmt.Errorf("match-image: missing required key %q", "path")
		}
	case KindWait:
		c.Timeout = integer("timeout")
		if c.Timeout <= 0 {
			return fmt.Errorf("wait: missing or invalid %q", "timeout")
		}
	case KindWaitForText:
		c.Text, c.Timeout, c.Method = str("text"), integer("timeout"), str("method")
		if c.Text == "" {
			return fmt.Errorf("wait-for-text: missing required key %q", "text")
		}
	case KindWaitForImage:
		c.Description, c.Timeout = str("description"), integer("timeout")
		if c.Description == "" {
			return fmt.Errorf("wait-for-image: missing required key %q", "description")
		}
	case KindScrollUntilText:
		c.Text, c.Direction, c.MaxDistance = str("text"), str("direction"), integer("max-distance")
		if c.Text == "" {
			return fmt.Errorf("scroll-until-text: missing required key %q", "text")
		}
	case KindScrollUntilImage:
		c.Description, c.Direction, c.MaxDistance = str("description"), str("direction"), integer("max-distance")
	case KindAssert:
		c.Expect, c.Async = str("expect"), boolean("async")
		if c.Expect == "" {
			return fmt.Errorf("assert: missing required key %q", "expect")
		}
	case KindRemember:
		c.Description, c.Value = str("description"), str("value")
	case KindFocusApplication:
		c.Name = str("name")
		if c.Name == "" {
			return fmt.Errorf("focus-application: missing required key %q", "name")
		}
	case KindExec:
		c.Language, c.Mac, c.Windows, c.Linux, c.Output, c.Silent =
			str("language"), str("mac"), str("windows"), str("linux"), str("output"), boolean("silent")
		if c.Language == "" {
			return fmt.Errorf("exec: missing required key %q", "language")
		}
	case KindRun:
		c.File = str("file")
		if c.File == "" {
			return fmt.Errorf("run: missing required key %q", "file")
		}
	case KindIf:
		c.Condition = str("condition")
		c.Then = cmdSlice("then")
		c.Else = cmdSlice("else")
		if c.Condition == "" {
			return fmt.Errorf("if: missing required key %q", "condition")
		}
	}
	return nil
}
