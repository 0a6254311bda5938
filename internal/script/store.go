package script

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store loads and dumps the persisted test script document (C1).
type Store struct{}

// NewStore returns a Script Store bound to the current agent version.
func NewStore() *Store { return &Store{} }

// Load reads path, applies the two-pass interpolation described in I6, and
// decodes the resulting YAML into a Script, enforcing the version gate
// (I5/P6) before returning.
func (s *Store) Load(path string, vars map[string]string, interpolationVars map[string]string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("script: file not found: %s: %w", path, err)
		}
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}

	text := Interpolate(string(raw), vars)
	text = Interpolate(text, interpolationVars)
	text = resolveEscapes(text)

	var doc Script
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("script: invalid yaml in %s: %w", path, err)
	}

	if err := CheckCompatible(doc.Version, Current); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Dump renders steps into a Script document with the current version and
// returns the serialized bytes (top-level: version then steps, per spec
// §4.1).
func (s *Store) Dump(steps []Step) ([]byte, error) {
	doc := Script{Version: Current, Steps: steps}
	return yaml.Marshal(doc)
}

// Save writes the dumped document to path.
func (s *Store) Save(path string, steps []Step) error {
	b, err := s.Dump(steps)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// escapeMarker replaces a protected "\${" so that it no longer contains the
// literal "$" byte varPattern looks for. Left unresolved by Interpolate
// itself — see resolveEscapes — so that an escaped token survives any
// number of further Interpolate calls with any vars map, not just the one
// that produced it.
const escapeMarker = "\x00ESCAPED_DOLLAR\x00"

// Interpolate implements I6: replace ${K} with vars[K] verbatim; leave
// ${K} untouched where K is not present in vars; protect \${K} from
// substitution.
//
// Interpolate does not itself decode a protected "\${K}" back to the
// literal "${K}" text — doing so here would reintroduce exactly the shape
// varPattern matches, so a later Interpolate call over the same vars (Load
// runs two: one per vars map) would substitute what was meant to stay
// literal. Instead the escape marker is left in the output, which contains
// no "$" byte and therefore cannot match varPattern on a subsequent call —
// this is what makes a second pass over Interpolate's own output a true
// no-op (P5). Load calls resolveEscapes once, after both interpolation
// passes, to perform the actual decode.
func Interpolate(text string, vars map[string]string) string {
	// Step 1: protect "\${K}" from substitution.
	protected := strings.ReplaceAll(text, `\${`, escapeMarker+"{")

	// Step 2: substitute ${K} where K is known; leave unknown ${K} as-is.
	return varPattern.ReplaceAllStringFunc(protected, func(match string) string {
		sub := varPattern.FindStringSubmatch(match)
		key := sub[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// resolveEscapes decodes every protected "\${K}" left by Interpolate into
// its final literal "${K}" form. Callers run this exactly once, after all
// interpolation passes are complete (I6), never between passes.
func resolveEscapes(text string) string {
	return strings.ReplaceAll(text, escapeMarker+"{", "${")
}

// ValidationError describes a script document with no content worth
// running (mirrors the Parser's ParseError for empty command sets, but
// scoped to the whole document). Load does not return it: a document with
// no steps loads without error.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "script: " + e.Reason }
