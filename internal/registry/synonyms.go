package registry

import (
	"sort"
	"strings"
)

// SynonymTable maps surface nouns ("beam", "top chord") to the element types
// they may denote, in lookup order. Resolution rule 3 tries each mapped type
// and takes the first that yields elements, so a surface never crosses into
// unrelated types.
type SynonymTable map[string][]string

// DefaultSynonyms covers the truss and timber-frame vocabulary of the design
// backend.
func DefaultSynonyms() SynonymTable {
	return SynonymTable{
		"beam":         {"beam", "timber_beam", "glulam_beam"},
		"timber beam":  {"timber_beam"},
		"glulam beam":  {"glulam_beam"},
		"chord":        {"top_chord", "bottom_chord"},
		"top chord":    {"top_chord"},
		"bottom chord": {"bottom_chord"},
		"post":         {"king_post", "queen_post", "post"},
		"king post":    {"king_post"},
		"queen post":   {"queen_post"},
		"brace":        {"brace", "diagonal_brace"},
		"strut":        {"strut"},
		"rafter":       {"rafter"},
		"joist":        {"joist"},
		"purlin":       {"purlin"},
		"plate":        {"wall_plate", "connection_plate"},
		"truss":        {"truss"},
		"panel":        {"panel"},
		"tie":          {"tie_beam"},
		"web":          {"web_member"},
	}
}

// Types returns the set of element types the table maps to. The history
// tracker uses it to recognize "type N" references in observations.
func (t SynonymTable) Types() map[string]struct{} {
	out := make(map[string]struct{})
	for _, types := range t {
		for _, typ := range types {
			out[typ] = struct{}{}
		}
	}
	return out
}

// surfacesByLength returns the surface nouns longest-first so "top chord"
// wins over "chord" when both appear in an utterance.
func (t SynonymTable) surfacesByLength() []string {
	surfaces := make([]string, 0, len(t))
	for s := range t {
		surfaces = append(surfaces, s)
	}
	sort.Slice(surfaces, func(i, j int) bool {
		if len(surfaces[i]) != len(surfaces[j]) {
			return len(surfaces[i]) > len(surfaces[j])
		}
		return surfaces[i] < surfaces[j]
	})
	return surfaces
}

// ─── Keyword vocabulary ──────────────────────────────────────────────────────

// recencyPronouns are whole utterances that mean "the most recent element".
var recencyPronouns = map[string]struct{}{
	"it":               {},
	"that":             {},
	"this":             {},
	"that one":         {},
	"the last one":     {},
	"last one":         {},
	"what i just made": {},
	"the latest":       {},
	"latest":           {},
	"last element":     {},
}

var quantifierWords = []string{"all", "every", "everything"}

var (
	positionalKeywords = []string{"left", "right", "top", "bottom", "center", "middle"}
	materialKeywords   = []string{"timber", "wood", "wooden", "oak", "pine", "spruce", "glulam", "lvl", "steel"}
	sizeLargeKeywords  = []string{"large", "big", "long"}
	sizeSmallKeywords  = []string{"small", "short"}
	functionKeywords   = []string{"load bearing", "loadbearing", "support", "supporting", "bracing", "tension", "compression"}
	statusKeywords     = []string{"draft", "final", "approved", "modified", "edited", "changed"}
)

// ─── Text helpers ────────────────────────────────────────────────────────────

// collapse lower-cases s and squeezes every non-alphanumeric run into a
// single space, so word and phrase membership checks are uniform.
func collapse(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		alnum := r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		if alnum {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// containsPhrase reports whether the collapsed text contains the collapsed
// phrase on word boundaries.
func containsPhrase(collapsed, phrase string) bool {
	return strings.Contains(" "+collapsed+" ", " "+phrase+" ")
}
