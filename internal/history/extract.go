package history

import (
	"encoding/json"
	"io"
	"regexp"
	"sort"
	"strings"
)

// Extractor recognizes element references in raw observation text. Three
// surface forms are accepted: a double-quoted id, a known element type
// followed by a number ("beam 4", "top chord 2"), and a slash-qualified
// path ("truss/top_chord/3"). Tool steps whose result carries a JSON
// document bypass the lexical forms: only their id and element_id fields
// count. Quoted, path and JSON ids are opaque backend identifiers and pass
// through verbatim; only the type-and-number form is normalized.
type Extractor struct {
	typeRe *regexp.Regexp
}

var (
	quotedIDRe  = regexp.MustCompile(`"([A-Za-z0-9_./-]{1,64})"`)
	slashPathRe = regexp.MustCompile(`\b[A-Za-z0-9_-]+(?:/[A-Za-z0-9_-]+)+\b`)
)

// NewExtractor builds an extractor over the given element type names.
// Underscored types match both their space and underscore spellings.
func NewExtractor(types map[string]struct{}) *Extractor {
	if len(types) == 0 {
		return &Extractor{}
	}
	alts := make([]string, 0, len(types))
	for t := range types {
		alt := regexp.QuoteMeta(strings.ToLower(t))
		alts = append(alts, strings.ReplaceAll(alt, "_", "[ _]"))
	}
	// Longest alternative first so "timber beam 4" is not claimed by "beam".
	sort.Slice(alts, func(i, j int) bool {
		if len(alts[i]) != len(alts[j]) {
			return len(alts[i]) > len(alts[j])
		}
		return alts[i] < alts[j]
	})
	pattern := `(?i)\b(` + strings.Join(alts, "|") + `)[ _]+(\d{1,6})\b`
	return &Extractor{typeRe: regexp.MustCompile(pattern)}
}

// Canonical normalizes a type-and-number surface form: lower case, runs of
// spaces collapsed to single underscores. It is never applied to literal
// ids, which the registry stores verbatim.
func Canonical(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.Join(strings.Fields(id), "_")
}

type foundRef struct {
	pos int
	id  string
}

// Refs returns the element ids referenced by raw, left to right, each id
// reported once at its first occurrence.
func (e *Extractor) Refs(raw string) []string {
	if raw == "" {
		return nil
	}
	if rest, isTool := strings.CutPrefix(raw, toolStepPrefix); isTool {
		if _, result, ok := strings.Cut(rest, toolStepSep); ok {
			if ids, isJSON := jsonIDRefs(result); isJSON {
				return dedup(ids)
			}
		}
	}
	var found []foundRef
	for _, m := range quotedIDRe.FindAllStringSubmatchIndex(raw, -1) {
		found = append(found, foundRef{pos: m[2], id: raw[m[2]:m[3]]})
	}
	if e.typeRe != nil {
		for _, m := range e.typeRe.FindAllStringSubmatchIndex(raw, -1) {
			id := Canonical(raw[m[2]:m[3]]) + "_" + raw[m[4]:m[5]]
			found = append(found, foundRef{pos: m[2], id: id})
		}
	}
	for _, m := range slashPathRe.FindAllStringIndex(raw, -1) {
		found = append(found, foundRef{pos: m[0], id: raw[m[0]:m[1]]})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	ids := make([]string, 0, len(found))
	for _, f := range found {
		ids = append(ids, f.id)
	}
	return dedup(ids)
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// jsonIDRefs collects the string values of id and element_id fields from a
// JSON document, in document order. The document may be the whole result or
// an object embedded in surrounding prose ("Created {...}"). ok is false
// when no JSON can be decoded, which sends the caller back to the lexical
// forms.
func jsonIDRefs(s string) (ids []string, ok bool) {
	trim := strings.TrimSpace(s)
	if trim == "" {
		return nil, false
	}
	if trim[0] != '{' && trim[0] != '[' {
		start := strings.IndexByte(trim, '{')
		if start < 0 {
			return nil, false
		}
		trim = trim[start:]
	}
	dec := json.NewDecoder(strings.NewReader(trim))
	var stack []byte
	inObject := func() bool { return len(stack) > 0 && stack[len(stack)-1] == '{' }
	keyNext := false
	wantVal := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false
		}
		if delim, isDelim := tok.(json.Delim); isDelim {
			switch delim {
			case '{', '[':
				stack = append(stack, byte(delim))
				keyNext = delim == '{'
			case '}', ']':
				stack = stack[:len(stack)-1]
				keyNext = inObject()
				// Balanced close of the outermost value; anything after it
				// is prose, not more JSON.
				if len(stack) == 0 {
					return ids, true
				}
			}
			wantVal = false
			continue
		}
		if inObject() && keyNext {
			key, _ := tok.(string)
			wantVal = key == "id" || key == "element_id"
			keyNext = false
			continue
		}
		if wantVal {
			if v, isStr := tok.(string); isStr {
				ids = append(ids, v)
			}
			wantVal = false
		}
		keyNext = inObject()
	}
	return ids, true
}
