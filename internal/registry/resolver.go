package registry

import (
	"sort"
	"strconv"
	"strings"
)

// nameFallbackLimit caps rule 6 results.
const nameFallbackLimit = 5

// resolveRule is one step of the resolution cascade. Rules run with the
// registry lock held and return matched ids newest-first, or nothing to let
// the next rule try.
type resolveRule struct {
	name string
	run  func(r *Registry, raw, text string) []string
}

// defaultRules is the ordered cascade: exact id, recency pronouns, synonym
// nouns, keyword families, quantifiers, name/type fallback.
func defaultRules() []resolveRule {
	return []resolveRule{
		{name: "exact_id", run: ruleExactID},
		{name: "recency_pronoun", run: rulePronoun},
		{name: "synonym_noun", run: ruleSynonym},
		{name: "keyword_family", run: ruleKeywordFamilies},
		{name: "quantifier", run: ruleQuantifier},
		{name: "name_fallback", run: ruleNameFallback},
	}
}

// Resolve maps a natural-language reference to element ids. The first rule
// producing a non-empty result wins; no match at all yields an empty slice,
// which is a normal outcome, not an error.
func (r *Registry) Resolve(utterance string) []string {
	raw := strings.TrimSpace(utterance)
	if raw == "" {
		return nil
	}
	text := collapse(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range r.rules {
		if ids := rule.run(r, raw, text); len(ids) > 0 {
			r.log.Debug("reference resolved", "utterance", raw, "rule", rule.name, "matches", len(ids))
			return ids
		}
	}
	r.log.Debug("reference unresolved", "utterance", raw)
	return nil
}

// ─── Rules ───────────────────────────────────────────────────────────────────

func ruleExactID(r *Registry, raw, _ string) []string {
	if _, ok := r.elems[raw]; ok {
		return []string{raw}
	}
	lower := strings.ToLower(raw)
	if lower != raw {
		if _, ok := r.elems[lower]; ok {
			return []string{lower}
		}
	}
	return nil
}

func rulePronoun(r *Registry, _, text string) []string {
	if _, ok := recencyPronouns[text]; !ok {
		return nil
	}
	if len(r.recent) == 0 {
		return nil
	}
	return []string{r.recent[0]}
}

// ruleSynonym matches the "the <noun>" shape only, so quantified or
// attributive mentions of a noun fall through to the later rules.
func ruleSynonym(r *Registry, _, text string) []string {
	for _, surface := range r.surfaces {
		if !containsPhrase(text, "the "+surface) {
			continue
		}
		for _, typ := range r.syn[surface] {
			if ids := r.findByTypeLocked(typ, 0); len(ids) > 0 {
				return ids
			}
		}
	}
	return nil
}

func ruleKeywordFamilies(r *Registry, _, text string) []string {
	for _, fam := range keywordFamilies {
		present := make(map[string]bool)
		for _, kw := range fam.keywords {
			if containsPhrase(text, kw) {
				present[kw] = true
			}
		}
		if len(present) == 0 {
			continue
		}
		ids := fam.collect(r, present)
		if len(ids) > 0 {
			r.sortFreshLocked(ids)
			return ids
		}
	}
	return nil
}

func ruleQuantifier(r *Registry, _, text string) []string {
	quantified := false
	for _, w := range quantifierWords {
		if containsPhrase(text, w) {
			quantified = true
			break
		}
	}
	if !quantified || len(r.recent) == 0 {
		return nil
	}
	out := make([]string, len(r.recent))
	copy(out, r.recent)
	return out
}

// ruleNameFallback tries exact name, then name substring, then type
// substring, deduplicated in that order and capped.
func ruleNameFallback(r *Registry, _, text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(ids ...string) {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	if id, ok := r.byName[text]; ok {
		add(id)
	}

	var nameHits []string
	for name, id := range r.byName {
		if name != text && strings.Contains(name, text) {
			nameHits = append(nameHits, id)
		}
	}
	r.sortFreshLocked(nameHits)
	add(nameHits...)

	var typeHits []string
	for typ, bucket := range r.byType {
		if !strings.Contains(typ, text) {
			continue
		}
		for id := range bucket {
			typeHits = append(typeHits, id)
		}
	}
	r.sortFreshLocked(typeHits)
	add(typeHits...)

	if len(out) > nameFallbackLimit {
		out = out[:nameFallbackLimit]
	}
	return out
}

// ─── Keyword families ────────────────────────────────────────────────────────

// keywordFamily gathers candidate ids for one vocabulary of attribute words.
// collect runs with the registry lock held; present holds the family
// keywords found in the utterance.
type keywordFamily struct {
	name     string
	keywords []string
	collect  func(r *Registry, present map[string]bool) []string
}

var keywordFamilies = []keywordFamily{
	{name: "positional", keywords: positionalKeywords, collect: collectPositional},
	{name: "material", keywords: materialKeywords, collect: collectMaterial},
	{name: "size", keywords: append(append([]string{}, sizeLargeKeywords...), sizeSmallKeywords...), collect: collectSize},
	{name: "function", keywords: functionKeywords, collect: collectFunction},
	{name: "status", keywords: statusKeywords, collect: collectStatus},
}

// collectPositional matches located elements against thirds of the bounding
// box spanned by all located elements.
func collectPositional(r *Registry, present map[string]bool) []string {
	var minX, maxX, minY, maxY float64
	located := 0
	for _, el := range r.elems {
		if el.Location == nil {
			continue
		}
		if located == 0 {
			minX, maxX = el.Location.X, el.Location.X
			minY, maxY = el.Location.Y, el.Location.Y
		} else {
			minX = min(minX, el.Location.X)
			maxX = max(maxX, el.Location.X)
			minY = min(minY, el.Location.Y)
			maxY = max(maxY, el.Location.Y)
		}
		located++
	}
	if located == 0 {
		return nil
	}
	w, h := maxX-minX, maxY-minY

	var out []string
	for id, el := range r.elems {
		if el.Location == nil {
			continue
		}
		x, y := el.Location.X, el.Location.Y
		hit := false
		if present["left"] && (w == 0 || x < minX+w/3) {
			hit = true
		}
		if present["right"] && (w == 0 || x > maxX-w/3) {
			hit = true
		}
		if present["bottom"] && (h == 0 || y < minY+h/3) {
			hit = true
		}
		if present["top"] && (h == 0 || y > maxY-h/3) {
			hit = true
		}
		if present["center"] || present["middle"] {
			inX := w == 0 || (x >= minX+w/3 && x <= maxX-w/3)
			inY := h == 0 || (y >= minY+h/3 && y <= maxY-h/3)
			if inX && inY {
				hit = true
			}
		}
		if hit {
			out = append(out, id)
		}
	}
	return out
}

func collectMaterial(r *Registry, present map[string]bool) []string {
	var out []string
	for id, el := range r.elems {
		material := strings.ToLower(el.Properties["material"])
		haystack := collapse(el.Type + " " + el.Name + " " + el.Description)
		for kw := range present {
			if material != "" && strings.Contains(material, kw) {
				out = append(out, id)
				break
			}
			if containsPhrase(haystack, kw) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// collectSize prefers the numeric span distribution (top or bottom third of
// span_mm across the catalog) and falls back to size words in name or
// description.
func collectSize(r *Registry, present map[string]bool) []string {
	large, small := false, false
	for _, kw := range sizeLargeKeywords {
		if present[kw] {
			large = true
		}
	}
	for _, kw := range sizeSmallKeywords {
		if present[kw] {
			small = true
		}
	}
	if large == small {
		return nil
	}

	type span struct {
		id string
		mm float64
	}
	var spans []span
	for id, el := range r.elems {
		v, ok := el.Properties["span_mm"]
		if !ok {
			continue
		}
		mm, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		spans = append(spans, span{id: id, mm: mm})
	}
	if len(spans) >= 3 {
		sort.Slice(spans, func(i, j int) bool {
			if spans[i].mm != spans[j].mm {
				return spans[i].mm < spans[j].mm
			}
			return spans[i].id < spans[j].id
		})
		third := len(spans) / 3
		if third < 1 {
			third = 1
		}
		picked := spans[:third]
		if large {
			picked = spans[len(spans)-third:]
		}
		out := make([]string, 0, len(picked))
		for _, s := range picked {
			out = append(out, s.id)
		}
		return out
	}

	words := sizeSmallKeywords
	if large {
		words = sizeLargeKeywords
	}
	var out []string
	for id, el := range r.elems {
		haystack := collapse(el.Name + " " + el.Description)
		for _, kw := range words {
			if containsPhrase(haystack, kw) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func collectFunction(r *Registry, present map[string]bool) []string {
	var out []string
	for id, el := range r.elems {
		haystack := collapse(el.Type + " " + el.Description)
		for kw := range present {
			if strings.Contains(haystack, kw) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func collectStatus(r *Registry, present map[string]bool) []string {
	var out []string
	for id, el := range r.elems {
		status := strings.ToLower(el.Properties["status"])
		hit := false
		for kw := range present {
			switch kw {
			case "modified", "edited", "changed":
				if el.ModifiedAt.After(el.CreatedAt) {
					hit = true
				}
			default:
				if status != "" && strings.Contains(status, kw) {
					hit = true
				}
			}
			if hit {
				break
			}
		}
		if hit {
			out = append(out, id)
		}
	}
	return out
}
