package patterns

import (
	"regexp"
	"sort"
	"strings"
)

// Placeholder names used in signatures and templates.
const (
	PlaceholderFile      = "file"
	PlaceholderTime      = "time"
	PlaceholderNumber    = "number"
	PlaceholderComponent = "component"
	PlaceholderAction    = "action"
)

var (
	timeRe      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:?\d{2})?)?\b|\b\d{1,2}:\d{2}(?::\d{2})?\b`)
	fileRe      = regexp.MustCompile(`(?:[\w.-]+/)*[\w-]+\.[A-Za-z][A-Za-z0-9]{0,5}\b`)
	componentRe = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]*)+\b`)
	numberRe    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	spaceRe     = regexp.MustCompile(`\s+`)
	placeRe     = regexp.MustCompile(`\{[a-z]+\}`)
	alphaRunRe  = regexp.MustCompile(`[A-Za-z]+`)
	digitRunRe  = regexp.MustCompile(`[0-9]+`)
	tokenRe     = regexp.MustCompile(`[a-z0-9_]+`)
)

// actionVerbs are the verbs GenerateResponse binds to {action}.
var actionVerbs = []string{
	"add", "build", "check", "clean", "create", "debug", "delete", "deploy", "document",
	"fix", "format", "generate", "install", "lint", "list", "migrate", "open", "refactor",
	"remove", "rename", "restart", "review", "run", "search", "show", "start", "stop",
	"test", "update", "upgrade",
}

// Entities are the parameter values extracted from a request.
type Entities map[string]string

// ExtractEntities pulls the first file, time, component, number and action
// verb out of input.
func ExtractEntities(input string) Entities {
	e := make(Entities)
	rest := input
	if m := timeRe.FindString(rest); m != "" {
		e[PlaceholderTime] = m
		rest = strings.Replace(rest, m, " ", 1)
	}
	if m := fileRe.FindString(rest); m != "" && !isNumeric(m) {
		e[PlaceholderFile] = m
		rest = strings.Replace(rest, m, " ", 1)
	}
	if m := componentRe.FindString(rest); m != "" {
		e[PlaceholderComponent] = m
	}
	if m := numberRe.FindString(rest); m != "" {
		e[PlaceholderNumber] = m
	}
	for _, tok := range tokenRe.FindAllString(strings.ToLower(input), -1) {
		if isAction(tok) {
			e[PlaceholderAction] = tok
			break
		}
	}
	return e
}

func isAction(tok string) bool {
	i := sort.SearchStrings(actionVerbs, tok)
	return i < len(actionVerbs) && actionVerbs[i] == tok
}

func isNumeric(s string) bool {
	return numberRe.FindString(s) == s
}

// Normalize reduces input to a signature: timestamps, file names, CamelCase
// component names and numbers become placeholders, the rest is lower-cased
// and whitespace-collapsed. Near-duplicate requests share a signature.
func Normalize(input string) string {
	s := timeRe.ReplaceAllString(input, "\x00time\x00")
	s = fileRe.ReplaceAllStringFunc(s, func(m string) string {
		if isNumeric(m) {
			return m
		}
		return "\x00file\x00"
	})
	s = componentRe.ReplaceAllString(s, "\x00component\x00")
	s = numberRe.ReplaceAllString(s, "\x00number\x00")
	s = strings.ToLower(s)
	s = strings.NewReplacer("\x00time\x00", "{time}", "\x00file\x00", "{file}",
		"\x00component\x00", "{component}", "\x00number\x00", "{number}").Replace(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Templatize replaces literal entity values from the request inside a
// response with their placeholders, so the response can be re-filled later.
func Templatize(response string, e Entities) string {
	out := response
	for _, key := range []string{PlaceholderFile, PlaceholderTime, PlaceholderComponent, PlaceholderNumber} {
		v, ok := e[key]
		if !ok || v == "" {
			continue
		}
		re := regexp.MustCompile(`(^|[^\w.])` + regexp.QuoteMeta(v) + `($|[^\w])`)
		out = re.ReplaceAllString(out, "${1}{"+key+"}${2}")
	}
	return out
}

// Fill substitutes {name} placeholders. Unknown placeholders are left in place.
func Fill(template string, vars map[string]string) string {
	return placeRe.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok && v != "" {
			return v
		}
		return m
	})
}

// Skeleton maps alphabetic runs to W and digit runs to N.
func Skeleton(s string) string {
	s = alphaRunRe.ReplaceAllString(s, "W")
	s = digitRunRe.ReplaceAllString(s, "N")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Tokenize returns the distinct lower-case word tokens of s.
func Tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		out[tok] = struct{}{}
	}
	return out
}
