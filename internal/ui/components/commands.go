package components

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ErrUnknownCommand is returned for a palette line whose command is not in
// the table.
var ErrUnknownCommand = errors.New("unknown command")

// UsageError reports a known command with missing or extra arguments.
type UsageError struct {
	Usage string
}

func (e UsageError) Error() string { return "usage: " + e.Usage }

// Command is a parsed palette line of the form "noun:verb args".
type Command struct {
	Noun string
	Verb string
	Args []string
}

// Name is the command as typed, e.g. "playlist:add" or "compact".
func (c Command) Name() string {
	if c.Verb == "" {
		return c.Noun
	}
	return c.Noun + ":" + c.Verb
}

// Arg returns the i-th argument or "" when it was omitted.
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

type commandSpec struct {
	noun string
	verb string
	// args are placeholders; a bracketed one is optional.
	args []string
	// rest lets the last argument take the remaining text, spaces included.
	rest bool
	// values completes the argument at that index.
	values map[int][]string
}

var choiceValues = []string{"allow", "deny", "always_allow", "always_deny"}

// executePalette in app/model.go switches on these names.
var commandTable = []commandSpec{
	{noun: "peer", verb: "connect", args: []string{"[peer]"}},
	{noun: "peer", verb: "disconnect", args: []string{"[peer]"}},
	{noun: "auth", verb: "decide", args: []string{"<request>", "<choice>"}, values: map[int][]string{1: choiceValues}},
	{noun: "acl", verb: "set", args: []string{"<peer>", "<allow|deny>", "[session|persistent]"}, values: map[int][]string{1: {"allow", "deny"}, 2: {"session", "persistent"}}},
	{noun: "acl", verb: "remove", args: []string{"<peer>"}},
	{noun: "track", verb: "add", args: []string{"<artist - title>"}, rest: true},
	{noun: "track", verb: "remove", args: []string{"<track>"}},
	{noun: "playlist", verb: "create", args: []string{"<name>"}, rest: true},
	{noun: "playlist", verb: "rename", args: []string{"<playlist>", "<name>"}, rest: true},
	{noun: "playlist", verb: "delete", args: []string{"<playlist>"}},
	{noun: "playlist", verb: "add", args: []string{"<playlist>", "<track>", "[after-entry]"}},
	{noun: "playlist", verb: "remove", args: []string{"<playlist>", "<entry>"}},
	{noun: "play", verb: "log", args: []string{"<track>"}},
	{noun: "resolve", args: []string{"<artist - title>"}, rest: true},
	{noun: "compact"},
}

func (s commandSpec) name() string {
	return Command{Noun: s.noun, Verb: s.verb}.Name()
}

func (s commandSpec) usage() string {
	return strings.TrimSpace(s.name() + " " + strings.Join(s.args, " "))
}

func (s commandSpec) required() int {
	n := 0
	for _, a := range s.args {
		if !strings.HasPrefix(a, "[") {
			n++
		}
	}
	return n
}

func lookupCommand(name string) (commandSpec, bool) {
	noun, verb, _ := strings.Cut(strings.ToLower(name), ":")
	for _, spec := range commandTable {
		if spec.noun == noun && spec.verb == verb {
			return spec, true
		}
	}
	return commandSpec{}, false
}

// ParseCommand splits a palette line into its noun, verb and arguments and
// checks the argument count against the command table.
func ParseCommand(input string) (Command, error) {
	head, body := cutFields(input, 1)
	if len(head) == 0 {
		return Command{}, fmt.Errorf("%w: empty input", ErrUnknownCommand)
	}
	spec, ok := lookupCommand(head[0])
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, head[0])
	}
	var args []string
	if spec.rest {
		fixed, tail := cutFields(body, len(spec.args)-1)
		args = fixed
		if tail != "" {
			args = append(args, tail)
		}
	} else {
		args = strings.Fields(body)
	}
	if len(args) < spec.required() || len(args) > len(spec.args) {
		return Command{}, UsageError{Usage: spec.usage()}
	}
	return Command{Noun: spec.noun, Verb: spec.verb, Args: args}, nil
}

// Suggest lists what may follow input: nouns with their verbs while the
// command is typed, then the usage line and any known argument values.
func Suggest(input string, limit int) []string {
	var out []string
	add := func(s string) bool {
		out = append(out, s)
		return limit > 0 && len(out) >= limit
	}

	spec, argIndex, prefix, ok := locate(input)
	if !ok {
		typed := strings.ToLower(strings.TrimLeftFunc(input, unicode.IsSpace))
		if noun, verb, hasVerb := strings.Cut(typed, ":"); hasVerb {
			for _, s := range commandTable {
				if s.noun == noun && s.verb != "" && strings.HasPrefix(s.verb, verb) {
					if add(s.usage()) {
						break
					}
				}
			}
			return out
		}
		for _, noun := range nouns() {
			if !strings.HasPrefix(noun, typed) {
				continue
			}
			if add(describeNoun(noun)) {
				break
			}
		}
		return out
	}

	if add(spec.usage()) {
		return out
	}
	for _, v := range spec.values[argIndex] {
		if strings.HasPrefix(v, strings.ToLower(prefix)) {
			if add("  " + v) {
				break
			}
		}
	}
	return out
}

// Complete extends input by the longest unambiguous completion of the word
// under the cursor. A finished noun gains its ":" and a finished command or
// value gains a trailing space.
func Complete(input string) string {
	spec, argIndex, prefix, ok := locate(input)
	if ok {
		var candidates []string
		for _, v := range spec.values[argIndex] {
			if strings.HasPrefix(v, strings.ToLower(prefix)) {
				candidates = append(candidates, v)
			}
		}
		return extend(input, prefix, candidates, " ")
	}

	typed := strings.TrimLeftFunc(input, unicode.IsSpace)
	lower := strings.ToLower(typed)
	if noun, verb, hasVerb := strings.Cut(lower, ":"); hasVerb {
		var candidates []string
		for _, s := range commandTable {
			if s.noun == noun && s.verb != "" && strings.HasPrefix(s.verb, verb) {
				candidates = append(candidates, s.verb)
			}
		}
		return extend(input, typed[len(noun)+1:], candidates, " ")
	}

	var candidates []string
	for _, noun := range nouns() {
		if strings.HasPrefix(noun, lower) {
			candidates = append(candidates, noun)
		}
	}
	if len(candidates) == 1 && hasVerbs(candidates[0]) {
		return extend(input, typed, candidates, ":")
	}
	return extend(input, typed, candidates, " ")
}

// locate finds the command and the argument under construction once the
// command word has been finished with a space.
func locate(input string) (commandSpec, int, string, bool) {
	trimmed := strings.TrimLeftFunc(input, unicode.IsSpace)
	i := strings.IndexFunc(trimmed, unicode.IsSpace)
	if i < 0 {
		return commandSpec{}, 0, "", false
	}
	spec, ok := lookupCommand(trimmed[:i])
	if !ok {
		return commandSpec{}, 0, "", false
	}
	fields := strings.Fields(trimmed[i:])
	if len(fields) == 0 || strings.HasSuffix(input, " ") {
		return spec, len(fields), "", true
	}
	return spec, len(fields) - 1, fields[len(fields)-1], true
}

// extend appends the shared remainder of candidates to input. A single
// candidate is completed in full and followed by suffix.
func extend(input, typed string, candidates []string, suffix string) string {
	if len(candidates) == 0 {
		return input
	}
	if len(candidates) == 1 {
		return input + candidates[0][min(len(typed), len(candidates[0])):] + suffix
	}
	common := candidates[0]
	for _, c := range candidates[1:] {
		for !strings.HasPrefix(c, common) {
			common = common[:len(common)-1]
		}
	}
	if len(common) <= len(typed) {
		return input
	}
	return input + common[len(typed):]
}

func nouns() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range commandTable {
		if !seen[s.noun] {
			seen[s.noun] = true
			out = append(out, s.noun)
		}
	}
	sort.Strings(out)
	return out
}

func hasVerbs(noun string) bool {
	for _, s := range commandTable {
		if s.noun == noun && s.verb != "" {
			return true
		}
	}
	return false
}

// describeNoun renders "playlist:{create|rename|…}" or the usage of a
// command without verbs.
func describeNoun(noun string) string {
	var verbs []string
	for _, s := range commandTable {
		if s.noun != noun {
			continue
		}
		if s.verb == "" {
			return s.usage()
		}
		verbs = append(verbs, s.verb)
	}
	return noun + ":{" + strings.Join(verbs, "|") + "}"
}

// cutFields peels n whitespace separated words off s and returns them with
// the trimmed remainder.
func cutFields(s string, n int) ([]string, string) {
	var out []string
	s = strings.TrimSpace(s)
	for len(out) < n && s != "" {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return append(out, s), ""
		}
		out = append(out, s[:i])
		s = strings.TrimSpace(s[i:])
	}
	return out, s
}
