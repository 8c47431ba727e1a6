package commitmsg

import (
	"strconv"
	"strings"

	"changeline/internal/domain"
)

// Action is one parsed unit of a commit message: a verb, the entity
// reference it targets and any trailing prose up to the next verb.
type Action struct {
	Verb    string
	Kind    string
	Ref     int64
	Comment string
}

// Parser recognizes "<verb> <kind>#<ref>" phrases in free text. Verbs
// are project-configured; Parser expands each canonical verb into its
// common inflections so "fixes" and "fixed" match a configured "fix".
type Parser struct {
	verbs map[string]string
}

func NewParser(canonicalVerbs []string) *Parser {
	forms := map[string]string{}
	for _, v := range canonicalVerbs {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		for _, f := range verbForms(v) {
			forms[f] = v
		}
	}
	return &Parser{verbs: forms}
}

func verbForms(v string) []string {
	forms := []string{v, v + "s", v + "es", v + "ed", v + "ing"}
	if strings.HasSuffix(v, "e") {
		forms = append(forms, v+"d", v[:len(v)-1]+"ing")
	}
	return forms
}

var kindAliases = map[string]string{
	"us":        domain.KindUserStory,
	"userstory": domain.KindUserStory,
	"story":     domain.KindUserStory,
	"task":      domain.KindTask,
	"tg":        domain.KindTask,
	"issue":     domain.KindIssue,
	"bug":       domain.KindIssue,
}

// parse states
const (
	stateScanning = iota
	stateVerb
	stateReference
	stateComment
)

// Parse scans the message once, left to right, and returns the actions
// in order of appearance. Prose outside action phrases is skipped; an
// empty result is a valid outcome, not an error.
func (p *Parser) Parse(message string) []Action {
	var actions []Action
	state := stateScanning
	pendingVerb := ""
	var comment []string

	flushComment := func() {
		if len(actions) > 0 && len(comment) > 0 {
			actions[len(actions)-1].Comment = strings.Join(comment, " ")
		}
		comment = comment[:0]
	}

	for _, raw := range strings.Fields(message) {
		word := strings.Trim(raw, ",.;:!?()[]{}\"'")
		if word == "" {
			continue
		}
		if verb, ok := p.verbs[strings.ToLower(word)]; ok {
			flushComment()
			pendingVerb = verb
			state = stateVerb
			continue
		}
		switch state {
		case stateVerb, stateReference:
			state = stateReference
			kind, ref, ok := parseReference(word)
			if !ok {
				// the word after a verb was not a reference; the
				// phrase is abandoned and scanning resumes
				state = stateScanning
				continue
			}
			actions = append(actions, Action{Verb: pendingVerb, Kind: kind, Ref: ref})
			state = stateComment
		case stateComment:
			comment = append(comment, word)
		}
	}
	flushComment()
	return actions
}

func parseReference(word string) (kind string, ref int64, ok bool) {
	alias, num, found := strings.Cut(word, "#")
	if !found || alias == "" || num == "" {
		return "", 0, false
	}
	kind, ok = kindAliases[strings.ToLower(alias)]
	if !ok {
		return "", 0, false
	}
	ref, err := strconv.ParseInt(num, 10, 64)
	if err != nil || ref <= 0 {
		return "", 0, false
	}
	return kind, ref, true
}
