package penguin

import (
	"iter"
	"sort"
	"strings"
	"sync"
)

// ParseErrUnterminated marks an action region whose opening tag was never
// closed. The action is surfaced rather than dropped so the failure is
// visible to the model as an observation.
const ParseErrUnterminated = "parse_unterminated"

// ActionParser extracts tagged action invocations from assistant output.
// The recognized tag set is registered by the host; the parser itself is
// tag-agnostic. Parsing is single-pass, deterministic, and reentrant.
//
// The grammar is XML-ish regions: <name>params</name> where name is a
// registered tag. Nested same-name tags inside a region are balanced, so
// <run>a <run>b</run> c</run> yields a single action whose params contain
// the inner region verbatim. Unknown tags are plain text.
type ActionParser struct {
	mu   sync.RWMutex
	tags map[string]string // tag name -> param hint (advisory)
}

// NewActionParser creates an empty parser. Register tags before parsing.
func NewActionParser() *ActionParser {
	return &ActionParser{tags: make(map[string]string)}
}

// RegisterTag declares a recognized tag. paramHint is advisory text
// describing the expected params micro-schema; it is surfaced in help
// output, never validated at parse time.
func (p *ActionParser) RegisterTag(name, paramHint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags[name] = paramHint
}

// UnregisterTag removes a tag. Subsequent parses treat it as plain text.
func (p *ActionParser) UnregisterTag(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tags, name)
}

// Tags returns the registered tag names, sorted.
func (p *ActionParser) Tags() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.tags))
	for name := range p.tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParamHint returns the advisory hint for a registered tag.
func (p *ActionParser) ParamHint(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hint, ok := p.tags[name]
	return hint, ok
}

// Parse scans text left to right and yields actions lazily in source
// order. The tag set is snapshotted at call time, so concurrent
// RegisterTag calls do not affect an in-progress parse.
func (p *ActionParser) Parse(text string) iter.Seq[Action] {
	p.mu.RLock()
	tags := make(map[string]bool, len(p.tags))
	for name := range p.tags {
		tags[name] = true
	}
	p.mu.RUnlock()

	return func(yield func(Action) bool) {
		pos := 0
		for pos < len(text) {
			open := strings.IndexByte(text[pos:], '<')
			if open < 0 {
				return
			}
			open += pos
			name, ok := openingTagAt(text, open, tags)
			if !ok {
				pos = open + 1
				continue
			}
			bodyStart := open + len(name) + 2 // past "<name>"
			end, found := findClose(text, bodyStart, name)
			if !found {
				// Unterminated region runs to end of text.
				if !yield(Action{
					Name:     name,
					Params:   text[bodyStart:],
					Start:    open,
					End:      len(text),
					ParseErr: ParseErrUnterminated,
				}) {
					return
				}
				return
			}
			closeEnd := end + len(name) + 3 // past "</name>"
			if !yield(Action{
				Name:   name,
				Params: text[bodyStart:end],
				Start:  open,
				End:    closeEnd,
			}) {
				return
			}
			pos = closeEnd
		}
	}
}

// ParseAll is Parse collected into a slice.
func (p *ActionParser) ParseAll(text string) []Action {
	var actions []Action
	for a := range p.Parse(text) {
		actions = append(actions, a)
	}
	return actions
}

// openingTagAt reports whether text[i:] begins a registered opening tag
// "<name>", returning the name.
func openingTagAt(text string, i int, tags map[string]bool) (string, bool) {
	rest := text[i:]
	if len(rest) < 3 || rest[0] != '<' || rest[1] == '/' {
		return "", false
	}
	gt := strings.IndexByte(rest, '>')
	if gt < 2 {
		return "", false
	}
	name := rest[1:gt]
	if !tags[name] {
		return "", false
	}
	return name, true
}

// findClose scans from start for the closing tag matching name, tracking
// nested same-name openings so inner regions stay inside the params.
// Returns the index of the matching "</name>" and whether it was found.
func findClose(text string, start int, name string) (int, bool) {
	openTok := "<" + name + ">"
	closeTok := "</" + name + ">"
	depth := 1
	pos := start
	for pos < len(text) {
		nextClose := strings.Index(text[pos:], closeTok)
		if nextClose < 0 {
			return 0, false
		}
		nextOpen := strings.Index(text[pos:], openTok)
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			pos += nextOpen + len(openTok)
			continue
		}
		depth--
		if depth == 0 {
			return pos + nextClose, true
		}
		pos += nextClose + len(closeTok)
	}
	return 0, false
}
