package penguin

import (
	"reflect"
	"testing"
)

func newTestParser(tags ...string) *ActionParser {
	p := NewActionParser()
	for _, tag := range tags {
		p.RegisterTag(tag, "")
	}
	return p
}

func TestParseSingleAction(t *testing.T) {
	p := newTestParser("run")
	text := `I'll list the files now. <run>ls</run> Done.`

	actions := p.ParseAll(text)
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.Name != "run" {
		t.Errorf("Name = %q, want run", a.Name)
	}
	if a.Params != "ls" {
		t.Errorf("Params = %q, want ls", a.Params)
	}
	if a.ParseErr != "" {
		t.Errorf("unexpected ParseErr %q", a.ParseErr)
	}
	if got := text[a.Start:a.End]; got != "<run>ls</run>" {
		t.Errorf("span = %q, want the full tagged region", got)
	}
}

func TestParseMultipleInOrder(t *testing.T) {
	p := newTestParser("run", "write")
	text := `<write>a.txt: hello</write> then <run>cat a.txt</run>`

	actions := p.ParseAll(text)
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	if actions[0].Name != "write" || actions[1].Name != "run" {
		t.Errorf("order = [%s, %s], want [write, run]", actions[0].Name, actions[1].Name)
	}
}

func TestParseUnknownTagIsText(t *testing.T) {
	p := newTestParser("run")
	actions := p.ParseAll(`<think>not an action</think> plain <b>bold</b>`)
	if len(actions) != 0 {
		t.Fatalf("got %d actions, want 0", len(actions))
	}
}

func TestParseNestedSameTag(t *testing.T) {
	p := newTestParser("run")
	actions := p.ParseAll(`<run>outer <run>inner</run> tail</run>`)
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	want := "outer <run>inner</run> tail"
	if actions[0].Params != want {
		t.Errorf("Params = %q, want %q", actions[0].Params, want)
	}
}

func TestParseUnterminated(t *testing.T) {
	p := newTestParser("run")
	text := `before <run>echo hi`
	actions := p.ParseAll(text)
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.ParseErr != ParseErrUnterminated {
		t.Errorf("ParseErr = %q, want %q", a.ParseErr, ParseErrUnterminated)
	}
	if a.Params != "echo hi" {
		t.Errorf("Params = %q, want raw remainder", a.Params)
	}
	if a.End != len(text) {
		t.Errorf("End = %d, want %d", a.End, len(text))
	}
}

func TestParseMalformedParamsPassThrough(t *testing.T) {
	// Parameter validation is an execution concern: garbage params parse fine.
	p := newTestParser("edit")
	actions := p.ParseAll(`<edit>{"path": unclosed</edit>`)
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	if actions[0].Params != `{"path": unclosed` {
		t.Errorf("Params = %q, raw passthrough expected", actions[0].Params)
	}
	if actions[0].ParseErr != "" {
		t.Errorf("ParseErr = %q, want empty", actions[0].ParseErr)
	}
}

func TestParseLazyStop(t *testing.T) {
	p := newTestParser("run")
	text := `<run>1</run><run>2</run><run>3</run>`
	var got []string
	for a := range p.Parse(text) {
		got = append(got, a.Params)
		if len(got) == 2 {
			break
		}
	}
	if !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Errorf("got %v, want [1 2]", got)
	}
}

func TestParseDeterministic(t *testing.T) {
	p := newTestParser("run", "write", "search")
	text := `x <search>q</search> y <run><write></run> z`
	first := p.ParseAll(text)
	second := p.ParseAll(text)
	if !reflect.DeepEqual(first, second) {
		t.Error("parse is not deterministic")
	}
}

func TestParseAngleBracketNoise(t *testing.T) {
	p := newTestParser("run")
	actions := p.ParseAll(`if a < b { } <run>go test</run> x > y`)
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	if actions[0].Params != "go test" {
		t.Errorf("Params = %q, want %q", actions[0].Params, "go test")
	}
}

func TestTagsSorted(t *testing.T) {
	p := newTestParser("write", "run", "edit")
	want := []string{"edit", "run", "write"}
	if got := p.Tags(); !reflect.DeepEqual(got, want) {
		t.Errorf("Tags = %v, want %v", got, want)
	}
}
