package penguin

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// wordCounter is a deterministic token counter for tests: one token per
// whitespace-separated word.
func wordCounter(s string) int {
	return len(strings.Fields(s))
}

func trimSession(t *testing.T) *ConversationStore {
	t.Helper()
	c := newTestStore(t)
	ctx := context.Background()
	mustAppend := func(m Message) {
		t.Helper()
		if _, err := c.Append(ctx, "s1", m); err != nil {
			t.Fatal(err)
		}
	}
	mustAppend(SystemMessage("a1", "system preamble"))    // 2 tokens, id 1
	mustAppend(UserMessage("a1", "old question one"))     // 3 tokens, id 2
	mustAppend(AssistantMessage("a1", "old answer one"))  // 3 tokens, id 3
	pinned := UserMessage("a1", "pinned note")            // 2 tokens, id 4
	pinned.Pinned = true
	mustAppend(pinned)
	mustAppend(UserMessage("a1", "recent question"))      // 2 tokens, id 5
	mustAppend(AssistantMessage("a1", "recent answer"))   // 2 tokens, id 6
	return c
}

func TestTrimUnbounded(t *testing.T) {
	c := trimSession(t)
	msgs, err := c.Trim(context.Background(), "s1", TrimOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 6 {
		t.Errorf("got %d messages, want all 6", len(msgs))
	}
}

func TestTrimDropMiddle(t *testing.T) {
	c := trimSession(t)
	// Budget: preamble(2) + pinned(2) + tail(2+2) = 8 fits; the two
	// old middle messages (6 tokens) do not.
	msgs, err := c.Trim(context.Background(), "s1", TrimOptions{
		MaxTokens: 8,
		Policy:    TrimDropMiddle,
		Counter:   wordCounter,
	})
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	want := []int64{1, 4, 5, 6}
	if len(ids) != len(want) {
		t.Fatalf("kept ids %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("kept ids %v, want %v", ids, want)
		}
	}
}

func TestTrimPreservesPreambleAndPinned(t *testing.T) {
	c := trimSession(t)
	// Budget too small for any tail; preamble and pinned still survive.
	msgs, err := c.Trim(context.Background(), "s1", TrimOptions{
		MaxTokens: 4,
		Policy:    TrimDropMiddle,
		Counter:   wordCounter,
	})
	if err != nil {
		t.Fatal(err)
	}
	var hasPreamble, hasPinned bool
	for _, m := range msgs {
		if m.ID == 1 {
			hasPreamble = true
		}
		if m.ID == 4 {
			hasPinned = true
		}
	}
	if !hasPreamble || !hasPinned {
		t.Errorf("preamble/pinned missing from %+v", msgs)
	}
}

func TestTrimSummarizeMiddle(t *testing.T) {
	c := trimSession(t)
	var summarized []Message
	msgs, err := c.Trim(context.Background(), "s1", TrimOptions{
		MaxTokens: 8,
		Policy:    TrimSummarizeMiddle,
		Counter:   wordCounter,
		Summarizer: func(_ context.Context, dropped []Message) (string, error) {
			summarized = dropped
			return "they discussed question one", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(summarized) != 2 {
		t.Fatalf("summarizer saw %d messages, want the 2 dropped", len(summarized))
	}
	var summary *Message
	for i := range msgs {
		if strings.HasPrefix(msgs[i].Content, summaryHeader) {
			summary = &msgs[i]
		}
	}
	if summary == nil {
		t.Fatal("no summary message in projection")
	}
	if summary.Role != RoleSystem || summary.Type != TypeStatus {
		t.Errorf("summary role/type = %s/%s", summary.Role, summary.Type)
	}
	// The summary sits after the preamble, before the surviving tail.
	if msgs[0].ID != 1 || !strings.HasPrefix(msgs[1].Content, summaryHeader) {
		t.Errorf("summary misplaced: %+v", msgs)
	}
}

func TestTrimSummarizerFailureDegradesToDrop(t *testing.T) {
	c := trimSession(t)
	msgs, err := c.Trim(context.Background(), "s1", TrimOptions{
		MaxTokens: 8,
		Policy:    TrimSummarizeMiddle,
		Counter:   wordCounter,
		Summarizer: func(context.Context, []Message) (string, error) {
			return "", errors.New("summarizer down")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, summaryHeader) {
			t.Error("summary inserted despite summarizer failure")
		}
	}
	if len(msgs) != 4 {
		t.Errorf("got %d messages, want 4 (drop fallback)", len(msgs))
	}
}

func TestTrimNeverMutatesLog(t *testing.T) {
	c := trimSession(t)
	if _, err := c.Trim(context.Background(), "s1", TrimOptions{
		MaxTokens: 4,
		Policy:    TrimDropMiddle,
		Counter:   wordCounter,
	}); err != nil {
		t.Fatal(err)
	}
	all, _ := c.Range("s1", 0, 0)
	if len(all) != 6 {
		t.Errorf("log has %d messages after trim, want 6", len(all))
	}
}

func TestTokenCountFallback(t *testing.T) {
	msgs := []Message{{Content: "four words right here"}}
	if got := TokenCount(msgs, wordCounter); got != 4 {
		t.Errorf("TokenCount = %d, want 4", got)
	}
	// The default counter must return something positive whether or not
	// the encoding loaded.
	if got := TokenCount(msgs, nil); got <= 0 {
		t.Errorf("default TokenCount = %d, want > 0", got)
	}
}
