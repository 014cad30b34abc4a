package penguin

import (
	"context"
	"testing"
	"time"
)

func newCheckpointerEnv(t *testing.T, opts ...CheckpointerOption) (*EventBus, *ConversationStore, *Checkpointer) {
	t.Helper()
	events := NewEventBus()
	store := NewConversationStore(events)
	if err := store.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	cp := NewCheckpointer(store, events, opts...)
	return events, store, cp
}

func TestAutoCheckpointCadence(t *testing.T) {
	events, store, cp := newCheckpointerEnv(t, CheckpointEvery(2))
	sub := events.Subscribe(EventFilter{Topics: []string{TopicCheckpoint}})
	defer sub.Close()

	cp.Start(context.Background())
	defer cp.Stop()

	ctx := context.Background()
	appendPair := func() {
		if _, err := store.Append(ctx, "s1", UserMessage("a1", "q")); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Append(ctx, "s1", AssistantMessage("a1", "r")); err != nil {
			t.Fatal(err)
		}
	}

	// One checkpoint after every 2nd assistant message.
	appendPair()
	appendPair()
	first := recvEvent(t, sub).Payload.(Checkpoint)
	appendPair()
	appendPair()
	second := recvEvent(t, sub).Payload.(Checkpoint)
	if first.Kind != CheckpointAuto || second.Kind != CheckpointAuto {
		t.Errorf("kinds = %s, %s, want auto", first.Kind, second.Kind)
	}
	if first.HeadID != 4 || second.HeadID != 8 {
		t.Errorf("heads = %d, %d, want 4, 8", first.HeadID, second.HeadID)
	}
	if second.ParentID != first.ID {
		t.Errorf("ParentID = %q, want chained to %q", second.ParentID, first.ID)
	}
}

func TestAutoCheckpointIgnoresNonAssistant(t *testing.T) {
	_, store, cp := newCheckpointerEnv(t, CheckpointEvery(1))
	cp.Start(context.Background())
	defer cp.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "s1", UserMessage("a1", "only users here")); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	cps, err := store.Checkpoints("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 0 {
		t.Errorf("checkpoints = %d, want 0", len(cps))
	}
}

func TestCleanupPrunesAgedAutos(t *testing.T) {
	_, store, cp := newCheckpointerEnv(t,
		CheckpointRetention(time.Millisecond),
		CheckpointMinKept(1),
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Checkpoint(ctx, "s1", CheckpointAuto, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	manual, err := store.Checkpoint(ctx, "s1", CheckpointManual, "keep", "")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	cp.CleanupNow(ctx)

	cps, _ := store.Checkpoints("s1")
	autos, manuals := 0, 0
	for _, c := range cps {
		switch c.Kind {
		case CheckpointAuto:
			autos++
		case CheckpointManual:
			manuals++
			if c.ID != manual.ID {
				t.Errorf("unexpected manual checkpoint %q", c.ID)
			}
		}
	}
	if autos != 1 {
		t.Errorf("autos = %d, want floor of 1", autos)
	}
	if manuals != 1 {
		t.Error("manual checkpoint pruned without a max age")
	}
}

func TestCleanupKeepsFloorCount(t *testing.T) {
	_, store, cp := newCheckpointerEnv(t,
		CheckpointRetention(time.Millisecond),
		CheckpointMinKept(2),
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Checkpoint(ctx, "s1", CheckpointAuto, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	cp.CleanupNow(ctx)

	cps, _ := store.Checkpoints("s1")
	if len(cps) != 2 {
		t.Errorf("checkpoints = %d, want floor of 2", len(cps))
	}
}

func TestCleanupFreshAutosUntouched(t *testing.T) {
	_, store, cp := newCheckpointerEnv(t, CheckpointMinKept(0))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Checkpoint(ctx, "s1", CheckpointAuto, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	cp.CleanupNow(ctx)

	cps, _ := store.Checkpoints("s1")
	if len(cps) != 3 {
		t.Errorf("checkpoints = %d, want 3 within retention", len(cps))
	}
}

func TestCleanupManualMaxAge(t *testing.T) {
	_, store, cp := newCheckpointerEnv(t, CheckpointManualMaxAge(time.Millisecond))
	ctx := context.Background()
	if _, err := store.Checkpoint(ctx, "s1", CheckpointManual, "old", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	cp.CleanupNow(ctx)

	cps, _ := store.Checkpoints("s1")
	if len(cps) != 0 {
		t.Errorf("checkpoints = %d, want manual pruned past max age", len(cps))
	}
}
