package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CheckpointerOption configures a Checkpointer.
type CheckpointerOption func(*Checkpointer)

// CheckpointEvery sets the auto-checkpoint cadence: one checkpoint per N
// assistant messages in a session (default 5; <= 0 disables).
func CheckpointEvery(n int) CheckpointerOption {
	return func(c *Checkpointer) { c.autoEvery = n }
}

// CheckpointRetention sets how long auto checkpoints are kept before the
// cleanup pass may prune them (default 24h).
func CheckpointRetention(d time.Duration) CheckpointerOption {
	return func(c *Checkpointer) { c.retention = d }
}

// CheckpointMinKept sets the floor of auto checkpoints kept per session
// regardless of age (default 3).
func CheckpointMinKept(n int) CheckpointerOption {
	return func(c *Checkpointer) { c.minKept = n }
}

// CheckpointManualMaxAge allows pruning manual checkpoints older than d.
// The zero default keeps manual checkpoints forever.
func CheckpointManualMaxAge(d time.Duration) CheckpointerOption {
	return func(c *Checkpointer) { c.manualMaxAge = d }
}

// CheckpointCleanupInterval sets the cleanup cadence (default 5m).
func CheckpointCleanupInterval(d time.Duration) CheckpointerOption {
	return func(c *Checkpointer) { c.cleanupEvery = d }
}

// CheckpointerLogger sets the structured logger.
func CheckpointerLogger(l *slog.Logger) CheckpointerOption {
	return func(c *Checkpointer) { c.logger = l }
}

// Checkpointer watches message.appended events and snapshots sessions on
// a fixed cadence of assistant messages. A background pass prunes aged
// auto checkpoints down to a per-session floor.
type Checkpointer struct {
	store  *ConversationStore
	events *EventBus
	logger *slog.Logger

	autoEvery    int
	retention    time.Duration
	minKept      int
	manualMaxAge time.Duration
	cleanupEvery time.Duration

	mu     sync.Mutex
	counts map[string]int // assistant messages seen per session

	sub  *Subscription
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCheckpointer creates a checkpointer over store, fed by events.
// Call Start to begin watching.
func NewCheckpointer(store *ConversationStore, events *EventBus, opts ...CheckpointerOption) *Checkpointer {
	c := &Checkpointer{
		store:        store,
		events:       events,
		logger:       nopLogger,
		autoEvery:    5,
		retention:    24 * time.Hour,
		minKept:      3,
		cleanupEvery: 5 * time.Minute,
		counts:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to append events and launches the watcher and the
// periodic cleanup pass. Stop with Stop or by cancelling ctx.
func (c *Checkpointer) Start(ctx context.Context) {
	c.sub = c.events.Subscribe(EventFilter{Topics: []string{TopicMessageAppended}})
	c.stop = make(chan struct{})

	c.wg.Add(2)
	go c.watch(ctx)
	go c.cleanupLoop(ctx)
}

// Stop halts the watcher and cleanup pass and waits for them to exit.
func (c *Checkpointer) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.sub.Close()
	c.wg.Wait()
}

func (c *Checkpointer) watch(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.observe(ctx, ev)
		}
	}
}

// observe counts assistant appends and checkpoints the session whenever
// the cadence is hit.
func (c *Checkpointer) observe(ctx context.Context, ev Event) {
	if c.autoEvery <= 0 {
		return
	}
	m, ok := ev.Payload.(Message)
	if !ok || m.Role != RoleAssistant {
		return
	}
	c.mu.Lock()
	c.counts[ev.SessionID]++
	n := c.counts[ev.SessionID]
	c.mu.Unlock()
	if n%c.autoEvery != 0 {
		return
	}

	cp, err := c.store.Checkpoint(ctx, ev.SessionID, CheckpointAuto,
		fmt.Sprintf("auto-%d", n), "")
	if err != nil {
		c.logger.Error("auto checkpoint failed", "session", ev.SessionID, "err", err)
		return
	}
	c.logger.Debug("auto checkpoint", "session", ev.SessionID, "checkpoint", cp.ID, "head", cp.HeadID)
}

func (c *Checkpointer) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.CleanupNow(ctx)
		}
	}
}

// CleanupNow runs one cleanup pass: auto checkpoints older than the
// retention horizon are pruned oldest-first, keeping at least the floor
// count per session. Manual checkpoints are pruned only when a manual
// max age is configured and exceeded.
func (c *Checkpointer) CleanupNow(ctx context.Context) {
	now := NowUnixMilli()
	autoCutoff := now - c.retention.Milliseconds()
	pruned := 0

	for _, sessionID := range c.store.Sessions() {
		cps, err := c.store.Checkpoints(sessionID)
		if err != nil {
			continue
		}
		var autos []Checkpoint
		for _, cp := range cps {
			switch cp.Kind {
			case CheckpointAuto:
				autos = append(autos, cp)
			case CheckpointManual:
				if c.manualMaxAge > 0 && cp.CreatedAt < now-c.manualMaxAge.Milliseconds() {
					if err := c.store.DeleteCheckpoint(ctx, sessionID, cp.ID); err == nil {
						pruned++
					}
				}
			}
		}
		sort.Slice(autos, func(i, j int) bool { return autos[i].CreatedAt < autos[j].CreatedAt })
		remaining := len(autos)
		for _, cp := range autos {
			if remaining <= c.minKept || cp.CreatedAt >= autoCutoff {
				break
			}
			if err := c.store.DeleteCheckpoint(ctx, sessionID, cp.ID); err != nil {
				continue
			}
			remaining--
			pruned++
		}
	}
	if pruned > 0 {
		c.logger.Info("checkpoint cleanup", "pruned", pruned)
	}
}
