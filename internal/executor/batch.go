package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdash/internal/protocol"
)

// Batch timeout is base + per-command * len(commands).
var (
	BatchBaseTimeout       = 10 * time.Second
	BatchPerCommandTimeout = 10 * time.Second
)

// BatchTimeout returns the deadline applied to a batch of n commands.
func BatchTimeout(n int) time.Duration {
	return BatchBaseTimeout + time.Duration(n)*BatchPerCommandTimeout
}

// BatchItem is the result of one command in a batch, at its original
// position.
type BatchItem struct {
	Index   int
	Command string
	Output  string
	Err     error
}

type batchOutcome struct {
	entries []protocol.BatchEntry
	err     error
}

type pendingBatch struct {
	id       string
	commands []string
	done     chan batchOutcome
}

// Batches executes several commands in one round trip.
type Batches struct {
	sender  Sender
	session SessionIDSource

	mu      sync.Mutex
	pending map[string]*pendingBatch
}

func NewBatches(sender Sender, session SessionIDSource) *Batches {
	return &Batches{
		sender:  sender,
		session: session,
		pending: make(map[string]*pendingBatch),
	}
}

// Pending returns the number of batches awaiting a result.
func (b *Batches) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ExecuteBatch runs commands and returns a map from command to output for
// every command that succeeded. Failed commands are omitted. When every
// command failed the error is a *BatchError. Duplicate commands collapse to
// one key; the later successful result wins.
func (b *Batches) ExecuteBatch(ctx context.Context, commands []string) (map[string]string, error) {
	if len(commands) == 0 {
		return map[string]string{}, nil
	}
	items, err := b.ExecuteBatchResults(ctx, commands)
	if err != nil {
		return nil, err
	}
	return Collect(items)
}

// ExecuteBatchResults runs commands and returns one BatchItem per command in
// input order. Per-command failures are reported in BatchItem.Err; the
// returned error covers transport failure, timeout and cancellation only.
func (b *Batches) ExecuteBatchResults(ctx context.Context, commands []string) ([]BatchItem, error) {
	if len(commands) == 0 {
		return []BatchItem{}, nil
	}

	cmds := make([]string, len(commands))
	copy(cmds, commands)

	id := newID("batch")
	p := &pendingBatch{id: id, commands: cmds, done: make(chan batchOutcome, 1)}

	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()
	defer b.remove(id)

	err := b.sender.Send(ctx, protocol.Frame{
		Type:      protocol.TypeExecuteBatch,
		Commands:  cmds,
		BatchID:   id,
		SessionID: b.session.SessionID(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	timeout := BatchTimeout(len(cmds))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-p.done:
		if o.err != nil {
			return nil, o.err
		}
		return assemble(cmds, o.entries), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: batch %s of %d command(s) after %s", ErrTimeout, id, len(cmds), timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func assemble(commands []string, entries []protocol.BatchEntry) []BatchItem {
	items := make([]BatchItem, len(commands))
	for i, cmd := range commands {
		items[i] = BatchItem{Index: i, Command: cmd}
		if i >= len(entries) {
			items[i].Err = &CommandError{Command: cmd, Message: "no result returned"}
			continue
		}
		e := entries[i]
		items[i].Output = e.Output
		if e.Error != "" {
			items[i].Err = &CommandError{Command: cmd, Output: e.Output, Message: e.Error}
		}
	}
	return items
}

// Collect folds positional results into the command-keyed view used by
// ExecuteBatch.
func Collect(items []BatchItem) (map[string]string, error) {
	out := make(map[string]string, len(items))
	var failures []string
	for _, it := range items {
		if it.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", it.Command, errMessage(it.Err)))
			continue
		}
		out[it.Command] = it.Output
	}
	if len(out) == 0 && len(failures) > 0 {
		return nil, &BatchError{Failures: failures}
	}
	return out, nil
}

func errMessage(err error) string {
	if ce, ok := err.(*CommandError); ok {
		return ce.Message
	}
	return err.Error()
}

func (b *Batches) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// HandleFrame consumes batch-result frames. Unknown batch IDs are ignored.
func (b *Batches) HandleFrame(f protocol.Frame) {
	if f.Type != protocol.TypeBatchResult {
		return
	}
	b.mu.Lock()
	p, ok := b.pending[f.BatchID]
	if ok {
		delete(b.pending, f.BatchID)
	}
	b.mu.Unlock()
	if !ok {
		log.Printf("[executor] ignoring result for unknown batch %s", f.BatchID)
		return
	}
	if f.NotAttached() {
		p.done <- batchOutcome{err: fmt.Errorf("%w: %s", ErrTransport, errNotAttached(f))}
		return
	}
	if len(f.Results) != len(p.commands) {
		log.Printf("[executor] batch %s: expected %d result(s), got %d", f.BatchID, len(p.commands), len(f.Results))
	}
	p.done <- batchOutcome{entries: f.Results}
}

// CancelAll fails every pending batch with err.
func (b *Batches) CancelAll(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingBatch)
	b.mu.Unlock()

	for _, p := range pending {
		p.done <- batchOutcome{err: err}
	}
	if len(pending) > 0 {
		log.Printf("[executor] cancelled %d pending batch(es): %v", len(pending), err)
	}
}
