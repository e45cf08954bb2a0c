package relay

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func seedSubmission(t *testing.T, store *MemoryStore, id string, principal common.Address, status Status, updatedAt int64) {
	t.Helper()
	sub := &Submission{
		ID:         id,
		Principal:  principal,
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	store.mu.Lock()
	store.submissions[id].Status = status
	store.submissions[id].UpdatedAt = updatedAt
	store.mu.Unlock()
}

func TestListFiltersAndOrders(t *testing.T) {
	store := NewMemoryStore()
	alice := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	seedSubmission(t, store, "a", alice, StatusSucceeded, 100)
	seedSubmission(t, store, "b", alice, StatusFailed, 200)
	seedSubmission(t, store, "c", bob, StatusSucceeded, 300)
	seedSubmission(t, store, "d", alice, StatusPending, 400)

	ctx := context.Background()

	subs, err := store.List(ctx, WithPrincipal(alice))
	if err != nil {
		t.Fatalf("list by principal: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("got %d submissions for alice, want 3", len(subs))
	}
	// Default order is most recently updated first.
	if subs[0].ID != "d" || subs[2].ID != "a" {
		t.Fatalf("unexpected order: %s .. %s", subs[0].ID, subs[2].ID)
	}

	subs, err = store.List(ctx, WithStatuses(StatusSucceeded), WithSortOrder(SortByUpdatedAsc))
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(subs) != 2 || subs[0].ID != "a" || subs[1].ID != "c" {
		t.Fatalf("unexpected succeeded set: %+v", subs)
	}

	subs, err = store.List(ctx, WithLimit(1), WithOffset(1), WithSortOrder(SortByUpdatedAsc))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "b" {
		t.Fatalf("unexpected page: %+v", subs)
	}

	// Invalid statuses are dropped, leaving the filter empty.
	subs, err = store.List(ctx, WithStatuses(Status("bogus")))
	if err != nil {
		t.Fatalf("list with invalid status: %v", err)
	}
	if len(subs) != 4 {
		t.Fatalf("got %d submissions, want all 4", len(subs))
	}
}

func TestStatsCountsByState(t *testing.T) {
	store := NewMemoryStore()
	alice := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	seedSubmission(t, store, "a", alice, StatusSucceeded, 100)
	seedSubmission(t, store, "b", alice, StatusFailed, 200)
	seedSubmission(t, store, "c", alice, StatusPending, 300)
	seedSubmission(t, store, "d", alice, StatusSucceeded, 400)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Succeeded != 2 || stats.Failed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestUpdatedAt != 100 || stats.NewestUpdatedAt != 400 {
		t.Fatalf("unexpected bounds %+v", stats)
	}
}

func TestRecoverPendingRepublishesUnfinishedWork(t *testing.T) {
	f := newFixture(t, openPolicy())
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, f.relay, 3)

	ctx := context.Background()
	principal := f.acct.Address()

	seedSubmission(t, store, "stale-pending", principal, StatusPending, 100)
	seedSubmission(t, store, "interrupted", principal, StatusRunning, 200)
	seedSubmission(t, store, "done", principal, StatusSucceeded, 300)

	recovered, err := service.RecoverPending(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("recovered %d submissions, want 2", recovered)
	}

	// The interrupted submission is claimable again.
	sub, err := store.Get(ctx, "interrupted")
	if err != nil {
		t.Fatalf("get interrupted: %v", err)
	}
	if sub.Status != StatusPending {
		t.Fatalf("interrupted status = %s, want pending", sub.Status)
	}
	if sub.ErrorCode != string(CodeRelayExecution) {
		t.Fatalf("interrupted error code = %s", sub.ErrorCode)
	}

	// Completed work is left alone.
	done, err := store.Get(ctx, "done")
	if err != nil {
		t.Fatalf("get done: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("done status = %s", done.Status)
	}

	// Both recovered IDs landed on the queue.
	seen := map[string]bool{}
	consumeCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = queue.Consume(consumeCtx, 1, func(_ context.Context, id string) error {
			seen[id] = true
			if len(seen) == 2 {
				cancel()
			}
			return nil
		})
	}()
	<-consumeCtx.Done()
	if !seen["stale-pending"] || !seen["interrupted"] {
		t.Fatalf("requeued IDs = %v", seen)
	}
}

func TestRecoverPendingDrainsBacklogBeyondOnePage(t *testing.T) {
	f := newFixture(t, openPolicy())
	store := NewMemoryStore()
	queue := NewMemoryQueue(512)
	service := NewService(store, queue, f.relay, 3)

	ctx := context.Background()
	principal := f.acct.Address()

	// More stale work than a single list page holds.
	const backlog = 250
	for i := 0; i < backlog; i++ {
		seedSubmission(t, store, fmt.Sprintf("stale-%03d", i), principal, StatusPending, int64(i+1))
	}

	recovered, err := service.RecoverPending(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != backlog {
		t.Fatalf("recovered %d submissions, want %d", recovered, backlog)
	}

	seen := map[string]bool{}
	consumeCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = queue.Consume(consumeCtx, 1, func(_ context.Context, id string) error {
			seen[id] = true
			if len(seen) == backlog {
				cancel()
			}
			return nil
		})
	}()
	<-consumeCtx.Done()
	if len(seen) != backlog {
		t.Fatalf("requeued %d IDs, want %d", len(seen), backlog)
	}
}
