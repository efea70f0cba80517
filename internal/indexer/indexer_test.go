package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenSettle-Chain/internal/events"
)

func waitForRecords(t *testing.T, history *MemoryHistory, agentID common.Hash, want int) []Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, err := history.List(context.Background(), agentID, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(records) >= want {
			return records
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records", want)
	return nil
}

func TestIndexerAppendsReceipts(t *testing.T) {
	queue := events.NewMemoryQueue(8)
	history := NewMemoryHistory()
	idx := New(queue, history, WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = idx.Start(ctx)
	}()

	agentID := common.HexToHash("0x01")
	event := events.SettlementAccepted{
		ReceiptID:        "receipt-1",
		AgentID:          agentID,
		ExecutionNonce:   7,
		ActionCommitment: common.HexToHash("0x02"),
		AppliedActions:   3,
		SettledAt:        time.Now().Unix(),
	}
	if err := queue.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	records := waitForRecords(t, history, agentID, 1)
	record := records[0]
	if record.ReceiptID != "receipt-1" || record.ExecutionNonce != 7 || record.AppliedActions != 3 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.IndexedAt == 0 {
		t.Fatal("expected indexed_at to be set")
	}

	cancel()
	<-done
}

func TestMemoryHistoryIdempotentAppend(t *testing.T) {
	history := NewMemoryHistory()
	agentID := common.HexToHash("0x01")
	record := Record{ReceiptID: "receipt-1", AgentID: agentID, SettledAt: 100}

	if err := history.Append(context.Background(), record); err != nil {
		t.Fatalf("append: %v", err)
	}
	// 同一回执重复投递只落库一次。
	if err := history.Append(context.Background(), record); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	records, err := history.List(context.Background(), agentID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestMemoryHistoryListFilters(t *testing.T) {
	history := NewMemoryHistory()
	agentA := common.HexToHash("0x0a")
	agentB := common.HexToHash("0x0b")
	for i, agent := range []common.Hash{agentA, agentB, agentA} {
		record := Record{
			ReceiptID: string(rune('a' + i)),
			AgentID:   agent,
			SettledAt: int64(100 + i),
		}
		if err := history.Append(context.Background(), record); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := history.List(context.Background(), agentA, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records for agent A, got %d", len(records))
	}
	if records[0].SettledAt < records[1].SettledAt {
		t.Fatal("expected newest-first ordering")
	}

	all, err := history.List(context.Background(), common.Hash{}, 2)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected limit to cap results, got %d", len(all))
	}
}
