package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryRegistryLookup(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	record := AgentRecord{
		AgentID:         common.HexToHash("0x01"),
		ImageCommitment: common.HexToHash("0x02"),
		CodeHash:        common.HexToHash("0x03"),
	}
	reg.Put(record)

	got, err := reg.Lookup(ctx, record.AgentID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if *got != record {
		t.Fatalf("record mismatch: %+v != %+v", got, record)
	}

	if _, err := reg.Lookup(ctx, common.HexToHash("0xff")); !errors.Is(err, ErrAgentNotRegistered) {
		t.Fatalf("expected ErrAgentNotRegistered, got %v", err)
	}
}
