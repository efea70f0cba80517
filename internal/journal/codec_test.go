package journal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func sampleJournal() *Journal {
	return &Journal{
		ProtocolVersion:   1,
		KernelVersion:     3,
		AgentID:           common.HexToHash("0x01"),
		AgentCodeHash:     common.HexToHash("0x02"),
		ConstraintSetHash: common.HexToHash("0x03"),
		InputRoot:         common.HexToHash("0x04"),
		ExecutionNonce:    42,
		InputCommitment:   common.HexToHash("0x05"),
		ActionCommitment:  common.HexToHash("0x06"),
		ExecutionStatus:   StatusSuccess,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := sampleJournal()
	encoded := Encode(original)
	if len(encoded) != EncodedLength {
		t.Fatalf("expected %d bytes, got %d", EncodedLength, len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != *original {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, original)
	}
	if !bytes.Equal(Encode(decoded), encoded) {
		t.Fatalf("re-encode produced different bytes")
	}
}

func TestDecodeFieldOffsets(t *testing.T) {
	encoded := Encode(sampleJournal())

	// 小端 u32 protocolVersion 位于偏移 0。
	if encoded[0] != 1 || encoded[1] != 0 {
		t.Fatalf("protocol version not little-endian at offset 0: %v", encoded[:4])
	}
	// 小端 u64 executionNonce 位于偏移 136。
	if encoded[136] != 42 {
		t.Fatalf("execution nonce not at offset 136: %v", encoded[136:144])
	}
	if encoded[208] != byte(StatusSuccess) {
		t.Fatalf("execution status not at offset 208: %d", encoded[208])
	}
}

func TestDecodeRejectsAllOtherLengths(t *testing.T) {
	for length := 0; length <= 300; length++ {
		if length == EncodedLength {
			continue
		}
		_, err := Decode(make([]byte, length))
		if !errors.Is(err, ErrBadJournalLength) {
			t.Fatalf("length %d: expected ErrBadJournalLength, got %v", length, err)
		}
	}
}

func TestDecodeAcceptsExactLength(t *testing.T) {
	j, err := Decode(make([]byte, EncodedLength))
	if err != nil {
		t.Fatalf("decode zero journal: %v", err)
	}
	if j.ExecutionNonce != 0 || j.ProtocolVersion != 0 {
		t.Fatalf("zero journal decoded to non-zero fields: %+v", j)
	}
	if IsValidStatus(j.ExecutionStatus) {
		t.Fatalf("zero status should not be a valid enum value")
	}
}
