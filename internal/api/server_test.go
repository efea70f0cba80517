package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"OpenSettle-Chain/internal/action"
	"OpenSettle-Chain/internal/indexer"
	"OpenSettle-Chain/internal/journal"
	"OpenSettle-Chain/internal/proofs"
	"OpenSettle-Chain/internal/registry"
	"OpenSettle-Chain/internal/vault"
)

var (
	apiAgentID    = common.HexToHash("0x01")
	apiCommitment = common.HexToHash("0x02")
	apiAsset      = common.HexToHash("0xaa")
	apiTarget     = common.HexToHash("0xbb")
)

type nopInvoker struct{}

func (nopInvoker) Invoke(context.Context, common.Address, *big.Int, []byte) error { return nil }
func (nopInvoker) Close()                                                         {}

func newTestServer(t *testing.T) (*httptest.Server, *indexer.MemoryHistory) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	reg.Put(registry.AgentRecord{AgentID: apiAgentID, ImageCommitment: apiCommitment})

	adapter := proofs.NewAdapter(proofs.NewDigestChecker())
	manager := vault.NewManager(adapter, vault.NewMemoryStore(), reg,
		vault.NewExecutor(nopInvoker{}, vault.AllowAllPolicy()))
	if _, err := manager.Open(context.Background(), apiAgentID, map[common.Hash]*big.Int{apiAsset: big.NewInt(100)}); err != nil {
		t.Fatalf("open vault: %v", err)
	}

	history := indexer.NewMemoryHistory()
	server := httptest.NewServer(NewServer("", manager, history).Handler())
	t.Cleanup(server.Close)
	t.Cleanup(func() { _ = manager.Close() })
	return server, history
}

func sealedSubmission(nonce uint64) settlementRequest {
	batch := action.EncodeBatch([]action.Action{{
		Type:    action.TypeTransferToken,
		Target:  apiTarget,
		Payload: vault.TransferPayload(apiAsset, big.NewInt(25)),
	}})
	j := &journal.Journal{
		ProtocolVersion:  vault.SupportedProtocolVersion,
		KernelVersion:    vault.SupportedKernelVersion,
		AgentID:          apiAgentID,
		ExecutionNonce:   nonce,
		ActionCommitment: action.BatchDigest(batch),
		ExecutionStatus:  journal.StatusSuccess,
	}
	journalBytes := journal.Encode(j)
	return settlementRequest{
		AgentID: apiAgentID,
		Journal: journalBytes,
		Proof:   proofs.Seal(apiCommitment, journalBytes),
		Actions: batch,
	}
}

func postSettlement(t *testing.T, server *httptest.Server, req settlementRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(server.URL+"/api/v1/settlements", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSubmitSettlement(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postSettlement(t, server, sealedSubmission(1))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var receipt vault.SettlementReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.ExecutionNonce != 1 || receipt.AppliedActions != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	// 余额通过状态查询接口可见。
	stateResp, err := http.Get(server.URL + "/api/v1/vaults?agent_id=" + apiAgentID.Hex())
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer stateResp.Body.Close()
	if stateResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", stateResp.StatusCode)
	}
	var state struct {
		LastExecutionNonce uint64                 `json:"last_execution_nonce"`
		Balances           map[common.Hash]string `json:"balances"`
	}
	if err := json.NewDecoder(stateResp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.LastExecutionNonce != 1 {
		t.Fatalf("expected nonce 1, got %d", state.LastExecutionNonce)
	}
	if state.Balances[apiAsset] != "75" {
		t.Fatalf("expected balance 75, got %q", state.Balances[apiAsset])
	}
}

func TestSubmitSettlementRejections(t *testing.T) {
	server, _ := newTestServer(t)

	// 篡改证明。
	req := sealedSubmission(1)
	req.Proof[0] ^= 0x01
	resp := postSettlement(t, server, req)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("tampered proof: expected 422, got %d", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != string(proofs.CodeProofInvalid) {
		t.Fatalf("expected PROOF_INVALID, got %q", body.Code)
	}

	// journal 长度非法。
	req = sealedSubmission(1)
	req.Journal = req.Journal[:len(req.Journal)-1]
	req.Proof = proofs.Seal(apiCommitment, req.Journal)
	if resp := postSettlement(t, server, req); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short journal: expected 400, got %d", resp.StatusCode)
	}

	// 未开通 vault 的 agent。
	req = sealedSubmission(1)
	req.AgentID = common.HexToHash("0xdead")
	if resp := postSettlement(t, server, req); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown vault: expected 404, got %d", resp.StatusCode)
	}

	// 重放同一三元组。
	if resp := postSettlement(t, server, sealedSubmission(1)); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first submission: expected 201, got %d", resp.StatusCode)
	}
	if resp := postSettlement(t, server, sealedSubmission(1)); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("replay: expected 422, got %d", resp.StatusCode)
	}
}

func TestListSettlements(t *testing.T) {
	server, history := newTestServer(t)
	record := indexer.Record{ReceiptID: "receipt-1", AgentID: apiAgentID, ExecutionNonce: 1, SettledAt: 100}
	if err := history.Append(context.Background(), record); err != nil {
		t.Fatalf("append: %v", err)
	}

	resp, err := http.Get(server.URL + "/api/v1/settlements?agent_id=" + apiAgentID.Hex() + "&limit=5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var records []indexer.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].ReceiptID != "receipt-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/settlements", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}

	// hexutil: 非法的十六进制负载直接拒绝。
	resp2, err := http.Post(server.URL+"/api/v1/settlements", "application/json",
		bytes.NewReader([]byte(`{"agent_id":"0x01","journal":"zz"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp2.StatusCode)
	}
}
