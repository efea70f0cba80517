package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"OpenSettle-Chain/internal/action"
	xerrors "OpenSettle-Chain/internal/errors"
	"OpenSettle-Chain/internal/indexer"
	"OpenSettle-Chain/internal/journal"
	"OpenSettle-Chain/internal/observability/metrics"
	"OpenSettle-Chain/internal/proofs"
	"OpenSettle-Chain/internal/registry"
	"OpenSettle-Chain/internal/vault"
)

// Settler 定义了服务端所需的结算能力，由 vault.Manager 提供。
type Settler interface {
	Submit(ctx context.Context, agentID common.Hash, journalBytes, proofBytes, actionBatchBytes []byte) (*vault.SettlementReceipt, error)
	State(ctx context.Context, agentID common.Hash) (*vault.VaultState, error)
}

// Server 负责暴露 REST 接口，供外部提交结算并查询回执。
type Server struct {
	addr    string
	settler Settler
	history indexer.History
}

// NewServer 构造 API 服务实例。history 可以为 nil，此时查询接口返回 404。
func NewServer(addr string, settler Settler, history indexer.History) *Server {
	return &Server{addr: addr, settler: settler, history: history}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settlements", instrument("settlements", s.handleSettlements))
	mux.HandleFunc("/api/v1/vaults", instrument("vaults", s.handleVaultState))

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回未绑定监听地址的处理器，供测试与嵌入使用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settlements", instrument("settlements", s.handleSettlements))
	mux.HandleFunc("/api/v1/vaults", instrument("vaults", s.handleVaultState))
	return mux
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitSettlement(w, r)
	case http.MethodGet:
		s.handleListSettlements(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET/POST")
	}
}

type settlementRequest struct {
	AgentID common.Hash   `json:"agent_id"`
	Journal hexutil.Bytes `json:"journal"`
	Proof   hexutil.Bytes `json:"proof"`
	Actions hexutil.Bytes `json:"actions"`
}

// handleSubmitSettlement 接收 (journal, proof, actionBatch) 三元组并触发结算。
func (s *Server) handleSubmitSettlement(w http.ResponseWriter, r *http.Request) {
	if s.settler == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "结算服务未初始化")
		return
	}

	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	receipt, err := s.settler.Submit(r.Context(), req.AgentID, req.Journal, req.Proof, req.Actions)
	if err != nil {
		code := xerrors.CodeOf(err)
		metrics.ObserveSettlement(string(code))
		writeError(w, statusFor(code), code, err.Error())
		return
	}
	metrics.ObserveSettlement("accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(receipt)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "结算历史未启用")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	var agentID common.Hash
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		agentID = common.HexToHash(raw)
	}

	records, err := s.history.List(r.Context(), agentID, limit)
	if err != nil {
		code := xerrors.CodeOf(err)
		writeError(w, statusFor(code), code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

type vaultStateResponse struct {
	AgentID            common.Hash             `json:"agent_id"`
	LastExecutionNonce uint64                  `json:"last_execution_nonce"`
	Balances           map[common.Hash]*bigInt `json:"balances"`
}

// bigInt 以十进制字符串编码余额，避免 JSON number 的精度问题。
type bigInt big.Int

func (b *bigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal((*big.Int)(b).String())
}

func (s *Server) handleVaultState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.settler == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "结算服务未初始化")
		return
	}
	raw := r.URL.Query().Get("agent_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "缺少 agent_id 参数")
		return
	}

	state, err := s.settler.State(r.Context(), common.HexToHash(raw))
	if err != nil {
		code := xerrors.CodeOf(err)
		writeError(w, statusFor(code), code, err.Error())
		return
	}

	resp := vaultStateResponse{
		AgentID:            state.AgentID,
		LastExecutionNonce: state.LastExecutionNonce,
		Balances:           make(map[common.Hash]*bigInt, len(state.Balances)),
	}
	for asset, amount := range state.Balances {
		resp.Balances[asset] = (*bigInt)(new(big.Int).Set(amount))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type errorResponse struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}

// statusFor 将结算错误码映射到 HTTP 状态。
// 编码问题是请求格式错误，校验失败是可解析但不可接受的提交。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, journal.CodeBadJournalLength, action.CodeBadActionBatch:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, vault.CodeVaultNotFound, registry.CodeAgentNotRegistered:
		return http.StatusNotFound
	case xerrors.CodeConflict, vault.CodeVaultConflict:
		return http.StatusConflict
	case proofs.CodeProofInvalid,
		vault.CodeUnsupportedVersion,
		vault.CodeWrongAgent,
		vault.CodeNonceNotIncreasing,
		vault.CodeNonceGapTooLarge,
		vault.CodeExecutionStatusFailure,
		vault.CodeActionCommitmentMismatch,
		vault.CodeUnknownActionType,
		vault.CodeActionExecutionFailed,
		vault.CodeInsufficientBalance,
		vault.CodeTargetCallFailed,
		vault.CodeTargetNotAuthorized:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// instrument 对处理函数记录请求量与时延指标。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeTimeout, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
