package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/native/stable"
	"stablemint/observability"
)

const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeEngineFailure  = -32000
)

// RPCRequest is the JSON-RPC 2.0 envelope accepted by the server.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// Server exposes the engine's public surface over JSON-RPC. Mutating calls
// are serialized under mu so concurrent clients queue instead of tripping the
// engine's reentrancy guard, which is reserved for nested calls.
type Server struct {
	engine  *stable.Engine
	metrics *observability.EngineMetrics
	log     *slog.Logger

	mu sync.Mutex
}

func NewServer(engine *stable.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		metrics: observability.Metrics(),
		log:     logger,
	}
}

// Start serves requests on addr until the listener fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "malformed request", err.Error())
		return
	}

	switch req.Method {
	case "stable_depositCollateral":
		s.handleDepositCollateral(w, &req)
	case "stable_depositCollateralAndMint":
		s.handleDepositCollateralAndMint(w, &req)
	case "stable_mint":
		s.handleMint(w, &req)
	case "stable_redeemCollateral":
		s.handleRedeemCollateral(w, &req)
	case "stable_redeemCollateralAndBurn":
		s.handleRedeemCollateralAndBurn(w, &req)
	case "stable_burn":
		s.handleBurn(w, &req)
	case "stable_liquidate":
		s.handleLiquidate(w, &req)
	case "stable_getAccountInformation":
		s.handleGetAccountInformation(w, &req)
	case "stable_getHealthFactor":
		s.handleGetHealthFactor(w, &req)
	case "stable_getUsdValue":
		s.handleGetUsdValue(w, &req)
	case "stable_getTokenAmountFromUsd":
		s.handleGetTokenAmountFromUsd(w, &req)
	case "stable_getCollateralTokens":
		s.handleGetCollateralTokens(w, &req)
	case "stable_getConstants":
		s.handleGetConstants(w, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "unknown method", req.Method)
	}
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// writeEngineError maps domain failures onto JSON-RPC errors. Validation
// failures report invalid params; everything else is an engine failure with
// the sentinel's message.
func (s *Server) writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	status := http.StatusConflict
	code := codeEngineFailure
	switch {
	case errors.Is(err, stable.ErrZeroAmount), errors.Is(err, stable.ErrTokenNotAllowed):
		status = http.StatusBadRequest
		code = codeInvalidParams
	case errors.Is(err, stable.ErrStalePrice):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, id, code, err.Error(), nil)
}

// mutate runs a state-changing engine call under the server lock.
func (s *Server) mutate(call func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return call()
}

func singleParam[T any](req *RPCRequest) (*T, error) {
	if len(req.Params) != 1 {
		return nil, fmt.Errorf("expected exactly one parameter object")
	}
	params := new(T)
	if err := json.Unmarshal(req.Params[0], params); err != nil {
		return nil, err
	}
	return params, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s %q is not a base-10 integer", field, raw)
	}
	return amount, nil
}

type depositParams struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[depositParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, asset, amount, perr := parseUserAssetAmount(params.User, params.Asset, params.Amount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	err = s.mutate(func() error {
		return s.engine.DepositCollateral(user, asset, amount)
	})
	s.observe("depositCollateral", err, "user", params.User, "asset", params.Asset, "amount", params.Amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type depositAndMintParams struct {
	User             string `json:"user"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateralAmount"`
	MintAmount       string `json:"mintAmount"`
}

func (s *Server) handleDepositCollateralAndMint(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[depositAndMintParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, asset, collateralAmount, perr := parseUserAssetAmount(params.User, params.Asset, params.CollateralAmount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	mintAmount, perr := parseAmount("mintAmount", params.MintAmount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	err = s.mutate(func() error {
		return s.engine.DepositCollateralAndMint(user, asset, collateralAmount, mintAmount)
	})
	s.observe("depositCollateralAndMint", err, "user", params.User, "asset", params.Asset)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type mintParams struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[mintParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, perr := parseAddress("user", params.User)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	amount, perr := parseAmount("amount", params.Amount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	err = s.mutate(func() error {
		return s.engine.Mint(user, amount)
	})
	s.observe("mint", err, "user", params.User, "amount", params.Amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type redeemParams struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleRedeemCollateral(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[redeemParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, asset, amount, perr := parseUserAssetAmount(params.User, params.Asset, params.Amount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	err = s.mutate(func() error {
		return s.engine.RedeemCollateral(user, asset, amount)
	})
	s.observe("redeemCollateral", err, "user", params.User, "asset", params.Asset, "amount", params.Amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type redeemAndBurnParams struct {
	User       string `json:"user"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	BurnAmount string `json:"burnAmount"`
}

func (s *Server) handleRedeemCollateralAndBurn(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[redeemAndBurnParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, asset, amount, perr := parseUserAssetAmount(params.User, params.Asset, params.Amount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	burnAmount, perr := parseAmount("burnAmount", params.BurnAmount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	err = s.mutate(func() error {
		return s.engine.RedeemCollateralAndBurn(user, asset, amount, burnAmount)
	})
	s.observe("redeemCollateralAndBurn", err, "user", params.User, "asset", params.Asset)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleBurn(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[mintParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, perr := parseAddress("user", params.User)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	amount, perr := parseAmount("amount", params.Amount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	err = s.mutate(func() error {
		return s.engine.BurnDebt(user, amount)
	})
	s.observe("burn", err, "user", params.User, "amount", params.Amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type liquidateParams struct {
	Liquidator  string `json:"liquidator"`
	Debtor      string `json:"debtor"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debtToCover"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[liquidateParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	liquidator, perr := parseAddress("liquidator", params.Liquidator)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	debtor, perr := parseAddress("debtor", params.Debtor)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	asset, perr := parseAddress("asset", params.Asset)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	debtToCover, perr := parseAmount("debtToCover", params.DebtToCover)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	err = s.mutate(func() error {
		return s.engine.Liquidate(liquidator, debtor, asset, debtToCover)
	})
	s.observe("liquidate", err, "liquidator", params.Liquidator, "debtor", params.Debtor)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type accountParams struct {
	Address string `json:"address"`
}

type accountInformationResult struct {
	CollateralValueUsd string `json:"collateralValueUsd"`
	Debt               string `json:"debt"`
}

func (s *Server) handleGetAccountInformation(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[accountParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, perr := parseAddress("address", params.Address)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	info, err := s.engine.GetAccountInformation(user)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, accountInformationResult{
		CollateralValueUsd: info.CollateralValueUsd.String(),
		Debt:               info.Debt.String(),
	})
}

func (s *Server) handleGetHealthFactor(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[accountParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	user, perr := parseAddress("address", params.Address)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	factor, err := s.engine.GetHealthFactor(user)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"healthFactor": factor.String()})
}

type valueParams struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleGetUsdValue(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[valueParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	asset, perr := parseAddress("asset", params.Asset)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	amount, perr := parseAmount("amount", params.Amount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	value, err := s.engine.GetUsdValue(asset, amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"usdValue": value.String()})
}

func (s *Server) handleGetTokenAmountFromUsd(w http.ResponseWriter, req *RPCRequest) {
	params, err := singleParam[valueParams](req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	asset, perr := parseAddress("asset", params.Asset)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	usdValue, perr := parseAmount("amount", params.Amount)
	if perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", perr.Error())
		return
	}
	amount, err := s.engine.GetTokenAmountFromUsd(asset, usdValue)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"tokenAmount": amount.String()})
}

func (s *Server) handleGetCollateralTokens(w http.ResponseWriter, req *RPCRequest) {
	tokens := s.engine.CollateralTokens()
	hexed := make([]string, 0, len(tokens))
	for _, token := range tokens {
		hexed = append(hexed, token.Hex())
	}
	writeResult(w, req.ID, map[string][]string{"tokens": hexed})
}

func (s *Server) handleGetConstants(w http.ResponseWriter, req *RPCRequest) {
	writeResult(w, req.ID, map[string]string{
		"minHealthFactor":         s.engine.MinHealthFactor().String(),
		"precision":               s.engine.Precision().String(),
		"feedPrecision":           s.engine.FeedPrecision().String(),
		"additionalFeedPrecision": s.engine.AdditionalFeedPrecision().String(),
		"liquidationBonus":        s.engine.LiquidationBonus().String(),
		"liquidationThreshold":    s.engine.LiquidationThreshold().String(),
		"liquidationPrecision":    s.engine.LiquidationPrecision().String(),
		"stalenessTimeout":        s.engine.StalenessTimeout().String(),
	})
}

func parseUserAssetAmount(userRaw, assetRaw, amountRaw string) (common.Address, common.Address, *big.Int, error) {
	user, err := parseAddress("user", userRaw)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	asset, err := parseAddress("asset", assetRaw)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	amount, err := parseAmount("amount", amountRaw)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	return user, asset, amount, nil
}

// observe records the operation in metrics and logs its outcome.
func (s *Server) observe(operation string, err error, attrs ...any) {
	s.metrics.ObserveOperation(operation, err)
	if err != nil {
		s.log.Warn("engine operation failed", append([]any{"operation", operation, "error", err.Error()}, attrs...)...)
		return
	}
	s.log.Info("engine operation", append([]any{"operation", operation}, attrs...)...)
}
