package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"chainflow/crypto"
	"chainflow/indexer"
	"chainflow/lending"
)

// decodeParams accepts either a bare params object or the single-element
// positional array some JSON-RPC clients send.
func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("params required")
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return err
		}
		if len(list) != 1 {
			return fmt.Errorf("expected a single params object")
		}
		raw = list[0]
	}
	return json.Unmarshal(raw, dst)
}

func parseAmount(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s amount %q", field, raw)
	}
	return value, nil
}

func parseAddress(field, raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s address: %v", field, err)
	}
	return addr, nil
}

// LoanResult is the wire form of a loan snapshot.
type LoanResult struct {
	ID               uint64 `json:"id"`
	Borrower         string `json:"borrower"`
	CollateralAmount string `json:"collateralAmount"`
	DebtAmount       string `json:"debtAmount"`
	InterestRateBps  uint64 `json:"interestRateBps"`
	CreatedAt        int64  `json:"createdAt"`
	LastAccruedAt    int64  `json:"lastAccruedAt"`
	Active           bool   `json:"active"`
}

func newLoanResult(loan *lending.Loan) LoanResult {
	result := LoanResult{
		ID:              loan.ID,
		Borrower:        loan.Borrower.String(),
		InterestRateBps: loan.InterestRateBps,
		CreatedAt:       loan.CreatedAt,
		LastAccruedAt:   loan.LastAccruedAt,
		Active:          loan.Active,
	}
	result.CollateralAmount = bigString(loan.CollateralAmount)
	result.DebtAmount = bigString(loan.DebtAmount)
	return result
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) writeLedgerError(w http.ResponseWriter, req *RPCRequest, err error) {
	s.metrics.ObserveRPCRequest(req.Method, "error")
	writeError(w, http.StatusOK, req.ID, codeServerError, err.Error(), nil)
}

func (s *Server) writeParamsError(w http.ResponseWriter, req *RPCRequest, err error) {
	s.metrics.ObserveRPCRequest(req.Method, "invalid_params")
	writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
}

func (s *Server) writeOK(w http.ResponseWriter, req *RPCRequest, result interface{}) {
	s.metrics.ObserveRPCRequest(req.Method, "ok")
	writeResult(w, req.ID, result)
}

func (s *Server) handleOpenLoan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Borrower   string `json:"borrower"`
		Collateral string `json:"collateral"`
		Debt       string `json:"debt"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	borrower, err := parseAddress("borrower", params.Borrower)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	collateral, err := parseAmount("collateral", params.Collateral)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	debt, err := parseAmount("debt", params.Debt)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	loanID, err := s.ledger.OpenLoan(borrower, collateral, debt)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]uint64{"loanId": loanID})
}

func (s *Server) handleRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller string `json:"caller"`
		LoanID uint64 `json:"loanId"`
		Amount string `json:"amount"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	amount, err := parseAmount("repay", params.Amount)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	remaining, err := s.ledger.Repay(params.LoanID, caller, amount)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]interface{}{
		"remainingDebt": remaining.String(),
		"closed":        remaining.Sign() == 0,
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller   string `json:"caller"`
		LoanID   uint64 `json:"loanId"`
		MaxRepay string `json:"maxRepay"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	maxRepay, err := parseAmount("maxRepay", params.MaxRepay)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	seized, err := s.ledger.Liquidate(params.LoanID, caller, maxRepay)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"seizedCollateral": seized.String()})
}

type loanIDParams struct {
	LoanID uint64 `json:"loanId"`
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanIDParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	hf, err := s.ledger.HealthFactor(params.LoanID)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"healthFactor": hf.String()})
}

func (s *Server) handlePreviewDebt(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanIDParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	debt, err := s.ledger.PreviewDebt(params.LoanID)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"debt": debt.String()})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params loanIDParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	loan, err := s.ledger.GetLoan(params.LoanID)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, newLoanResult(loan))
}

func (s *Server) handleListLoans(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	ids, err := s.ledger.LoanIDs()
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	s.writeOK(w, req, map[string][]uint64{"loanIds": ids})
}

// LoanEventResult is the wire form of an indexed lifecycle event.
type LoanEventResult struct {
	Type       string `json:"type"`
	LoanID     uint64 `json:"loanId"`
	Borrower   string `json:"borrower,omitempty"`
	Liquidator string `json:"liquidator,omitempty"`
	Collateral string `json:"collateral,omitempty"`
	Debt       string `json:"debt,omitempty"`
	Closed     bool   `json:"closed"`
	CreatedAt  int64  `json:"createdAt"`
}

func newLoanEventResult(row indexer.LoanEvent) LoanEventResult {
	return LoanEventResult{
		Type:       row.Type,
		LoanID:     row.LoanID,
		Borrower:   row.Borrower,
		Liquidator: row.Liquidator,
		Collateral: row.Collateral,
		Debt:       row.Debt,
		Closed:     row.Closed,
		CreatedAt:  row.CreatedAt.Unix(),
	}
}

func (s *Server) handleLoanEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.index == nil {
		s.writeLedgerError(w, req, fmt.Errorf("event index disabled"))
		return
	}
	var params loanIDParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	rows, err := s.index.LoanHistory(params.LoanID)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	results := make([]LoanEventResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, newLoanEventResult(row))
	}
	s.writeOK(w, req, results)
}

func (s *Server) adminCaller(r *http.Request, w http.ResponseWriter, req *RPCRequest) (crypto.Address, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		s.metrics.ObserveRPCRequest(req.Method, "unauthorized")
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "authentication required", nil)
		return crypto.Address{}, false
	}
	caller, err := SubjectAddress(claims)
	if err != nil {
		s.metrics.ObserveRPCRequest(req.Method, "unauthorized")
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, err.Error(), nil)
		return crypto.Address{}, false
	}
	return caller, true
}

func (s *Server) handleSetTierParams(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.adminCaller(r, w, req)
	if !ok {
		return
	}
	var params struct {
		Tier   uint8  `json:"tier"`
		LTVBps uint64 `json:"ltvBps"`
		APRBps uint64 `json:"aprBps"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	err := s.ledger.SetTierParams(caller, lending.Tier(params.Tier), lending.TierParams{
		LTVBps: params.LTVBps,
		APRBps: params.APRBps,
	})
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]bool{"updated": true})
}

func (s *Server) handleSetLiquidationParams(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.adminCaller(r, w, req)
	if !ok {
		return
	}
	var params struct {
		ThresholdBps uint64 `json:"thresholdBps"`
		BonusBps     uint64 `json:"bonusBps"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	err := s.ledger.SetLiquidationParams(caller, lending.LiquidationParams{
		ThresholdBps: params.ThresholdBps,
		BonusBps:     params.BonusBps,
	})
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]bool{"updated": true})
}

func (s *Server) handleSetCreditTier(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.registry == nil {
		s.writeLedgerError(w, req, fmt.Errorf("credit registry disabled"))
		return
	}
	caller, ok := s.adminCaller(r, w, req)
	if !ok {
		return
	}
	var params struct {
		Borrower string `json:"borrower"`
		Tier     uint8  `json:"tier"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	borrower, err := parseAddress("borrower", params.Borrower)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	if err := s.registry.SetTier(caller, borrower, lending.Tier(params.Tier)); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]bool{"updated": true})
}

func (s *Server) handleCommitScore(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.registry == nil {
		s.writeLedgerError(w, req, fmt.Errorf("credit registry disabled"))
		return
	}
	caller, ok := s.adminCaller(r, w, req)
	if !ok {
		return
	}
	var params struct {
		Borrower string `json:"borrower"`
		Score    uint64 `json:"score"`
		Salt     string `json:"salt"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	borrower, err := parseAddress("borrower", params.Borrower)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	salt, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Salt), "0x"))
	if err != nil {
		s.writeParamsError(w, req, fmt.Errorf("invalid salt: %v", err))
		return
	}
	digest, err := s.registry.CommitScore(caller, borrower, params.Score, salt)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"digest": hex.EncodeToString(digest[:])})
}

func (s *Server) handleVerifyScore(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.registry == nil {
		s.writeLedgerError(w, req, fmt.Errorf("credit registry disabled"))
		return
	}
	var params struct {
		Borrower string `json:"borrower"`
		Score    uint64 `json:"score"`
		Salt     string `json:"salt"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	borrower, err := parseAddress("borrower", params.Borrower)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	salt, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Salt), "0x"))
	if err != nil {
		s.writeParamsError(w, req, fmt.Errorf("invalid salt: %v", err))
		return
	}
	if err := s.registry.VerifyScore(borrower, params.Score, salt); err != nil {
		s.writeOK(w, req, map[string]interface{}{"valid": false, "reason": err.Error()})
		return
	}
	s.writeOK(w, req, map[string]interface{}{"valid": true})
}
