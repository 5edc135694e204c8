package rpc

import (
	"fmt"
	"net/http"
)

// Custody methods bridge external asset movements into the ledger's
// collateral vault and debt treasury. Deposits and funding are privileged
// because the process has no on-chain settlement layer to verify transfers
// against; the operator attests to them.

type ownerAmountParams struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

func (s *Server) handleCustodyDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.vault == nil {
		s.writeLedgerError(w, req, fmt.Errorf("collateral vault disabled"))
		return
	}
	if _, ok := s.adminCaller(r, w, req); !ok {
		return
	}
	var params ownerAmountParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	amount, err := parseAmount("deposit", params.Amount)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	if err := s.vault.Deposit(owner, amount); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"freeBalance": s.vault.FreeBalance(owner).String()})
}

func (s *Server) handleCustodyWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.vault == nil {
		s.writeLedgerError(w, req, fmt.Errorf("collateral vault disabled"))
		return
	}
	if _, ok := s.adminCaller(r, w, req); !ok {
		return
	}
	var params ownerAmountParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	amount, err := parseAmount("withdraw", params.Amount)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	if err := s.vault.Withdraw(owner, amount); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"freeBalance": s.vault.FreeBalance(owner).String()})
}

func (s *Server) handleCustodyBalances(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.vault == nil {
		s.writeLedgerError(w, req, fmt.Errorf("collateral vault disabled"))
		return
	}
	var params struct {
		Owner string `json:"owner"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	result := map[string]string{
		"freeBalance": s.vault.FreeBalance(owner).String(),
		"heldBalance": s.vault.HeldBalance(owner).String(),
	}
	if s.treasury != nil {
		result["debtBalance"] = s.treasury.AccountBalance(owner).String()
	}
	s.writeOK(w, req, result)
}

func (s *Server) handleTreasuryFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.treasury == nil {
		s.writeLedgerError(w, req, fmt.Errorf("treasury disabled"))
		return
	}
	if _, ok := s.adminCaller(r, w, req); !ok {
		return
	}
	var params struct {
		Amount string `json:"amount"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	amount, err := parseAmount("fund", params.Amount)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	if err := s.treasury.Fund(amount); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"reserve": s.treasury.Balance().String()})
}

func (s *Server) handleTreasuryCredit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.treasury == nil {
		s.writeLedgerError(w, req, fmt.Errorf("treasury disabled"))
		return
	}
	if _, ok := s.adminCaller(r, w, req); !ok {
		return
	}
	var params struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	account, err := parseAddress("account", params.Account)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	amount, err := parseAmount("credit", params.Amount)
	if err != nil {
		s.writeParamsError(w, req, err)
		return
	}
	if err := s.treasury.Credit(account, amount); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeOK(w, req, map[string]string{"accountBalance": s.treasury.AccountBalance(account).String()})
}

func (s *Server) handleTreasuryBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.treasury == nil {
		s.writeLedgerError(w, req, fmt.Errorf("treasury disabled"))
		return
	}
	s.writeOK(w, req, map[string]string{"reserve": s.treasury.Balance().String()})
}
