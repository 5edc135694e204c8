package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"chainflow/credit"
	"chainflow/crypto"
	"chainflow/custody"
	"chainflow/lending"
	"chainflow/oracle"
)

const testSecret = "rpc-test-secret"

type testStack struct {
	server   *httptest.Server
	admin    crypto.Address
	borrower crypto.Address
}

func testAddress(t *testing.T, fill byte) crypto.Address {
	t.Helper()
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	addr, err := crypto.NewAddress(crypto.Prefix, raw)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	return addr
}

func wad(units int64) *big.Int {
	w := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(units), w)
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	return buildTestStack(t, true)
}

// buildTestStack wires the full service stack. With funded set the borrower
// holds collateral and the treasury carries lending liquidity; otherwise both
// start empty so tests can drive funding over the custody methods.
func buildTestStack(t *testing.T, funded bool) *testStack {
	t.Helper()
	admin := testAddress(t, 0xAA)
	borrower := testAddress(t, 0x01)
	now := int64(1_700_000_000)

	ledger := lending.NewLedger(admin, lending.LiquidationParams{ThresholdBps: 8_000, BonusBps: 500})
	ledger.SetState(lending.NewMemoryState())
	ledger.SetNowFunc(func() int64 { return now })
	if err := ledger.Policy().Set(lending.TierA, lending.TierParams{LTVBps: 7_000, APRBps: 600}); err != nil {
		t.Fatalf("set tier params: %v", err)
	}

	// Half a debt unit per whole collateral unit.
	price, _ := new(big.Int).SetString("500000000000000000", 10)
	agg := oracle.NewAggregator(nil, 0)
	agg.Register("static", oracle.NewStaticSource(price, time.Unix(now, 0)))
	ledger.SetOracle(oracle.NewFeed(agg, "ATOM"))

	vault := custody.NewVault()
	treasury := custody.NewTreasury()
	if funded {
		if err := vault.Deposit(borrower, wad(1_000)); err != nil {
			t.Fatalf("deposit collateral: %v", err)
		}
		if err := treasury.Fund(big.NewInt(1_000_000_000)); err != nil {
			t.Fatalf("fund treasury: %v", err)
		}
	}
	ledger.SetCustody(vault)
	ledger.SetLiquidityPool(treasury)

	registry := credit.NewRegistry(credit.NewMemoryStore(), admin)
	if err := registry.SetTier(admin, borrower, lending.TierA); err != nil {
		t.Fatalf("set credit tier: %v", err)
	}
	ledger.SetTierSource(registry)

	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "chainflow", Audience: "chainflow-rpc"})
	server := NewServer(ledger, registry, nil, vault, treasury, auth, nil, nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testStack{server: ts, admin: admin, borrower: borrower}
}

func (s *testStack) call(t *testing.T, token, method string, params interface{}) (*RPCResponse, int) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, s.server.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.server.Client().Do(req)
	if err != nil {
		t.Fatalf("rpc call: %v", err)
	}
	defer resp.Body.Close()
	decoded := &RPCResponse{}
	if err := json.NewDecoder(resp.Body).Decode(decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded, resp.StatusCode
}

func adminToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   "chainflow",
		"aud":   "chainflow-rpc",
		"sub":   subject,
		"scope": ScopeAdmin,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func resultMap(t *testing.T, resp *RPCResponse) map[string]interface{} {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape %T", resp.Result)
	}
	return result
}

func TestOpenRepayLifecycleOverRPC(t *testing.T) {
	stack := newTestStack(t)

	resp, status := stack.call(t, "", "lending_openLoan", map[string]string{
		"borrower":   stack.borrower.String(),
		"collateral": wad(100).String(),
		"debt":       "35000000",
	})
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	opened := resultMap(t, resp)
	if opened["loanId"] != float64(1) {
		t.Fatalf("unexpected loan id %v", opened["loanId"])
	}

	resp, _ = stack.call(t, "", "lending_getLoan", map[string]uint64{"loanId": 1})
	loan := resultMap(t, resp)
	if loan["borrower"] != stack.borrower.String() {
		t.Fatalf("unexpected borrower %v", loan["borrower"])
	}
	if loan["debtAmount"] != "35000000" {
		t.Fatalf("unexpected debt %v", loan["debtAmount"])
	}
	if loan["active"] != true {
		t.Fatalf("expected active loan")
	}

	resp, _ = stack.call(t, "", "lending_repay", map[string]interface{}{
		"caller": stack.borrower.String(),
		"loanId": 1,
		"amount": "35000000",
	})
	repaid := resultMap(t, resp)
	if repaid["remainingDebt"] != "0" {
		t.Fatalf("unexpected remaining debt %v", repaid["remainingDebt"])
	}
	if repaid["closed"] != true {
		t.Fatalf("expected closed loan")
	}

	resp, _ = stack.call(t, "", "lending_listLoans", nil)
	listed := resultMap(t, resp)
	ids, ok := listed["loanIds"].([]interface{})
	if !ok || len(ids) != 1 {
		t.Fatalf("unexpected loan ids %v", listed["loanIds"])
	}
}

func TestFundingOverRPCEnablesLending(t *testing.T) {
	stack := buildTestStack(t, false)
	token := adminToken(t, stack.admin.String())

	openParams := map[string]string{
		"borrower":   stack.borrower.String(),
		"collateral": wad(100).String(),
		"debt":       "35000000",
	}

	// With nothing deposited origination fails at the liquidity check.
	resp, _ := stack.call(t, "", "lending_openLoan", openParams)
	if resp.Error == nil || resp.Error.Code != codeServerError {
		t.Fatalf("expected liquidity rejection, got %v", resp.Error)
	}

	resp, status := stack.call(t, token, "treasury_fund", map[string]string{"amount": "1000000000"})
	if status != http.StatusOK {
		t.Fatalf("unexpected fund status %d", status)
	}
	if funded := resultMap(t, resp); funded["reserve"] != "1000000000" {
		t.Fatalf("unexpected reserve %v", funded["reserve"])
	}

	resp, _ = stack.call(t, token, "custody_deposit", map[string]string{
		"owner":  stack.borrower.String(),
		"amount": wad(100).String(),
	})
	if deposited := resultMap(t, resp); deposited["freeBalance"] != wad(100).String() {
		t.Fatalf("unexpected free balance %v", deposited["freeBalance"])
	}

	resp, _ = stack.call(t, "", "lending_openLoan", openParams)
	opened := resultMap(t, resp)
	if opened["loanId"] != float64(1) {
		t.Fatalf("unexpected loan id %v", opened["loanId"])
	}

	resp, _ = stack.call(t, "", "custody_balances", map[string]string{"owner": stack.borrower.String()})
	balances := resultMap(t, resp)
	if balances["freeBalance"] != "0" {
		t.Fatalf("expected collateral escrowed, got free %v", balances["freeBalance"])
	}
	if balances["heldBalance"] != wad(100).String() {
		t.Fatalf("unexpected held balance %v", balances["heldBalance"])
	}
	if balances["debtBalance"] != "35000000" {
		t.Fatalf("expected disbursed debt, got %v", balances["debtBalance"])
	}

	resp, _ = stack.call(t, "", "lending_repay", map[string]interface{}{
		"caller": stack.borrower.String(),
		"loanId": 1,
		"amount": "35000000",
	})
	repaid := resultMap(t, resp)
	if repaid["closed"] != true {
		t.Fatalf("expected closed loan, got %v", resp.Result)
	}

	resp, _ = stack.call(t, "", "treasury_balance", nil)
	if reserve := resultMap(t, resp); reserve["reserve"] != "1000000000" {
		t.Fatalf("expected reserve restored, got %v", reserve["reserve"])
	}

	// Funding methods stay behind the admin token.
	resp, status = stack.call(t, "", "treasury_fund", map[string]string{"amount": "1"})
	if status != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized fund, got status=%d error=%v", status, resp.Error)
	}
}

func TestHealthAndPreviewEndpoints(t *testing.T) {
	stack := newTestStack(t)
	stack.call(t, "", "lending_openLoan", map[string]string{
		"borrower":   stack.borrower.String(),
		"collateral": wad(100).String(),
		"debt":       "35000000",
	})

	resp, _ := stack.call(t, "", "lending_healthFactor", map[string]uint64{"loanId": 1})
	health := resultMap(t, resp)
	// Collateral value 50 units against 35 debt units is 10/7 health.
	if health["healthFactor"] != "1428571428571428571" {
		t.Fatalf("unexpected health factor %v", health["healthFactor"])
	}

	resp, _ = stack.call(t, "", "lending_previewDebt", map[string]uint64{"loanId": 1})
	preview := resultMap(t, resp)
	if preview["debt"] != "35000000" {
		t.Fatalf("unexpected preview %v", preview["debt"])
	}
}

func TestAdminMethodsRequireToken(t *testing.T) {
	stack := newTestStack(t)

	params := map[string]interface{}{"tier": 1, "ltvBps": 6_000, "aprBps": 900}
	resp, status := stack.call(t, "", "lending_setTierParams", params)
	if status != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got status=%d error=%v", status, resp.Error)
	}

	resp, status = stack.call(t, adminToken(t, stack.admin.String()), "lending_setTierParams", params)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	updated := resultMap(t, resp)
	if updated["updated"] != true {
		t.Fatalf("expected update confirmation, got %v", resp.Result)
	}

	// A valid token whose subject lacks the admin capability is rejected by
	// the ledger itself.
	resp, _ = stack.call(t, adminToken(t, stack.borrower.String()), "lending_setTierParams", params)
	if resp.Error == nil || resp.Error.Code != codeServerError {
		t.Fatalf("expected capability rejection, got %v", resp.Error)
	}
}

func TestCreditMethodsOverRPC(t *testing.T) {
	stack := newTestStack(t)
	token := adminToken(t, stack.admin.String())
	subject := testAddress(t, 0x33)

	resp, _ := stack.call(t, token, "credit_setTier", map[string]interface{}{
		"borrower": subject.String(),
		"tier":     2,
	})
	if updated := resultMap(t, resp); updated["updated"] != true {
		t.Fatalf("expected tier update, got %v", resp.Result)
	}

	resp, _ = stack.call(t, token, "credit_commitScore", map[string]interface{}{
		"borrower": subject.String(),
		"score":    712,
		"salt":     "00ff",
	})
	committed := resultMap(t, resp)
	if committed["digest"] == "" {
		t.Fatalf("expected digest in response")
	}

	resp, _ = stack.call(t, "", "credit_verifyScore", map[string]interface{}{
		"borrower": subject.String(),
		"score":    712,
		"salt":     "00ff",
	})
	if verified := resultMap(t, resp); verified["valid"] != true {
		t.Fatalf("expected valid reveal, got %v", resp.Result)
	}

	resp, _ = stack.call(t, "", "credit_verifyScore", map[string]interface{}{
		"borrower": subject.String(),
		"score":    999,
		"salt":     "00ff",
	})
	if verified := resultMap(t, resp); verified["valid"] != false {
		t.Fatalf("expected invalid reveal, got %v", resp.Result)
	}
}

func TestMalformedRequests(t *testing.T) {
	stack := newTestStack(t)

	resp, status := stack.call(t, "", "lending_unknown", nil)
	if status != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got status=%d error=%v", status, resp.Error)
	}

	resp, status = stack.call(t, "", "lending_openLoan", map[string]string{
		"borrower":   "not-an-address",
		"collateral": "1",
		"debt":       "1",
	})
	if status != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params, got status=%d error=%v", status, resp.Error)
	}

	raw, err := http.Post(stack.server.URL, "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected parse failure status, got %d", raw.StatusCode)
	}
}

func TestRateLimiterThrottles(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d unexpectedly throttled", i)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected throttle, got %d", rec.Code)
	}

	// A different client keeps its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected independent bucket, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	stack := newTestStack(t)
	resp, err := stack.server.Client().Get(stack.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("unexpected body %+v", body)
	}
}
