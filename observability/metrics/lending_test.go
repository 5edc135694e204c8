package metrics

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"chainflow/core/events"
	"chainflow/oracle"
)

func TestRecorderCountsLifecycleEvents(t *testing.T) {
	recorder := NewRecorder()
	m := Lending()

	recorder.Emit(events.LoanOpened{LoanID: 1, Tier: 2, CollateralAmount: big.NewInt(1), DebtAmount: big.NewInt(1)})
	recorder.Emit(events.LoanRepaid{LoanID: 1, Amount: big.NewInt(1), RemainingDebt: big.NewInt(0), Closed: true})
	recorder.Emit(events.LoanRepaid{LoanID: 2, Amount: big.NewInt(1), RemainingDebt: big.NewInt(5)})
	recorder.Emit(events.LoanLiquidated{LoanID: 3, RepaidDebt: big.NewInt(1), SeizedCollateral: big.NewInt(1)})
	recorder.Emit(events.TierParamsUpdated{Tier: 1, LTVBps: 6000, APRBps: 900})
	recorder.Emit(events.CreditTierUpdated{Tier: 1})

	if got := testutil.ToFloat64(m.loansOpened.WithLabelValues("2")); got != 1 {
		t.Fatalf("unexpected opened count %f", got)
	}
	if got := testutil.ToFloat64(m.loansRepaid.WithLabelValues("closed")); got != 1 {
		t.Fatalf("unexpected closed repay count %f", got)
	}
	if got := testutil.ToFloat64(m.loansRepaid.WithLabelValues("partial")); got != 1 {
		t.Fatalf("unexpected partial repay count %f", got)
	}
	if got := testutil.ToFloat64(m.loansLiquidated); got != 1 {
		t.Fatalf("unexpected liquidation count %f", got)
	}
	if got := testutil.ToFloat64(m.paramUpdates.WithLabelValues("tier")); got != 1 {
		t.Fatalf("unexpected param update count %f", got)
	}
	if got := testutil.ToFloat64(m.creditUpdates.WithLabelValues("tier")); got != 1 {
		t.Fatalf("unexpected credit update count %f", got)
	}
}

type failingSource struct{}

func (failingSource) Quote(string) (oracle.Quote, error) {
	return oracle.Quote{}, errors.New("upstream down")
}

func TestAggregatorFailuresFeedCounter(t *testing.T) {
	m := Lending()
	before := testutil.ToFloat64(m.oracleFailures.WithLabelValues("flaky"))

	agg := oracle.NewAggregator(nil, time.Minute)
	agg.SetFailureHook(m.ObserveOracleFailure)
	agg.Register("flaky", failingSource{})

	if _, err := agg.Price("atom"); err == nil {
		t.Fatalf("expected lookup failure")
	}
	if got := testutil.ToFloat64(m.oracleFailures.WithLabelValues("flaky")); got != before+1 {
		t.Fatalf("unexpected failure count %f", got)
	}
}

func TestObserveHelpersTolerateEmptyLabels(t *testing.T) {
	m := Lending()
	m.ObserveOracleFailure("")
	m.ObserveRPCRequest("", "error")

	if got := testutil.ToFloat64(m.oracleFailures.WithLabelValues("unknown")); got < 1 {
		t.Fatalf("oracle failure not recorded: %f", got)
	}
	if got := testutil.ToFloat64(m.rpcRequests.WithLabelValues("unknown", "error")); got < 1 {
		t.Fatalf("rpc request not recorded: %f", got)
	}
}
