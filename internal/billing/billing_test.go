package billing

import (
	"context"
	"testing"
)

func TestUnlimitedAlwaysAllows(t *testing.T) {
	var svc Service = Unlimited{}

	check, err := svc.CheckBalance(context.Background(), "any")
	if err != nil {
		t.Fatalf("CheckBalance failed: %v", err)
	}
	if !check.Allowed || !check.Unlimited {
		t.Errorf("got %+v, want allowed+unlimited", check)
	}

	res, err := svc.RecordCost(context.Background(), CostRecord{ProviderCostUSD: 1.5})
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if res.BillableCostUSD != 1.5 || res.Markup != 0 {
		t.Errorf("got %+v, want pass-through cost", res)
	}
}

func TestLedgerDebitsWithMarkup(t *testing.T) {
	l := NewLedger(map[string]float64{"proj-1": 10}, 0.2, 1)

	check, err := l.CheckBalance(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("CheckBalance failed: %v", err)
	}
	if !check.Allowed || check.BalanceRemaining != 10 {
		t.Errorf("got %+v", check)
	}

	res, err := l.RecordCost(context.Background(), CostRecord{ProjectID: "proj-1", ProviderCostUSD: 5})
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if res.BillableCostUSD != 6 {
		t.Errorf("billable = %f, want 6 (20%% markup)", res.BillableCostUSD)
	}
	if balance, _ := l.Balance("proj-1"); balance != 4 {
		t.Errorf("balance = %f, want 4", balance)
	}
}

func TestLedgerBlocksUnknownAndBrokeProjects(t *testing.T) {
	l := NewLedger(map[string]float64{"broke": 0}, 0, 1)

	check, _ := l.CheckBalance(context.Background(), "unknown")
	if check.Allowed {
		t.Error("unknown project should be blocked")
	}

	check, _ = l.CheckBalance(context.Background(), "broke")
	if check.Allowed || check.Reason != "insufficient balance" {
		t.Errorf("got %+v", check)
	}
}

func TestLedgerLowBalanceLine(t *testing.T) {
	l := NewLedger(map[string]float64{"proj-1": 2}, 0, 1)

	if l.LowBalance("proj-1") {
		t.Error("balance 2 is above the line")
	}
	if _, err := l.RecordCost(context.Background(), CostRecord{ProjectID: "proj-1", ProviderCostUSD: 1.5}); err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if !l.LowBalance("proj-1") {
		t.Error("balance 0.5 should be low")
	}
}
