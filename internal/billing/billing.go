// Package billing is the metering contract the queue consumes. The real
// service lives outside this process; the implementations here cover
// standalone and test runs.
package billing

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skylens/llmgate/pkg/types"
)

type BalanceCheck struct {
	Allowed          bool
	Reason           string
	BalanceRemaining float64
	Unlimited        bool
}

type CostRecord struct {
	ProjectID       string
	ProviderCostUSD float64
	Usage           types.TokenUsage
	Model           string
	Provider        string
	Context         string
	RequestID       string
}

type CostResult struct {
	BillableCostUSD float64
	Markup          float64
}

type Service interface {
	CheckBalance(ctx context.Context, projectID string) (*BalanceCheck, error)
	RecordCost(ctx context.Context, rec CostRecord) (*CostResult, error)
	NotifyLowBalance(ctx context.Context, projectID string)
	NotifyInsufficientBalance(ctx context.Context, projectID, reason string)
}

// Unlimited passes every check and meters nothing. Default for
// standalone deployments with no billing backend.
type Unlimited struct{}

func (Unlimited) CheckBalance(context.Context, string) (*BalanceCheck, error) {
	return &BalanceCheck{Allowed: true, Unlimited: true}, nil
}

func (Unlimited) RecordCost(_ context.Context, rec CostRecord) (*CostResult, error) {
	return &CostResult{BillableCostUSD: rec.ProviderCostUSD}, nil
}

func (Unlimited) NotifyLowBalance(context.Context, string)            {}
func (Unlimited) NotifyInsufficientBalance(context.Context, string, string) {}

// Ledger meters against in-memory project balances with a flat markup.
// Notifications just log; wiring real alerting is the deployment's job.
type Ledger struct {
	mu                sync.Mutex
	balances          map[string]float64
	markup            float64
	lowBalanceUSD     float64
	log               *logrus.Entry
}

func NewLedger(balances map[string]float64, markup, lowBalanceUSD float64) *Ledger {
	if balances == nil {
		balances = make(map[string]float64)
	}
	return &Ledger{
		balances:      balances,
		markup:        markup,
		lowBalanceUSD: lowBalanceUSD,
		log:           logrus.WithField("component", "billing"),
	}
}

func (l *Ledger) CheckBalance(_ context.Context, projectID string) (*BalanceCheck, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[projectID]
	if !ok {
		return &BalanceCheck{Allowed: false, Reason: "no billing account for project"}, nil
	}
	if balance <= 0 {
		return &BalanceCheck{Allowed: false, Reason: "insufficient balance", BalanceRemaining: balance}, nil
	}
	return &BalanceCheck{Allowed: true, BalanceRemaining: balance}, nil
}

func (l *Ledger) RecordCost(_ context.Context, rec CostRecord) (*CostResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	billable := rec.ProviderCostUSD * (1 + l.markup)
	l.balances[rec.ProjectID] -= billable

	l.log.WithFields(logrus.Fields{
		"project_id": rec.ProjectID,
		"request_id": rec.RequestID,
		"provider":   rec.Provider,
		"model":      rec.Model,
		"cost_usd":   billable,
	}).Debug("cost recorded")

	return &CostResult{BillableCostUSD: billable, Markup: l.markup}, nil
}

// Balance reports a project's remaining balance; ok is false for
// projects the ledger does not know.
func (l *Ledger) Balance(projectID string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[projectID]
	return b, ok
}

// LowBalance reports whether the project has crossed the notify line.
func (l *Ledger) LowBalance(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[projectID]
	return ok && b < l.lowBalanceUSD
}

func (l *Ledger) NotifyLowBalance(_ context.Context, projectID string) {
	l.log.WithField("project_id", projectID).Warn("project balance is low")
}

func (l *Ledger) NotifyInsufficientBalance(_ context.Context, projectID, reason string) {
	l.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"reason":     reason,
	}).Warn("request rejected for insufficient balance")
}
