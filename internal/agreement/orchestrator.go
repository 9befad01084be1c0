// Package agreement derives condition identifiers and records new agreements
// on the ledger.
package agreement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"datagate/internal/crypto"
	"datagate/internal/keeper"
)

// Terms carries the per-service agreement terms.
type Terms struct {
	Price           uint64
	TimeoutSeconds  int64
	TimelockSeconds int64
}

// DefaultTimeout is the condition window used when the service declares none.
const DefaultTimeout int64 = 3600

// Orchestrator submits agreements and waits for their creation events.
type Orchestrator struct {
	Ledger keeper.Ledger
	Log    *zap.SugaredLogger
}

// NewAgreementID returns a fresh random 32-byte identifier. Randomness is the
// collision guarantee; ids are never derived from agreement contents.
func NewAgreementID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("agreement id: %w", err)
	}
	return "0x" + hex.EncodeToString(raw[:]), nil
}

// ConditionIDs derives the agreement's condition identifiers. Both parties can
// recompute these independently; the derivation is pure.
func ConditionIDs(agreementID, assetID, consumer, provider string, tpl Template) []string {
	ids := make([]string, len(tpl.Conditions))
	for i, name := range tpl.Conditions {
		sum := crypto.Keccak256(
			[]byte(agreementID),
			[]byte(assetID),
			[]byte(consumer),
			[]byte(provider),
			[]byte(tpl.ID),
			[]byte(name),
		)
		ids[i] = "0x" + hex.EncodeToString(sum)
	}
	return ids
}

// CreateAgreement records a new agreement on the ledger, signed by the
// consumer. The returned id is not final until the creation event is observed;
// use WaitForCreation.
func (o *Orchestrator) CreateAgreement(ctx context.Context, consumer *crypto.Account, provider crypto.Address, assetID string, st ServiceType, terms Terms) (string, error) {
	tpl, err := TemplateFor(st)
	if err != nil {
		return "", err
	}
	actors, err := tpl.BindActors(string(consumer.Address), string(provider))
	if err != nil {
		return "", err
	}
	agreementID, err := NewAgreementID()
	if err != nil {
		return "", err
	}
	conditionIDs := ConditionIDs(agreementID, assetID, string(consumer.Address), string(provider), tpl)

	timeout := terms.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timelocks := make([]int64, len(conditionIDs))
	timeouts := make([]int64, len(conditionIDs))
	for i := range conditionIDs {
		timelocks[i] = terms.TimelockSeconds
		timeouts[i] = timeout
	}

	_, err = o.Ledger.SubmitTransaction(ctx, keeper.ContractAgreementStore, keeper.MethodCreateAgreement, map[string]string{
		"agreementId":  agreementID,
		"assetId":      assetID,
		"templateId":   tpl.ID,
		"conditionIds": keeper.JoinList(conditionIDs),
		"timelocks":    keeper.JoinInts(timelocks),
		"timeouts":     keeper.JoinInts(timeouts),
		"actors":       keeper.JoinList(actors),
	}, consumer)
	if err != nil {
		return "", fmt.Errorf("submit agreement: %w", err)
	}
	if o.Log != nil {
		o.Log.Infow("agreement submitted", "agreement_id", agreementID, "asset_id", assetID, "template", tpl.Name)
	}
	return agreementID, nil
}

// WaitForCreation blocks until the agreement's creation event is observed or
// the timeout elapses.
func (o *Orchestrator) WaitForCreation(ctx context.Context, agreementID string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := o.Ledger.SubscribeEvent(waitCtx,
		keeper.EventRef{Contract: keeper.ContractAgreementStore, Name: keeper.EventAgreementCreated},
		map[string]string{"agreementId": agreementID}, 0)
	if err != nil {
		return fmt.Errorf("agreement %s not confirmed: %w", agreementID, err)
	}
	return nil
}
