// Package fulfill drives agreement conditions through submit, bounded event
// wait and outcome classification.
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"datagate/internal/crypto"
	"datagate/internal/keeper"
)

// Outcome classifies a fulfillment attempt.
type Outcome int

const (
	// Confirmed: the fulfillment event was observed, or the permission
	// already exists on-chain.
	Confirmed Outcome = iota
	// Unconfirmed: the event wait timed out. Advisory only — the underlying
	// transaction may still land; the caller may retry.
	Unconfirmed
	// Rejected: the ledger reverted the transaction. Not retryable without a
	// new agreement.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Unconfirmed:
		return "unconfirmed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DefaultWait bounds event waits when the caller does not override it.
const DefaultWait = 15 * time.Second

// Coordinator fulfills conditions in order: lock reward, then grant. All
// idempotency and cross-request serialization is the ledger's job; the
// coordinator only classifies what it observes.
type Coordinator struct {
	Ledger keeper.Ledger
	Wait   time.Duration
	Log    *zap.SugaredLogger
}

func (c *Coordinator) wait() time.Duration {
	if c.Wait > 0 {
		return c.Wait
	}
	return DefaultWait
}

// LockReward approves the amount for escrow and fulfills the lock condition,
// then waits for the fulfillment event.
func (c *Coordinator) LockReward(ctx context.Context, agreementID string, amount uint64, consumer *crypto.Account) (Outcome, error) {
	amt := strconv.FormatUint(amount, 10)
	if _, err := c.Ledger.SubmitTransaction(ctx, keeper.ContractToken, keeper.MethodApprove, map[string]string{
		"spender": keeper.ContractLockReward,
		"amount":  amt,
	}, consumer); err != nil {
		return c.classifySubmit("lock reward approve", agreementID, err)
	}
	if _, err := c.Ledger.SubmitTransaction(ctx, keeper.ContractLockReward, keeper.MethodFulfill, map[string]string{
		"agreementId":   agreementID,
		"rewardAddress": keeper.ContractEscrowReward,
		"amount":        amt,
	}, consumer); err != nil {
		return c.classifySubmit("lock reward fulfill", agreementID, err)
	}
	return c.WaitForFulfillment(ctx, keeper.ContractLockReward, agreementID, c.wait())
}

// GrantAccess fulfills the access condition as the provider and waits for its
// event. A lost event is tolerated: if the permission is already visible
// on-chain the grant counts as confirmed.
func (c *Coordinator) GrantAccess(ctx context.Context, agreementID, assetID string, consumer crypto.Address, provider *crypto.Account) (Outcome, error) {
	return c.grant(ctx, keeper.ContractAccess, agreementID, assetID, consumer, provider)
}

// GrantCompute fulfills the compute execution condition.
func (c *Coordinator) GrantCompute(ctx context.Context, agreementID, assetID string, consumer crypto.Address, provider *crypto.Account) (Outcome, error) {
	return c.grant(ctx, keeper.ContractCompute, agreementID, assetID, consumer, provider)
}

func (c *Coordinator) grant(ctx context.Context, contract, agreementID, assetID string, consumer crypto.Address, provider *crypto.Account) (Outcome, error) {
	_, err := c.Ledger.SubmitTransaction(ctx, contract, keeper.MethodFulfill, map[string]string{
		"agreementId": agreementID,
		"assetId":     assetID,
		"grantee":     string(consumer),
	}, provider)
	if err != nil {
		if errors.Is(err, keeper.ErrTransactionReverted) {
			// The revert may race a grant that already happened.
			if ok, permErr := c.Ledger.CheckPermission(ctx, assetID, consumer); permErr == nil && ok {
				return Confirmed, nil
			}
			c.log().Warnw("grant rejected", "agreement_id", agreementID, "asset_id", assetID, "err", err)
			return Rejected, nil
		}
		return Unconfirmed, fmt.Errorf("grant submit: %w", err)
	}
	outcome, err := c.WaitForFulfillment(ctx, contract, agreementID, c.wait())
	if err != nil {
		return outcome, err
	}
	if outcome == Unconfirmed {
		// The event can be lost while the state change still occurred.
		if ok, permErr := c.Ledger.CheckPermission(ctx, assetID, consumer); permErr == nil && ok {
			return Confirmed, nil
		}
	}
	return outcome, nil
}

// WaitForFulfillment waits for the condition's Fulfilled event, bounded by
// timeout and by ctx. A deadline hit yields Unconfirmed, never an error: the
// coordinator's timeout is advisory, not authoritative over ledger state.
func (c *Coordinator) WaitForFulfillment(ctx context.Context, contract, agreementID string, timeout time.Duration) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.Ledger.SubscribeEvent(waitCtx,
		keeper.EventRef{Contract: contract, Name: keeper.EventFulfilled},
		map[string]string{"agreementId": agreementID}, 0)
	switch {
	case err == nil:
		return Confirmed, nil
	case errors.Is(err, keeper.ErrTimeout):
		c.log().Infow("condition unconfirmed", "contract", contract, "agreement_id", agreementID)
		return Unconfirmed, nil
	default:
		return Unconfirmed, fmt.Errorf("wait for %s fulfillment: %w", contract, err)
	}
}

func (c *Coordinator) classifySubmit(step, agreementID string, err error) (Outcome, error) {
	if errors.Is(err, keeper.ErrTransactionReverted) {
		c.log().Warnw("submit rejected", "step", step, "agreement_id", agreementID, "err", err)
		return Rejected, nil
	}
	return Unconfirmed, fmt.Errorf("%s: %w", step, err)
}

func (c *Coordinator) log() *zap.SugaredLogger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop().Sugar()
}
