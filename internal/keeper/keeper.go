// Package keeper defines the ledger gateway contract: transaction submission,
// deadline-bounded event subscription and permission checks. The ledger is the
// source of truth for condition idempotency and ordering.
package keeper

import (
	"context"
	"errors"

	"datagate/internal/crypto"
	"datagate/internal/domain"
)

// Contract references understood by the ledger.
const (
	ContractToken          = "Token"
	ContractAgreementStore = "AgreementStoreManager"
	ContractLockReward     = "LockRewardCondition"
	ContractAccess         = "AccessSecretStoreCondition"
	ContractCompute        = "ComputeExecutionCondition"
	ContractEscrowReward   = "EscrowRewardCondition"
)

// Methods.
const (
	MethodApprove         = "approve"
	MethodFulfill         = "fulfill"
	MethodCreateAgreement = "createAgreement"
)

// Event names.
const (
	EventAgreementCreated = "AgreementCreated"
	EventFulfilled        = "Fulfilled"
)

var (
	ErrTimeout             = errors.New("event wait timed out")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConnection          = errors.New("ledger connection failed")
	ErrAgreementNotFound   = errors.New("agreement not found")
)

// TxReceipt reports the outcome of a submitted transaction. Submission success
// does not imply finality; callers wait for the matching event.
type TxReceipt struct {
	TxHash string
	Status uint64
	Block  uint64
}

// Event is an emitted ledger event.
type Event struct {
	Contract string
	Name     string
	Block    uint64
	Args     map[string]string
}

// EventRef selects an event stream.
type EventRef struct {
	Contract string
	Name     string
}

// Ledger is the gateway to the transactional system of record. Implementations
// must bound SubscribeEvent by the context deadline and treat repeated
// fulfillment of the same condition as success.
type Ledger interface {
	SubmitTransaction(ctx context.Context, contract, method string, args map[string]string, signer *crypto.Account) (TxReceipt, error)
	SubscribeEvent(ctx context.Context, ref EventRef, filter map[string]string, fromBlock uint64) (*Event, error)
	CheckPermission(ctx context.Context, assetID string, addr crypto.Address) (bool, error)
	GetAgreement(ctx context.Context, agreementID string) (domain.Agreement, error)
}
