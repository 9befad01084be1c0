package keeper

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"datagate/internal/crypto"
	"datagate/internal/domain"
)

// DevLedger is an in-process Ledger for local runs and tests. It enforces the
// same invariants the on-chain contracts do: duplicate agreements revert,
// fulfilling a fulfilled condition is a no-op success, and access cannot be
// granted before the reward lock unless the permission already exists.
type DevLedger struct {
	mu          sync.Mutex
	block       uint64
	txSeq       uint64
	agreements  map[string]domain.Agreement
	fulfilled   map[string]bool            // contract + "/" + agreementID
	approvals   map[string]uint64          // owner + "/" + spender
	permissions map[string]map[string]bool // assetID -> lower(addr)
	events      []Event
	subs        map[int]chan Event
	nextSub     int
}

// NewDevLedger returns an empty dev ledger.
func NewDevLedger() *DevLedger {
	return &DevLedger{
		agreements:  make(map[string]domain.Agreement),
		fulfilled:   make(map[string]bool),
		approvals:   make(map[string]uint64),
		permissions: make(map[string]map[string]bool),
		subs:        make(map[int]chan Event),
	}
}

func (l *DevLedger) SubmitTransaction(ctx context.Context, contract, method string, args map[string]string, signer *crypto.Account) (TxReceipt, error) {
	if signer == nil || !signer.CanSign() {
		return TxReceipt{}, fmt.Errorf("%w: transaction requires a signing account", ErrTransactionReverted)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	switch contract + "." + method {
	case ContractAgreementStore + "." + MethodCreateAgreement:
		err = l.createAgreement(args, signer)
	case ContractToken + "." + MethodApprove:
		err = l.approve(args, signer)
	case ContractLockReward + "." + MethodFulfill:
		err = l.fulfillLockReward(args, signer)
	case ContractAccess + "." + MethodFulfill:
		err = l.fulfillGrant(ContractAccess, args)
	case ContractCompute + "." + MethodFulfill:
		err = l.fulfillGrant(ContractCompute, args)
	default:
		err = fmt.Errorf("%w: unknown method %s.%s", ErrTransactionReverted, contract, method)
	}
	if err != nil {
		return TxReceipt{}, err
	}
	l.txSeq++
	return TxReceipt{TxHash: fmt.Sprintf("0x%064x", l.txSeq), Status: 1, Block: l.block}, nil
}

func (l *DevLedger) createAgreement(args map[string]string, signer *crypto.Account) error {
	id := args["agreementId"]
	if id == "" || !isHexID(id) {
		return fmt.Errorf("%w: malformed agreement id %q", ErrTransactionReverted, id)
	}
	if _, exists := l.agreements[id]; exists {
		return fmt.Errorf("%w: agreement %s already exists", ErrTransactionReverted, id)
	}
	conditionIDs := splitList(args["conditionIds"])
	if len(conditionIDs) == 0 {
		return fmt.Errorf("%w: agreement without conditions", ErrTransactionReverted)
	}
	agr := domain.Agreement{
		ID:           id,
		AssetID:      args["assetId"],
		TemplateID:   args["templateId"],
		ConditionIDs: conditionIDs,
		Timelocks:    splitInts(args["timelocks"]),
		Timeouts:     splitInts(args["timeouts"]),
		Actors:       splitList(args["actors"]),
		Consumer:     string(signer.Address),
		Block:        l.block + 1,
	}
	l.agreements[id] = agr
	l.emit(ContractAgreementStore, EventAgreementCreated, map[string]string{
		"agreementId": id,
		"assetId":     agr.AssetID,
	})
	return nil
}

func (l *DevLedger) approve(args map[string]string, signer *crypto.Account) error {
	amount, err := strconv.ParseUint(args["amount"], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad approve amount %q", ErrTransactionReverted, args["amount"])
	}
	l.approvals[strings.ToLower(string(signer.Address))+"/"+args["spender"]] = amount
	return nil
}

func (l *DevLedger) fulfillLockReward(args map[string]string, signer *crypto.Account) error {
	id := args["agreementId"]
	agr, ok := l.agreements[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionReverted, ErrAgreementNotFound)
	}
	key := ContractLockReward + "/" + id
	if l.fulfilled[key] {
		return nil // idempotent: already locked
	}
	amount, err := strconv.ParseUint(args["amount"], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad lock amount %q", ErrTransactionReverted, args["amount"])
	}
	approved := l.approvals[strings.ToLower(string(signer.Address))+"/"+ContractLockReward]
	if approved < amount {
		return fmt.Errorf("%w: approved %d below lock amount %d", ErrTransactionReverted, approved, amount)
	}
	l.fulfilled[key] = true
	l.emit(ContractLockReward, EventFulfilled, map[string]string{
		"agreementId": id,
		"assetId":     agr.AssetID,
	})
	return nil
}

// fulfillGrant handles access and compute grants. The lock condition must be
// fulfilled first unless the grantee already holds the permission.
func (l *DevLedger) fulfillGrant(contract string, args map[string]string) error {
	id := args["agreementId"]
	agr, ok := l.agreements[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionReverted, ErrAgreementNotFound)
	}
	key := contract + "/" + id
	if l.fulfilled[key] {
		return nil // idempotent: already granted
	}
	assetID := args["assetId"]
	if assetID == "" {
		assetID = agr.AssetID
	}
	grantee := strings.ToLower(args["grantee"])
	if grantee == "" {
		return fmt.Errorf("%w: grant without grantee", ErrTransactionReverted)
	}
	if !l.fulfilled[ContractLockReward+"/"+id] && !l.permissions[assetID][grantee] {
		return fmt.Errorf("%w: reward not locked for agreement %s", ErrTransactionReverted, id)
	}
	if l.permissions[assetID] == nil {
		l.permissions[assetID] = make(map[string]bool)
	}
	l.permissions[assetID][grantee] = true
	l.fulfilled[key] = true
	l.emit(contract, EventFulfilled, map[string]string{
		"agreementId": id,
		"assetId":     assetID,
		"grantee":     grantee,
	})
	return nil
}

func (l *DevLedger) emit(contract, name string, args map[string]string) {
	l.block++
	evt := Event{Contract: contract, Name: name, Block: l.block, Args: args}
	l.events = append(l.events, evt)
	for _, ch := range l.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (l *DevLedger) SubscribeEvent(ctx context.Context, ref EventRef, filter map[string]string, fromBlock uint64) (*Event, error) {
	l.mu.Lock()
	for _, evt := range l.events {
		if evt.Block >= fromBlock && matches(evt, ref, filter) {
			e := evt
			l.mu.Unlock()
			return &e, nil
		}
	}
	ch := make(chan Event, 16)
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case evt := <-ch:
			if evt.Block >= fromBlock && matches(evt, ref, filter) {
				return &evt, nil
			}
		}
	}
}

func (l *DevLedger) CheckPermission(ctx context.Context, assetID string, addr crypto.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.permissions[assetID][strings.ToLower(string(addr))], nil
}

func (l *DevLedger) GetAgreement(ctx context.Context, agreementID string) (domain.Agreement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agr, ok := l.agreements[agreementID]
	if !ok {
		return domain.Agreement{}, ErrAgreementNotFound
	}
	return agr, nil
}

// SetPermission seeds an on-chain permission directly, for dev scenarios where
// access was granted under an earlier agreement.
func (l *DevLedger) SetPermission(assetID string, addr crypto.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.permissions[assetID] == nil {
		l.permissions[assetID] = make(map[string]bool)
	}
	l.permissions[assetID][strings.ToLower(string(addr))] = true
}

func matches(evt Event, ref EventRef, filter map[string]string) bool {
	if evt.Contract != ref.Contract || evt.Name != ref.Name {
		return false
	}
	for k, v := range filter {
		if evt.Args[k] != v {
			return false
		}
	}
	return true
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func splitInts(s string) []int64 {
	parts := splitList(s)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func isHexID(s string) bool {
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != 64 {
		return false
	}
	_, err := hex.DecodeString(trimmed)
	return err == nil
}

// JoinList renders list arguments the way DevLedger parses them.
func JoinList(items []string) string { return strings.Join(items, ",") }

// JoinInts renders integer list arguments.
func JoinInts(items []int64) string {
	parts := make([]string, len(items))
	for i, n := range items {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return strings.Join(parts, ",")
}
