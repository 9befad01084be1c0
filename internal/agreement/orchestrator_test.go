package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"datagate/internal/crypto"
	"datagate/internal/keeper"
)

func TestConditionIDsDeterministic(t *testing.T) {
	tpl, err := TemplateFor(ServiceAccess)
	if err != nil {
		t.Fatal(err)
	}
	a := ConditionIDs("0xagr", "0xasset", "0xconsumer", "0xprovider", tpl)
	b := ConditionIDs("0xagr", "0xasset", "0xconsumer", "0xprovider", tpl)
	if len(a) != len(tpl.Conditions) {
		t.Fatalf("got %d condition ids, want %d", len(a), len(tpl.Conditions))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("condition id %d not deterministic: %s vs %s", i, a[i], b[i])
		}
	}
	// Distinct agreements must not collide.
	c := ConditionIDs("0xother", "0xasset", "0xconsumer", "0xprovider", tpl)
	for i := range a {
		if a[i] == c[i] {
			t.Fatalf("condition id %d collides across agreements", i)
		}
	}
	// Conditions within one agreement are pairwise distinct.
	seen := map[string]bool{}
	for _, id := range a {
		if seen[id] {
			t.Fatalf("duplicate condition id %s", id)
		}
		seen[id] = true
	}
}

func TestCreateAgreementAndWait(t *testing.T) {
	ledger := keeper.NewDevLedger()
	consumer, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	provider, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	o := &Orchestrator{Ledger: ledger}

	id, err := o.CreateAgreement(context.Background(), consumer, provider.Address, "asset-7", ServiceAccess, Terms{Price: 10})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if err := o.WaitForCreation(context.Background(), id, time.Second); err != nil {
		t.Fatalf("wait for creation: %v", err)
	}

	agr, err := ledger.GetAgreement(context.Background(), id)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if agr.AssetID != "asset-7" {
		t.Fatalf("asset id %s", agr.AssetID)
	}
	if agr.Consumer != string(consumer.Address) {
		t.Fatalf("consumer %s, want %s", agr.Consumer, consumer.Address)
	}
	if len(agr.ConditionIDs) != 3 || len(agr.Timeouts) != 3 {
		t.Fatalf("conditions %d timeouts %d", len(agr.ConditionIDs), len(agr.Timeouts))
	}
	if agr.Timeouts[0] != DefaultTimeout {
		t.Fatalf("timeout %d, want %d", agr.Timeouts[0], DefaultTimeout)
	}

	tpl, _ := TemplateFor(ServiceAccess)
	want := ConditionIDs(id, "asset-7", string(consumer.Address), string(provider.Address), tpl)
	for i := range want {
		if agr.ConditionIDs[i] != want[i] {
			t.Fatalf("recorded condition id %d differs from recomputed", i)
		}
	}
}

func TestCreateAgreementRejectsBadBinding(t *testing.T) {
	ledger := keeper.NewDevLedger()
	consumer, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	o := &Orchestrator{Ledger: ledger}
	_, err = o.CreateAgreement(context.Background(), consumer, "", "asset-7", ServiceAccess, Terms{})
	if !errors.Is(err, ErrTemplateBinding) {
		t.Fatalf("expected ErrTemplateBinding, got %v", err)
	}
	_, err = o.CreateAgreement(context.Background(), consumer, "0xprov", "asset-7", ServiceType("staking"), Terms{})
	if !errors.Is(err, ErrUnknownServiceType) {
		t.Fatalf("expected ErrUnknownServiceType, got %v", err)
	}
}
