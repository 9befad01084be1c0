package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"datagate/internal/agreement"
	"datagate/internal/authtoken"
	"datagate/internal/crypto"
	"datagate/internal/db"
	"datagate/internal/domain"
	"datagate/internal/events"
	"datagate/internal/fulfill"
	"datagate/internal/keeper"
	"datagate/internal/migrate"
	"datagate/internal/operator"
	"datagate/internal/proxy"
	"datagate/internal/registry"
	"datagate/internal/secretstore"
)

type fixture struct {
	gw       *Gateway
	ledger   *keeper.DevLedger
	provider *crypto.Account
	consumer *crypto.Account
	upstream *httptest.Server
	assetID  string
}

// publisherCredential signs an asset id with the given account.
func publisherCredential(t *testing.T, assetID string, acct *crypto.Account) string {
	t.Helper()
	sig, err := crypto.Sign(crypto.HashWithPrefix(assetID), acct)
	if err != nil {
		t.Fatalf("sign asset id: %v", err)
	}
	return crypto.EncodeSignature(sig)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	provider, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	consumer, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "a,b\n1,2\n")
	}))
	t.Cleanup(upstream.Close)

	ledger := keeper.NewDevLedger()
	gw := &Gateway{
		Provider:     provider,
		Ledger:       ledger,
		Orchestrator: &agreement.Orchestrator{Ledger: ledger},
		Coordinator:  &fulfill.Coordinator{Ledger: ledger, Wait: time.Second},
		Tokens:       authtoken.New("", time.Hour),
		Secrets:      secretstore.NewMemory(),
		Registry:     registry.Store{DB: conn},
		Events:       events.Writer{DB: conn},
		Resolver:     proxy.Resolver{},
		InitWait:     time.Second,
	}

	f := &fixture{gw: gw, ledger: ledger, provider: provider, consumer: consumer, upstream: upstream, assetID: "0xasset1"}
	_, err = gw.RegisterAsset(context.Background(), domain.Asset{
		ID:    f.assetID,
		Name:  "weather set",
		Price: 10,
		Files: []domain.FileDescriptor{{URL: upstream.URL + "/weather", ContentType: "text/csv"}},
	}, publisherCredential(t, f.assetID, provider))
	if err != nil {
		t.Fatalf("register asset: %v", err)
	}
	return f
}

// agree creates an agreement and fulfills lock reward as the consumer.
func (f *fixture) agree(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.gw.Orchestrator.CreateAgreement(ctx, f.consumer, f.gw.Provider.Address, f.assetID, agreement.ServiceAccess, agreement.Terms{Price: 10})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	outcome, err := f.gw.Coordinator.LockReward(ctx, id, 10, f.consumer)
	if err != nil || outcome != fulfill.Confirmed {
		t.Fatalf("lock reward: %s %v", outcome, err)
	}
	return id
}

func TestInitializeAccessGrantsPermission(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	outcome, err := f.gw.InitializeAccess(context.Background(), id)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if outcome != fulfill.Confirmed {
		t.Fatalf("outcome %s", outcome)
	}
	ok, err := f.ledger.CheckPermission(context.Background(), f.assetID, f.consumer.Address)
	if err != nil || !ok {
		t.Fatalf("permission not set: ok=%v err=%v", ok, err)
	}
}

func TestRegisterAssetHidesLocations(t *testing.T) {
	f := newFixture(t)
	asset, err := f.gw.Registry.Get(context.Background(), f.assetID)
	if err != nil {
		t.Fatal(err)
	}
	if asset.EncryptedFiles == "" {
		t.Fatal("encrypted files missing")
	}
	for _, file := range asset.Files {
		if file.URL != "" {
			t.Fatalf("published document leaks url %s", file.URL)
		}
	}
	if asset.Files[0].ContentType != "text/csv" {
		t.Fatalf("metadata lost: %+v", asset.Files[0])
	}
}

func TestConsumeWithTokenAndIndex(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	if _, err := f.gw.InitializeAccess(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	token, err := f.gw.Tokens.Issue(f.consumer)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err = f.gw.Consume(rec, req, ConsumeRequest{
		AgreementID: id,
		Consumer:    f.consumer.Address,
		Credential:  token,
		Index:       0,
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if rec.Body.String() != "a,b\n1,2\n" {
		t.Fatalf("body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type %s", ct)
	}
}

func TestConsumeWithAgreementSignature(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	if _, err := f.gw.InitializeAccess(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(crypto.HashWithPrefix(id), f.consumer)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err = f.gw.Consume(rec, req, ConsumeRequest{
		AgreementID: id,
		Consumer:    f.consumer.Address,
		Credential:  crypto.EncodeSignature(sig),
	})
	if err != nil {
		t.Fatalf("consume with signature: %v", err)
	}
}

func TestConsumeDeniedWithoutGrant(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	token, _ := f.gw.Tokens.Issue(f.consumer)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err := f.gw.Consume(rec, req, ConsumeRequest{AgreementID: id, Consumer: f.consumer.Address, Credential: token})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestConsumeRejectsForeignCredential(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	if _, err := f.gw.InitializeAccess(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	stranger, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	token, _ := f.gw.Tokens.Issue(stranger)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err = f.gw.Consume(rec, req, ConsumeRequest{AgreementID: id, Consumer: f.consumer.Address, Credential: token})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestRegisterAssetRequiresPublisherSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asset := domain.Asset{
		ID:    "0xasset2",
		Files: []domain.FileDescriptor{{URL: f.upstream.URL + "/more"}},
	}
	if _, err := f.gw.RegisterAsset(ctx, asset, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing signature: expected ErrInvalidRequest, got %v", err)
	}
	stranger, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.gw.RegisterAsset(ctx, asset, publisherCredential(t, asset.ID, stranger)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("foreign signature: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := f.gw.RegisterAsset(ctx, asset, publisherCredential(t, asset.ID, f.provider)); err != nil {
		t.Fatalf("owner signature rejected: %v", err)
	}
}

func TestConsumeDirectURLNeedsNoCredential(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	if _, err := f.gw.InitializeAccess(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err := f.gw.Consume(rec, req, ConsumeRequest{
		AgreementID: id,
		Consumer:    f.consumer.Address,
		URL:         f.upstream.URL + "/weather",
	})
	if err != nil {
		t.Fatalf("consume by url: %v", err)
	}
	if rec.Body.String() != "a,b\n1,2\n" {
		t.Fatalf("body %q", rec.Body.String())
	}
}

func TestConsumeDirectURLStillNeedsPermission(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	// Lock fulfilled, access never granted: the url shortcut must not bypass
	// the on-chain permission.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err := f.gw.Consume(rec, req, ConsumeRequest{
		AgreementID: id,
		Consumer:    f.consumer.Address,
		URL:         f.upstream.URL + "/weather",
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestConsumeWithoutURLOrCredential(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err := f.gw.Consume(rec, req, ConsumeRequest{AgreementID: id, Consumer: f.consumer.Address})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// fakeOperator records compute submissions without checking auth.
func fakeOperator(t *testing.T) (*httptest.Server, *operator.StartRequest, *[]string) {
	t.Helper()
	var last operator.StartRequest
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPost {
			if err := json.NewDecoder(r.Body).Decode(&last); err != nil {
				t.Errorf("decode start request: %v", err)
			}
			json.NewEncoder(w).Encode(operator.Job{JobID: "job-1", AgreementID: last.AgreementID, Status: "queued"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "{}")
	}))
	t.Cleanup(srv.Close)
	return srv, &last, &calls
}

func TestStartComputeSubmitsWorkflow(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	if _, err := f.gw.InitializeAccess(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	opSrv, last, _ := fakeOperator(t)
	f.gw.Operator = &operator.Client{BaseURL: opSrv.URL, Secret: "shh"}
	f.gw.ComputeOutput = operator.Output{NodeURI: opSrv.URL, PublishOutput: true}
	token, err := f.gw.Tokens.Issue(f.consumer)
	if err != nil {
		t.Fatal(err)
	}

	job, err := f.gw.StartCompute(context.Background(), id, f.consumer.Address, token, operator.Algorithm{URL: "https://algos.example/transform.py"})
	if err != nil {
		t.Fatalf("start compute: %v", err)
	}
	if job.JobID != "job-1" {
		t.Fatalf("job %+v", job)
	}
	if last.Owner != string(f.consumer.Address) {
		t.Fatalf("workflow owner %s", last.Owner)
	}
	if len(last.Workflow.Stages) != 1 {
		t.Fatalf("stages %+v", last.Workflow.Stages)
	}
	stage := last.Workflow.Stages[0]
	if len(stage.Input) != 1 || len(stage.Input[0].URLs) != 1 || stage.Input[0].URLs[0] != f.upstream.URL+"/weather" {
		t.Fatalf("stage inputs lost the decrypted locations: %+v", stage.Input)
	}
	if stage.Algorithm.URL != "https://algos.example/transform.py" {
		t.Fatalf("algorithm %+v", stage.Algorithm)
	}
	if stage.Output.Owner != string(f.consumer.Address) || !stage.Output.PublishOutput {
		t.Fatalf("output section %+v", stage.Output)
	}
}

func TestStartComputeRequiresAlgorithm(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	opSrv, _, _ := fakeOperator(t)
	f.gw.Operator = &operator.Client{BaseURL: opSrv.URL, Secret: "shh"}
	token, _ := f.gw.Tokens.Issue(f.consumer)
	_, err := f.gw.StartCompute(context.Background(), id, f.consumer.Address, token, operator.Algorithm{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDeleteComputeRemovesJob(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	opSrv, _, calls := fakeOperator(t)
	f.gw.Operator = &operator.Client{BaseURL: opSrv.URL, Secret: "shh"}
	if err := f.gw.DeleteCompute(context.Background(), id, "job-1"); err != nil {
		t.Fatalf("delete compute: %v", err)
	}
	want := "DELETE /compute/" + id + "/job-1"
	if len(*calls) != 1 || (*calls)[0] != want {
		t.Fatalf("operator calls %v, want %s", *calls, want)
	}
}

func TestConsumeIndexOutOfRange(t *testing.T) {
	f := newFixture(t)
	id := f.agree(t)
	if _, err := f.gw.InitializeAccess(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	token, _ := f.gw.Tokens.Issue(f.consumer)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume", nil)
	err := f.gw.Consume(rec, req, ConsumeRequest{AgreementID: id, Consumer: f.consumer.Address, Credential: token, Index: 5})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
