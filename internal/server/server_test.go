package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"datagate/internal/agreement"
	"datagate/internal/authtoken"
	"datagate/internal/crypto"
	"datagate/internal/db"
	"datagate/internal/events"
	"datagate/internal/fulfill"
	"datagate/internal/gateway"
	"datagate/internal/keeper"
	"datagate/internal/migrate"
	"datagate/internal/operator"
	"datagate/internal/proxy"
	"datagate/internal/registry"
	"datagate/internal/secretstore"
)

type testEnv struct {
	srv      *httptest.Server
	gw       *gateway.Gateway
	ledger   *keeper.DevLedger
	consumer *crypto.Account
	upstream *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
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
		io.WriteString(w, "payload-bytes")
	}))
	t.Cleanup(upstream.Close)

	ledger := keeper.NewDevLedger()
	gw := &gateway.Gateway{
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
	handler, err := New(Config{Gateway: gw, BasePath: "/api/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, gw: gw, ledger: ledger, consumer: consumer, upstream: upstream}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	return res, raw
}

// signPublish produces the publisher address and signature over an asset id.
func (e *testEnv) signPublish(t *testing.T, assetID string) (string, string) {
	t.Helper()
	sig, err := crypto.Sign(crypto.HashWithPrefix(assetID), e.gw.Provider)
	if err != nil {
		t.Fatalf("sign asset id: %v", err)
	}
	return string(e.gw.Provider.Address), crypto.EncodeSignature(sig)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	res, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
}

func TestPublishAndFetchAsset(t *testing.T) {
	e := newTestEnv(t)
	addr, sig := e.signPublish(t, "0xasset1")
	res, body := doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/publish", map[string]any{
		"id":               "0xasset1",
		"name":             "weather set",
		"price":            10,
		"publisherAddress": addr,
		"signature":        sig,
		"files":            []map[string]any{{"url": e.upstream.URL + "/weather.csv", "contentType": "text/csv"}},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish status %d: %s", res.StatusCode, body)
	}
	var published AssetResponse
	if err := json.Unmarshal(body, &published); err != nil {
		t.Fatalf("decode publish response: %v", err)
	}
	if published.EncryptedFiles == "" {
		t.Fatal("publish response missing encrypted files")
	}
	if len(published.Files) != 1 || published.Files[0].URL != "" {
		t.Fatalf("published files leak urls: %+v", published.Files)
	}

	res, body = doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/services/assets/0xasset1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/services/assets/0xmissing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing asset status %d: %s", res.StatusCode, body)
	}
}

func TestPublishRejectsEmptyBody(t *testing.T) {
	e := newTestEnv(t)
	res, body := doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/publish", map[string]any{
		"id": "0xasset1",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
}

func TestPublishRequiresPublisherSignature(t *testing.T) {
	e := newTestEnv(t)
	addr, _ := e.signPublish(t, "0xasset1")
	files := []map[string]any{{"url": e.upstream.URL + "/weather.csv"}}

	// No signature at all: 400.
	res, body := doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/publish", map[string]any{
		"id": "0xasset1", "publisherAddress": addr, "files": files,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing signature status %d: %s", res.StatusCode, body)
	}

	// Signed by someone other than the publisher: 401.
	stranger, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	strangerSig, err := crypto.Sign(crypto.HashWithPrefix("0xasset1"), stranger)
	if err != nil {
		t.Fatal(err)
	}
	res, body = doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/publish", map[string]any{
		"id": "0xasset1", "publisherAddress": addr, "signature": crypto.EncodeSignature(strangerSig), "files": files,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("foreign signature status %d: %s", res.StatusCode, body)
	}

	// The legacy signedDocumentId field carries the same signature.
	_, sig := e.signPublish(t, "0xasset1")
	res, body = doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/publish", map[string]any{
		"id": "0xasset1", "publisherAddress": addr, "signedDocumentId": sig, "files": files,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("signedDocumentId alias status %d: %s", res.StatusCode, body)
	}
}

// fullFlow publishes an asset, agrees, locks and initializes access.
func (e *testEnv) fullFlow(t *testing.T) string {
	t.Helper()
	addr, sig := e.signPublish(t, "0xasset1")
	res, body := doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/publish", map[string]any{
		"id":               "0xasset1",
		"price":            10,
		"publisherAddress": addr,
		"signature":        sig,
		"files":            []map[string]any{{"url": e.upstream.URL + "/data.bin", "contentType": "application/octet-stream"}},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish status %d: %s", res.StatusCode, body)
	}
	ctx := context.Background()
	id, err := e.gw.Orchestrator.CreateAgreement(ctx, e.consumer, e.gw.Provider.Address, "0xasset1", agreement.ServiceAccess, agreement.Terms{Price: 10})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	outcome, err := e.gw.Coordinator.LockReward(ctx, id, 10, e.consumer)
	if err != nil || outcome != fulfill.Confirmed {
		t.Fatalf("lock: %s %v", outcome, err)
	}
	res, body = doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/access/initialize", InitializeRequest{AgreementID: id})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize status %d: %s", res.StatusCode, body)
	}
	var init InitializeResponse
	if err := json.Unmarshal(body, &init); err != nil {
		t.Fatal(err)
	}
	if init.Outcome != "confirmed" {
		t.Fatalf("initialize outcome %s", init.Outcome)
	}
	return id
}

func TestConsumeEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	id := e.fullFlow(t)
	token, err := e.gw.Tokens.Issue(e.consumer)
	if err != nil {
		t.Fatal(err)
	}
	url := fmt.Sprintf("%s/api/v1/services/consume?serviceAgreementId=%s&consumerAddress=%s&signature=%s&index=0",
		e.srv.URL, id, e.consumer.Address, token)
	res, body := doJSON(t, http.MethodGet, url, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consume status %d: %s", res.StatusCode, body)
	}
	if string(body) != "payload-bytes" {
		t.Fatalf("consume body %q", body)
	}
	if cd := res.Header.Get("Content-Disposition"); cd == "" {
		t.Fatal("missing content disposition")
	}
}

func TestConsumeUnauthorizedAndForbidden(t *testing.T) {
	e := newTestEnv(t)
	id := e.fullFlow(t)

	// Garbage credential: 401.
	url := fmt.Sprintf("%s/api/v1/services/consume?serviceAgreementId=%s&consumerAddress=%s&signature=0xdead&index=0",
		e.srv.URL, id, e.consumer.Address)
	res, body := doJSON(t, http.MethodGet, url, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad credential status %d: %s", res.StatusCode, body)
	}

	// A different consumer with its own valid token: not party to the
	// agreement, 403.
	other, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	token, err := e.gw.Tokens.Issue(other)
	if err != nil {
		t.Fatal(err)
	}
	url = fmt.Sprintf("%s/api/v1/services/consume?serviceAgreementId=%s&consumerAddress=%s&signature=%s&index=0",
		e.srv.URL, id, other.Address, token)
	res, body = doJSON(t, http.MethodGet, url, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign consumer status %d: %s", res.StatusCode, body)
	}

	// Missing params: 400.
	res, body = doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/services/consume", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing params status %d: %s", res.StatusCode, body)
	}
}

func TestConsumeDirectURL(t *testing.T) {
	e := newTestEnv(t)
	id := e.fullFlow(t)
	// The consumer already holds the location: no signature, no index.
	endpoint := fmt.Sprintf("%s/api/v1/services/consume?serviceAgreementId=%s&consumerAddress=%s&url=%s",
		e.srv.URL, id, e.consumer.Address, url.QueryEscape(e.upstream.URL+"/data.bin"))
	res, body := doJSON(t, http.MethodGet, endpoint, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("direct url status %d: %s", res.StatusCode, body)
	}
	if string(body) != "payload-bytes" {
		t.Fatalf("body %q", body)
	}
}

func TestConsumeSignatureWithoutIndex(t *testing.T) {
	e := newTestEnv(t)
	id := e.fullFlow(t)
	token, err := e.gw.Tokens.Issue(e.consumer)
	if err != nil {
		t.Fatal(err)
	}
	endpoint := fmt.Sprintf("%s/api/v1/services/consume?serviceAgreementId=%s&consumerAddress=%s&signature=%s",
		e.srv.URL, id, e.consumer.Address, token)
	res, body := doJSON(t, http.MethodGet, endpoint, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("signature without index status %d: %s", res.StatusCode, body)
	}
}

func TestComputeStartAndDelete(t *testing.T) {
	e := newTestEnv(t)
	id := e.fullFlow(t)

	var last operator.StartRequest
	opSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&last)
			json.NewEncoder(w).Encode(operator.Job{JobID: "job-9", AgreementID: last.AgreementID, Status: "queued"})
			return
		}
		io.WriteString(w, "{}")
	}))
	t.Cleanup(opSrv.Close)
	e.gw.Operator = &operator.Client{BaseURL: opSrv.URL, Secret: "shh"}
	e.gw.ComputeOutput = operator.Output{NodeURI: opSrv.URL}

	token, err := e.gw.Tokens.Issue(e.consumer)
	if err != nil {
		t.Fatal(err)
	}
	res, body := doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/services/compute", map[string]any{
		"agreementId":     id,
		"consumerAddress": string(e.consumer.Address),
		"signature":       token,
		"algorithmUrl":    "https://algos.example/transform.py",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start compute status %d: %s", res.StatusCode, body)
	}
	var job operator.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	if job.JobID != "job-9" {
		t.Fatalf("job %+v", job)
	}
	if len(last.Workflow.Stages) != 1 || last.Workflow.Stages[0].Algorithm.URL != "https://algos.example/transform.py" {
		t.Fatalf("submitted workflow %+v", last.Workflow)
	}
	if in := last.Workflow.Stages[0].Input; len(in) != 1 || len(in[0].URLs) != 1 {
		t.Fatalf("workflow inputs %+v", in)
	}

	res, body = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/services/compute/%s/%s", e.srv.URL, id, job.JobID), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete compute status %d: %s", res.StatusCode, body)
	}
}

func TestAgreementLookup(t *testing.T) {
	e := newTestEnv(t)
	id := e.fullFlow(t)
	res, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/services/agreements/"+id, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var agr struct {
		AssetID  string `json:"asset_id"`
		Consumer string `json:"consumer"`
	}
	if err := json.Unmarshal(body, &agr); err != nil {
		t.Fatal(err)
	}
	if agr.AssetID != "0xasset1" || agr.Consumer != string(e.consumer.Address) {
		t.Fatalf("agreement %+v", agr)
	}
}

func TestEventsTail(t *testing.T) {
	e := newTestEnv(t)
	e.fullFlow(t)
	res, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/events", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var items []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, it := range items {
		seen[it.Type] = true
	}
	if !seen[events.TypeAssetPublished] || !seen[events.TypeAccessGranted] {
		t.Fatalf("audit log incomplete: %v", seen)
	}
}
