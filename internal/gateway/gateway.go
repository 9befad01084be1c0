// Package gateway implements the provider-side service surface: publishing
// assets, granting access under agreements and proxying downloads.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"datagate/internal/agreement"
	"datagate/internal/authtoken"
	"datagate/internal/crypto"
	"datagate/internal/domain"
	"datagate/internal/events"
	"datagate/internal/fulfill"
	"datagate/internal/keeper"
	"datagate/internal/operator"
	"datagate/internal/proxy"
	"datagate/internal/registry"
	"datagate/internal/secretstore"
)

var (
	ErrNotAuthorized    = errors.New("not authorized")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Gateway owns the provider account and coordinates the service components.
type Gateway struct {
	Provider     *crypto.Account
	Ledger       keeper.Ledger
	Orchestrator *agreement.Orchestrator
	Coordinator  *fulfill.Coordinator
	Tokens       *authtoken.Service
	Secrets      secretstore.Client
	Registry     registry.Store
	Events       events.Writer
	Resolver     proxy.Resolver
	Downloader   proxy.Downloader
	Operator     *operator.Client
	// ComputeOutput seeds the output section of submitted workflows; the
	// owner is filled in per request.
	ComputeOutput operator.Output
	InitWait      time.Duration
	Log           *zap.SugaredLogger
}

func (g *Gateway) log() *zap.SugaredLogger {
	if g.Log != nil {
		return g.Log
	}
	return zap.NewNop().Sugar()
}

func (g *Gateway) initWait() time.Duration {
	if g.InitWait > 0 {
		return g.InitWait
	}
	return time.Duration(agreement.DefaultTimeout) * time.Second
}

// Authorize checks the consumer's credential for an agreement. Both forms are
// accepted: a long-lived access token, or a one-off signature over the
// agreement id.
func (g *Gateway) Authorize(agreementID, credential string, consumer crypto.Address) error {
	if credential == "" {
		return fmt.Errorf("%w: missing credential", ErrNotAuthorized)
	}
	if strings.Contains(credential, "-") {
		// Tokens carry the expiry suffix; raw signatures never contain '-'.
		if !g.Tokens.Verify(credential, consumer) {
			return fmt.Errorf("%w: token rejected for %s", ErrNotAuthorized, consumer)
		}
		return nil
	}
	sig, err := crypto.DecodeSignature(credential)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	signer, err := crypto.Recover(crypto.HashWithPrefix(agreementID), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if !signer.Equal(consumer) {
		return fmt.Errorf("%w: signature from %s, expected %s", ErrNotAuthorized, signer, consumer)
	}
	return nil
}

// RegisterAsset encrypts the location list and publishes the asset document.
// The credential must prove the caller controls the owner address: either an
// access token or a signature over the asset id. The encrypted list is only
// assigned when encryption succeeded, so a failed encryption never produces a
// published asset with readable locations.
func (g *Gateway) RegisterAsset(ctx context.Context, a domain.Asset, credential string) (domain.Asset, error) {
	if a.ID == "" || len(a.Files) == 0 {
		return domain.Asset{}, fmt.Errorf("%w: asset id and files are required", ErrInvalidRequest)
	}
	if a.Owner == "" {
		a.Owner = string(g.Provider.Address)
	}
	if credential == "" {
		return domain.Asset{}, fmt.Errorf("%w: publisher signature is required", ErrInvalidRequest)
	}
	if err := g.Authorize(a.ID, credential, crypto.Address(a.Owner)); err != nil {
		return domain.Asset{}, err
	}
	if a.ServiceType == "" {
		a.ServiceType = string(agreement.ServiceAccess)
	}
	plaintext, err := json.Marshal(a.Files)
	if err != nil {
		return domain.Asset{}, err
	}
	cipher, err := g.Secrets.Encrypt(ctx, a.ID, string(plaintext), g.Provider)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("encrypt asset %s: %w", a.ID, err)
	}
	a.EncryptedFiles = cipher
	// The public document keeps the index and metadata but never the URL.
	public := make([]domain.FileDescriptor, len(a.Files))
	for i, f := range a.Files {
		public[i] = f
		public[i].URL = ""
		public[i].Index = i
	}
	a.Files = public
	if err := g.Registry.Publish(ctx, a); err != nil {
		return domain.Asset{}, err
	}
	if err := g.Events.Append(ctx, events.TypeAssetPublished, a.ID, "", a.Owner, events.EventPayload{"name": a.Name}); err != nil {
		g.log().Warnw("audit append failed", "err", err)
	}
	g.log().Infow("asset published", "asset_id", a.ID, "owner", a.Owner)
	return a, nil
}

// RetireAsset hides a published asset.
func (g *Gateway) RetireAsset(ctx context.Context, id string) error {
	if err := g.Registry.Retire(ctx, id); err != nil {
		return err
	}
	return g.Events.Append(ctx, events.TypeAssetRetired, id, "", string(g.Provider.Address), nil)
}

// InitializeAccess runs the provider side of a new access agreement: wait for
// the creation event, wait for the consumer's lock, then grant access. The
// grant outcome is reported to the caller; Unconfirmed leaves retry to the
// consumer.
func (g *Gateway) InitializeAccess(ctx context.Context, agreementID string) (fulfill.Outcome, error) {
	if err := g.Orchestrator.WaitForCreation(ctx, agreementID, g.initWait()); err != nil {
		return fulfill.Unconfirmed, err
	}
	agr, err := g.Ledger.GetAgreement(ctx, agreementID)
	if err != nil {
		return fulfill.Unconfirmed, err
	}
	outcome, err := g.Coordinator.WaitForFulfillment(ctx, keeper.ContractLockReward, agreementID, g.initWait())
	if err != nil {
		return outcome, err
	}
	if outcome != fulfill.Confirmed {
		g.log().Infow("lock not observed", "agreement_id", agreementID)
		return outcome, nil
	}
	outcome, err = g.Coordinator.GrantAccess(ctx, agreementID, agr.AssetID, crypto.Address(agr.Consumer), g.Provider)
	if err != nil {
		return outcome, err
	}
	evtType := events.TypeAccessGranted
	if outcome == fulfill.Rejected {
		evtType = events.TypeAccessRejected
	}
	if err := g.Events.Append(ctx, evtType, agr.AssetID, agreementID, agr.Consumer, events.EventPayload{"outcome": outcome.String()}); err != nil {
		g.log().Warnw("audit append failed", "err", err)
	}
	return outcome, nil
}

// ConsumeRequest carries the parameters of one download.
type ConsumeRequest struct {
	AgreementID string
	Consumer    crypto.Address
	Credential  string
	// Either URL (already known to the consumer) or Index into the encrypted
	// location list.
	URL   string
	Index int
}

// Consume authorizes the consumer against the agreement, resolves the
// requested file and streams it. When the consumer already knows the URL, no
// credential is needed: the on-chain permission and the party check are
// enough. The decrypted location list never leaves the process.
func (g *Gateway) Consume(w http.ResponseWriter, r *http.Request, req ConsumeRequest) error {
	ctx := r.Context()
	if req.URL == "" && req.Credential == "" {
		return fmt.Errorf("%w: either url or a credential is required", ErrInvalidRequest)
	}
	agr, err := g.Ledger.GetAgreement(ctx, req.AgreementID)
	if err != nil {
		return err
	}
	if !crypto.Address(agr.Consumer).Equal(req.Consumer) {
		return fmt.Errorf("%w: consumer %s not party to agreement", ErrPermissionDenied, req.Consumer)
	}
	if req.URL == "" {
		if err := g.Authorize(req.AgreementID, req.Credential, req.Consumer); err != nil {
			return err
		}
	}
	ok, err := g.Ledger.CheckPermission(ctx, agr.AssetID, req.Consumer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: access condition not fulfilled for %s", ErrPermissionDenied, req.AgreementID)
	}

	target := req.URL
	declaredType := ""
	if target == "" {
		asset, err := g.Registry.Get(ctx, agr.AssetID)
		if err != nil {
			return err
		}
		file, err := g.locateFile(ctx, asset, req.Index)
		if err != nil {
			return err
		}
		target = file.URL
		declaredType = file.ContentType
	}
	resolved, err := g.Resolver.Resolve(ctx, target)
	if err != nil {
		return err
	}
	if err := g.Events.Append(ctx, events.TypeAccessConsumed, agr.AssetID, req.AgreementID, string(req.Consumer), events.EventPayload{"index": req.Index}); err != nil {
		g.log().Warnw("audit append failed", "err", err)
	}
	return g.Downloader.Serve(w, r, resolved, target, declaredType)
}

// decryptFiles recovers the asset's plaintext location list.
func (g *Gateway) decryptFiles(ctx context.Context, asset domain.Asset) ([]domain.FileDescriptor, error) {
	plain, err := g.Secrets.Decrypt(ctx, asset.ID, asset.EncryptedFiles, g.Provider)
	if err != nil {
		return nil, fmt.Errorf("decrypt asset %s: %w", asset.ID, err)
	}
	var files []domain.FileDescriptor
	if err := json.Unmarshal([]byte(plain), &files); err != nil {
		return nil, fmt.Errorf("asset %s location list: %w", asset.ID, err)
	}
	return files, nil
}

// locateFile decrypts the asset's location list and selects one entry.
func (g *Gateway) locateFile(ctx context.Context, asset domain.Asset, index int) (domain.FileDescriptor, error) {
	files, err := g.decryptFiles(ctx, asset)
	if err != nil {
		return domain.FileDescriptor{}, err
	}
	if index < 0 || index >= len(files) {
		return domain.FileDescriptor{}, fmt.Errorf("%w: file index %d out of range", ErrInvalidRequest, index)
	}
	f := files[index]
	if strings.TrimSpace(f.URL) == "" {
		return domain.FileDescriptor{}, fmt.Errorf("%w: file %d has no location", ErrInvalidRequest, index)
	}
	return f, nil
}

// StartCompute checks the consumer holds the compute permission, builds the
// workflow document and submits it. The input stage carries the asset's
// decrypted locations; they go to the operator only, never to the consumer.
func (g *Gateway) StartCompute(ctx context.Context, agreementID string, consumer crypto.Address, credential string, alg operator.Algorithm) (operator.Job, error) {
	if g.Operator == nil {
		return operator.Job{}, fmt.Errorf("%w: no operator configured", operator.ErrOperator)
	}
	if alg.ID == "" && alg.URL == "" && alg.RawCode == "" {
		return operator.Job{}, fmt.Errorf("%w: an algorithm id, url or raw code is required", ErrInvalidRequest)
	}
	agr, err := g.Ledger.GetAgreement(ctx, agreementID)
	if err != nil {
		return operator.Job{}, err
	}
	if !crypto.Address(agr.Consumer).Equal(consumer) {
		return operator.Job{}, fmt.Errorf("%w: consumer %s not party to agreement", ErrPermissionDenied, consumer)
	}
	if err := g.Authorize(agreementID, credential, consumer); err != nil {
		return operator.Job{}, err
	}
	ok, err := g.Ledger.CheckPermission(ctx, agr.AssetID, consumer)
	if err != nil {
		return operator.Job{}, err
	}
	if !ok {
		return operator.Job{}, fmt.Errorf("%w: compute condition not fulfilled", ErrPermissionDenied)
	}
	workflow, err := g.buildWorkflow(ctx, agr.AssetID, consumer, alg)
	if err != nil {
		return operator.Job{}, err
	}
	job, err := g.Operator.Start(ctx, operator.StartRequest{AgreementID: agreementID, Owner: string(consumer), Workflow: workflow})
	if err != nil {
		return operator.Job{}, err
	}
	if err := g.Events.Append(ctx, events.TypeComputeStarted, agr.AssetID, agreementID, string(consumer), events.EventPayload{"job_id": job.JobID}); err != nil {
		g.log().Warnw("audit append failed", "err", err)
	}
	return job, nil
}

// buildWorkflow assembles the single-stage execution document: the asset's
// decrypted locations as inputs, the requested algorithm, and the configured
// output section owned by the consumer.
func (g *Gateway) buildWorkflow(ctx context.Context, assetID string, consumer crypto.Address, alg operator.Algorithm) (operator.Workflow, error) {
	asset, err := g.Registry.Get(ctx, assetID)
	if err != nil {
		return operator.Workflow{}, err
	}
	files, err := g.decryptFiles(ctx, asset)
	if err != nil {
		return operator.Workflow{}, err
	}
	urls := make([]string, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f.URL) != "" {
			urls = append(urls, f.URL)
		}
	}
	if len(urls) == 0 {
		return operator.Workflow{}, fmt.Errorf("%w: asset %s has no locations to compute on", ErrInvalidRequest, assetID)
	}
	output := g.ComputeOutput
	output.Owner = string(consumer)
	return operator.Workflow{Stages: []operator.Stage{{
		Index:     0,
		Input:     []operator.StageInput{{Index: 0, ID: assetID, URLs: urls}},
		Algorithm: alg,
		Output:    output,
	}}}, nil
}

// ComputeStatus proxies a job status lookup.
func (g *Gateway) ComputeStatus(ctx context.Context, agreementID, jobID string) (operator.Job, error) {
	if g.Operator == nil {
		return operator.Job{}, fmt.Errorf("%w: no operator configured", operator.ErrOperator)
	}
	return g.Operator.Status(ctx, agreementID, jobID)
}

// StopCompute halts a job and records the stop.
func (g *Gateway) StopCompute(ctx context.Context, agreementID, jobID string) error {
	if g.Operator == nil {
		return fmt.Errorf("%w: no operator configured", operator.ErrOperator)
	}
	if err := g.Operator.Stop(ctx, agreementID, jobID); err != nil {
		return err
	}
	return g.Events.Append(ctx, events.TypeComputeStopped, "", agreementID, "", events.EventPayload{"job_id": jobID})
}

// DeleteCompute removes a job and its outputs from the operator.
func (g *Gateway) DeleteCompute(ctx context.Context, agreementID, jobID string) error {
	if g.Operator == nil {
		return fmt.Errorf("%w: no operator configured", operator.ErrOperator)
	}
	if err := g.Operator.Delete(ctx, agreementID, jobID); err != nil {
		return err
	}
	return g.Events.Append(ctx, events.TypeComputeDeleted, "", agreementID, "", events.EventPayload{"job_id": jobID})
}
