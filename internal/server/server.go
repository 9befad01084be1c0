// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"datagate/internal/crypto"
	"datagate/internal/domain"
	"datagate/internal/gateway"
	"datagate/internal/keeper"
	"datagate/internal/operator"
	"datagate/internal/proxy"
	"datagate/internal/registry"
)

// Config for the HTTP API handler.
type Config struct {
	Gateway  *gateway.Gateway
	BasePath string
}

type apiErrorBody struct {
	Code    string `json:"code" example:"permission_denied"`
	Message string `json:"message" example:"access condition not fulfilled"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "not_authorized"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusGatewayTimeout:
		return "ledger_timeout"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gateway.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, gateway.ErrNotAuthorized), errors.Is(err, crypto.ErrInvalidSignature):
		return newAPIError(http.StatusUnauthorized, "not_authorized", err.Error())
	case errors.Is(err, gateway.ErrPermissionDenied):
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, keeper.ErrAgreementNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, keeper.ErrTimeout):
		return newAPIError(http.StatusGatewayTimeout, "ledger_timeout", err.Error())
	case errors.Is(err, proxy.ErrUpstreamFetch), errors.Is(err, operator.ErrOperator), errors.Is(err, keeper.ErrConnection):
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// New returns an HTTP handler exposing the gateway API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Schema validation failures are the caller's problem: 400, not 422.
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Datagate API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPublish(group, cfg.Gateway)
	registerAssets(group, cfg.Gateway)
	registerAccess(group, cfg.Gateway)
	registerCompute(group, cfg.Gateway)
	registerEvents(group, cfg.Gateway)

	// Consume streams arbitrary bytes, so it bypasses huma.
	router.Get(path.Join(basePath, "/services/consume"), consumeHandler(cfg.Gateway))

	return router, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPublish(api huma.API, gw *gateway.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-asset",
		Method:        http.MethodPost,
		Path:          "/services/publish",
		Summary:       "Encrypt a location list and publish the asset",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body PublishRequest `json:"body"`
	}) (*struct {
		Body AssetResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required")
		}
		if len(input.Body.Files) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "files are required")
		}
		credential := input.Body.credential()
		if credential == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "signature is required")
		}
		owner := input.Body.Owner
		if owner == "" {
			owner = input.Body.PublisherAddress
		}
		if owner == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "publisherAddress is required")
		}
		files := make([]domain.FileDescriptor, len(input.Body.Files))
		for i, f := range input.Body.Files {
			files[i] = domain.FileDescriptor{
				URL:           f.URL,
				Checksum:      f.Checksum,
				ContentType:   f.ContentType,
				ContentLength: f.ContentLength,
			}
		}
		asset, err := gw.RegisterAsset(ctx, domain.Asset{
			ID:          input.Body.ID,
			Owner:       owner,
			Name:        input.Body.Name,
			ServiceType: input.Body.ServiceType,
			Price:       input.Body.Price,
			Files:       files,
		}, credential)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssetResponse `json:"body"`
		}{Body: assetResponse(asset)}, nil
	})
}

func registerAssets(api huma.API, gw *gateway.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/services/assets",
		Summary:     "List published assets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AssetResponse `json:"body"`
	}, error) {
		items, err := gw.Registry.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AssetResponse, len(items))
		for i, a := range items {
			out[i] = assetResponse(a)
		}
		return &struct {
			Body []AssetResponse `json:"body"`
		}{Body: out}, nil
	})

	type assetPath struct {
		AssetID string `path:"asset_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/services/assets/{asset_id}",
		Summary:     "Fetch one asset document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assetPath) (*struct {
		Body AssetResponse `json:"body"`
	}, error) {
		a, err := gw.Registry.Get(ctx, input.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssetResponse `json:"body"`
		}{Body: assetResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retire-asset",
		Method:      http.MethodDelete,
		Path:        "/services/assets/{asset_id}",
		Summary:     "Retire an asset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assetPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := gw.RetireAsset(ctx, input.AssetID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "retired"}}, nil
	})
}

func registerAccess(api huma.API, gw *gateway.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "initialize-access",
		Method:      http.MethodPost,
		Path:        "/services/access/initialize",
		Summary:     "Wait for lock and grant access under an agreement",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		Body InitializeRequest `json:"body"`
	}) (*struct {
		Body InitializeResponse `json:"body"`
	}, error) {
		if input.Body.AgreementID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agreementId is required")
		}
		outcome, err := gw.InitializeAccess(ctx, input.Body.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitializeResponse `json:"body"`
		}{Body: InitializeResponse{AgreementID: input.Body.AgreementID, Outcome: outcome.String()}}, nil
	})

	type agreementPath struct {
		AgreementID string `path:"agreement_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/services/agreements/{agreement_id}",
		Summary:     "Fetch an agreement from the ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		agr, err := gw.Ledger.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: agr}, nil
	})
}

func registerCompute(api huma.API, gw *gateway.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "start-compute",
		Method:      http.MethodPost,
		Path:        "/services/compute",
		Summary:     "Start a compute job",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body ComputeStartRequest `json:"body"`
	}) (*struct {
		Body operator.Job `json:"body"`
	}, error) {
		if input.Body.AgreementID == "" || input.Body.ConsumerAddress == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agreementId and consumerAddress are required")
		}
		alg := operator.Algorithm{
			ID:      input.Body.AlgorithmID,
			URL:     input.Body.AlgorithmURL,
			RawCode: input.Body.AlgorithmRawCode,
		}
		job, err := gw.StartCompute(ctx, input.Body.AgreementID, crypto.Address(input.Body.ConsumerAddress), input.Body.Signature, alg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body operator.Job `json:"body"`
		}{Body: job}, nil
	})

	type jobPath struct {
		AgreementID string `path:"agreement_id"`
		JobID       string `path:"job_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "compute-status",
		Method:      http.MethodGet,
		Path:        "/services/compute/{agreement_id}/{job_id}",
		Summary:     "Compute job status",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body operator.Job `json:"body"`
	}, error) {
		job, err := gw.ComputeStatus(ctx, input.AgreementID, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body operator.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-compute",
		Method:      http.MethodPut,
		Path:        "/services/compute/{agreement_id}/{job_id}/stop",
		Summary:     "Stop a compute job",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := gw.StopCompute(ctx, input.AgreementID, input.JobID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "stopped"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-compute",
		Method:      http.MethodDelete,
		Path:        "/services/compute/{agreement_id}/{job_id}",
		Summary:     "Delete a compute job and its outputs",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := gw.DeleteCompute(ctx, input.AgreementID, input.JobID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func registerEvents(api huma.API, gw *gateway.Gateway) {
	type eventsQuery struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log tail",
	}, func(ctx context.Context, input *eventsQuery) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := gw.Events.After(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

// consumeHandler streams one file of an agreement's asset. The caller names
// the file either by its url or by a signature over the agreement id plus the
// index into the location list; anything else is a 400.
func consumeHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := gateway.ConsumeRequest{
			AgreementID: q.Get("serviceAgreementId"),
			Consumer:    crypto.Address(q.Get("consumerAddress")),
			Credential:  q.Get("signature"),
			URL:         q.Get("url"),
		}
		if req.AgreementID == "" || req.Consumer == "" {
			writeError(w, newAPIError(http.StatusBadRequest, "bad_request", "serviceAgreementId and consumerAddress are required"))
			return
		}
		idx := q.Get("index")
		if req.URL == "" && (req.Credential == "" || idx == "") {
			writeError(w, newAPIError(http.StatusBadRequest, "bad_request", "either url or signature and index are required"))
			return
		}
		if idx != "" {
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				writeError(w, newAPIError(http.StatusBadRequest, "bad_request", "index must be a non-negative integer"))
				return
			}
			req.Index = n
		}
		if err := gw.Consume(w, r, req); err != nil {
			writeError(w, handleError(err))
		}
	}
}

func writeError(w http.ResponseWriter, se huma.StatusError) {
	ae, ok := se.(*apiError)
	if !ok {
		http.Error(w, se.Error(), se.GetStatus())
		return
	}
	// Headers may already be gone if streaming started; best effort.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.status)
	body, _ := json.Marshal(map[string]apiErrorBody{"error": ae.Body})
	w.Write(body)
}
