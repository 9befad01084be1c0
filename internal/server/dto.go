package server

import "datagate/internal/domain"

// PublishFile is one plaintext location in a publish request. Indices are
// assigned by the gateway, so callers never send one.
type PublishFile struct {
	URL           string `json:"url"`
	Checksum      string `json:"checksum,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	ContentLength string `json:"contentLength,omitempty"`
}

// PublishRequest carries a new asset with its plaintext location list. The
// signature must be the publisher's, over the asset id; signedDocumentId is a
// legacy alias for it.
type PublishRequest struct {
	ID               string        `json:"id"`
	Owner            string        `json:"owner,omitempty"`
	PublisherAddress string        `json:"publisherAddress,omitempty"`
	Signature        string        `json:"signature,omitempty"`
	SignedDocumentID string        `json:"signedDocumentId,omitempty"`
	Name             string        `json:"name,omitempty"`
	ServiceType      string        `json:"service_type,omitempty"`
	Price            uint64        `json:"price,omitempty"`
	Files            []PublishFile `json:"files"`
}

func (r PublishRequest) credential() string {
	if r.Signature != "" {
		return r.Signature
	}
	return r.SignedDocumentID
}

// AssetResponse is the published document; file URLs are never included.
type AssetResponse struct {
	ID             string                  `json:"id"`
	Owner          string                  `json:"owner"`
	Name           string                  `json:"name,omitempty"`
	ServiceType    string                  `json:"service_type"`
	Price          uint64                  `json:"price"`
	Files          []domain.FileDescriptor `json:"files,omitempty"`
	EncryptedFiles string                  `json:"encrypted_files"`
	CreatedAt      string                  `json:"created_at,omitempty"`
}

func assetResponse(a domain.Asset) AssetResponse {
	return AssetResponse{
		ID:             a.ID,
		Owner:          a.Owner,
		Name:           a.Name,
		ServiceType:    a.ServiceType,
		Price:          a.Price,
		Files:          a.Files,
		EncryptedFiles: a.EncryptedFiles,
		CreatedAt:      a.CreatedAt,
	}
}

type InitializeRequest struct {
	AgreementID string `json:"agreementId"`
}

type InitializeResponse struct {
	AgreementID string `json:"agreementId"`
	Outcome     string `json:"outcome" enum:"confirmed,unconfirmed,rejected"`
}

// ComputeStartRequest selects the algorithm by reference or inline; exactly
// one of the algorithm fields is needed.
type ComputeStartRequest struct {
	AgreementID      string `json:"agreementId"`
	ConsumerAddress  string `json:"consumerAddress"`
	Signature        string `json:"signature"`
	AlgorithmID      string `json:"algorithmId,omitempty"`
	AlgorithmURL     string `json:"algorithmUrl,omitempty"`
	AlgorithmRawCode string `json:"algorithmRawCode,omitempty"`
}
