package domain

// Agreement binds consumer, provider and asset to an ordered condition
// sequence with deadlines. Immutable once recorded on the ledger.
type Agreement struct {
	ID           string   `json:"id"`
	AssetID      string   `json:"asset_id"`
	TemplateID   string   `json:"template_id"`
	ConditionIDs []string `json:"condition_ids"`
	Timelocks    []int64  `json:"timelocks"`
	Timeouts     []int64  `json:"timeouts"`
	Actors       []string `json:"actors"`
	Consumer     string   `json:"consumer"`
	Block        uint64   `json:"block,omitempty"`
}

// Condition states.
const (
	ConditionPending   = "pending"
	ConditionFulfilled = "fulfilled"
	ConditionAborted   = "aborted"
)

// FileDescriptor is one entry of a provider-held location list. The index is
// assigned at encryption time and is the only selector a consumer without the
// decrypted list can use.
type FileDescriptor struct {
	URL           string `json:"url,omitempty"`
	Index         int    `json:"index"`
	Checksum      string `json:"checksum,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	ContentLength string `json:"contentLength,omitempty"`
}

// Asset is a published data asset document.
type Asset struct {
	ID             string           `json:"id"`
	Owner          string           `json:"owner"`
	Name           string           `json:"name,omitempty"`
	ServiceType    string           `json:"service_type"`
	Price          uint64           `json:"price"`
	Files          []FileDescriptor `json:"files,omitempty"`
	EncryptedFiles string           `json:"encrypted_files,omitempty"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
}

// Event is one audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	AssetID     string `json:"asset_id,omitempty"`
	AgreementID string `json:"agreement_id,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Payload     string `json:"payload_json"`
}
