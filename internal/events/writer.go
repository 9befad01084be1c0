package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"datagate/internal/domain"
)

// Audit event types.
const (
	TypeAssetPublished = "asset.published"
	TypeAssetRetired   = "asset.retired"
	TypeAccessGranted  = "access.granted"
	TypeAccessRejected = "access.rejected"
	TypeAccessConsumed = "access.consumed"
	TypeComputeStarted = "compute.started"
	TypeComputeStopped = "compute.stopped"
	TypeComputeDeleted = "compute.deleted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, assetID, agreementID, actor string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,asset_id,agreement_id,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(assetID), nullable(agreementID), actor, string(data))
	return err
}

// After returns up to limit events with id greater than afterID, oldest first.
func (w Writer) After(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(asset_id,''),COALESCE(agreement_id,''),actor,payload_json FROM events WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AssetID, &e.AgreementID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestID returns the newest event id, or zero for an empty log.
func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := w.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
