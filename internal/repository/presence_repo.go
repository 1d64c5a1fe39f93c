package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

const defaultListLimit = 100

// PresenceRepository provides data access for the presence audit log.
type PresenceRepository struct {
	db *sql.DB
}

// NewPresenceRepository creates a new PresenceRepository.
func NewPresenceRepository(db *sql.DB) *PresenceRepository {
	return &PresenceRepository{db: db}
}

// Name identifies the repository as a presence sink.
func (r *PresenceRepository) Name() string {
	return "sqlite"
}

// Record inserts a presence event.
func (r *PresenceRepository) Record(ctx context.Context, event model.PresenceEvent) error {
	query := `
		INSERT INTO presence_events (kind, role, client_id, device_id, name, reason, connected_at, last_seen, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query,
		event.Kind,
		event.Peer.Role,
		event.Peer.ClientID,
		nullString(event.Peer.DeviceID),
		nullString(event.Peer.Name),
		nullString(string(event.Reason)),
		event.Peer.ConnectedAt,
		event.Peer.LastSeen,
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record presence event: %w", err)
	}

	return nil
}

// List returns the most recent presence events matching the filter, newest first.
func (r *PresenceRepository) List(ctx context.Context, filter model.PresenceFilter) ([]model.PresenceEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, kind, role, client_id, device_id, name, reason, connected_at, last_seen, at
		FROM presence_events
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence events: %w", err)
	}
	defer rows.Close()

	var events []model.PresenceEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate presence events: %w", err)
	}

	return events, nil
}

// LastLeave returns the most recent leave event for a device, or nil when the
// device never left.
func (r *PresenceRepository) LastLeave(ctx context.Context, deviceID string) (*model.PresenceEvent, error) {
	query := `
		SELECT id, kind, role, client_id, device_id, name, reason, connected_at, last_seen, at
		FROM presence_events
		WHERE device_id = ? AND kind = ?
		ORDER BY id DESC
		LIMIT 1
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, model.PresenceLeave)
	if err != nil {
		return nil, fmt.Errorf("failed to get last leave: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	event, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Prune deletes events recorded before cutoff and returns how many were removed.
func (r *PresenceRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM presence_events WHERE at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune presence events: %w", err)
	}
	return result.RowsAffected()
}

func scanEvent(rows *sql.Rows) (model.PresenceEvent, error) {
	var (
		event    model.PresenceEvent
		role     string
		deviceID sql.NullString
		name     sql.NullString
		reason   sql.NullString
	)

	err := rows.Scan(
		&event.ID,
		&event.Kind,
		&role,
		&event.Peer.ClientID,
		&deviceID,
		&name,
		&reason,
		&event.Peer.ConnectedAt,
		&event.Peer.LastSeen,
		&event.At,
	)
	if err != nil {
		return event, fmt.Errorf("failed to scan presence event: %w", err)
	}

	event.Peer.Role = envelope.Role(role)
	event.Peer.DeviceID = deviceID.String
	event.Peer.Name = name.String
	event.Reason = model.LeaveReason(reason.String)
	return event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
