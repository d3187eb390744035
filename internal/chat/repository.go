package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/livesession/internal/models"
)

var copyColumns = []string{
	"id", "live_session_id", "session_id", "scope", "breakout_index", "type",
	"from_email", "from_user_id", "from_name", "from_role",
	"to_email", "to_user_id", "to_role", "text", "attachments", "ts",
}

const selectColumns = `id, live_session_id, session_id, scope, breakout_index, type,
	from_email, from_user_id, from_name, from_role, to_email, to_user_id, to_role, text, attachments, ts`

// Repository handles chat persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertBatch bulk-inserts a batch with COPY. The batch is all-or-nothing.
func (r *Repository) InsertBatch(ctx context.Context, msgs []models.ChatMessage) error {
	rows := make([][]interface{}, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		var attachments []byte
		if len(m.Attachments) > 0 {
			b, err := json.Marshal(m.Attachments)
			if err != nil {
				return fmt.Errorf("marshal attachments: %w", err)
			}
			attachments = b
		}
		var toEmail, toRole *string
		var toUserID *uuid.UUID
		if m.To != nil {
			toEmail = &m.To.Email
			toUserID = m.To.UserID
			if m.To.Role != "" {
				role := string(m.To.Role)
				toRole = &role
			}
		}
		rows = append(rows, []interface{}{
			m.ID, m.LiveSessionID, m.SessionID, string(m.Scope), m.BreakoutIndex, string(m.Type),
			m.From.Email, m.From.UserID, m.From.Name, string(m.From.Role),
			toEmail, toUserID, toRole, m.Text, attachments, m.TS,
		})
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"chat_messages"}, copyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy chat messages: %w", err)
	}
	return nil
}

// Recent returns the newest q.Limit messages of a scope key, oldest first.
func (r *Repository) Recent(ctx context.Context, q RecentQuery) ([]models.ChatMessage, error) {
	var breakoutIndex *int
	if q.Key.Scope == models.ScopeBreakout {
		idx := q.Key.BreakoutIndex
		breakoutIndex = &idx
	}
	query := `SELECT ` + selectColumns + ` FROM chat_messages
		WHERE session_id = $1 AND scope = $2 AND breakout_index IS NOT DISTINCT FROM $3`
	args := []interface{}{q.Key.SessionID, string(q.Key.Scope), breakoutIndex}
	if q.Peer == "" {
		query += ` AND type = 'group'`
	} else {
		query += ` AND type = 'dm' AND ((from_email = $4 AND to_email = $5) OR (from_email = $5 AND to_email = $4))`
		args = append(args, q.Viewer, q.Peer)
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SessionMessages returns all messages of a session in ts order.
func (r *Repository) SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	query := `SELECT ` + selectColumns + ` FROM chat_messages WHERE session_id = $1 ORDER BY ts, id`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.ChatMessage, error) {
	defer rows.Close()
	var list []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var scope, typ, fromRole string
		var toEmail, toRole *string
		var toUserID *uuid.UUID
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.LiveSessionID, &m.SessionID, &scope, &m.BreakoutIndex, &typ,
			&m.From.Email, &m.From.UserID, &m.From.Name, &fromRole,
			&toEmail, &toUserID, &toRole, &m.Text, &attachments, &m.TS); err != nil {
			return nil, err
		}
		m.Scope = models.Scope(scope)
		m.Type = models.MessageType(typ)
		m.From.Role = models.Role(fromRole)
		if toEmail != nil {
			m.To = &models.ChatParty{Email: *toEmail, UserID: toUserID}
			if toRole != nil {
				m.To.Role = models.Role(*toRole)
			}
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
