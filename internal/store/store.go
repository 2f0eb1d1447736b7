package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/go-rooms/internal/idgen"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type Room struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Paused          bool      `json:"paused"`
	MaxInteractions *int      `json:"max_interactions,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

func (s *Store) CreateRoom(ctx context.Context, name string) (Room, error) {
	if name == "" {
		return Room{}, fmt.Errorf("room name is required")
	}
	id := idgen.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO rooms (id, name, paused, max_interactions, created_at, last_active_at) VALUES (?, ?, 0, NULL, ?, ?)`,
		id, name, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	return Room{ID: id, Name: name, CreatedAt: now, LastActiveAt: now}, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, paused, max_interactions, created_at, last_active_at FROM rooms WHERE id = ?`, roomID)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	return room, err
}

func (s *Store) ListRooms(ctx context.Context, limit int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, paused, max_interactions, created_at, last_active_at FROM rooms ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return out, nil
}

// ActiveRooms returns rooms eligible for autonomous continuation: not
// paused, active since the cutoff, and holding at least two agents.
func (s *Store) ActiveRooms(ctx context.Context, cutoff time.Time) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.paused, r.max_interactions, r.created_at, r.last_active_at
		FROM rooms r
		WHERE r.paused = 0
		  AND r.last_active_at >= ?
		  AND (SELECT COUNT(*) FROM room_agents ra WHERE ra.room_id = r.id) >= 2
		ORDER BY r.last_active_at DESC`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list active rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active rooms: %w", err)
	}
	return out, nil
}

func (s *Store) SetPaused(ctx context.Context, roomID string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET paused = ? WHERE id = ?`, boolInt(paused), roomID)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return requireRow(res, roomID)
}

// SetMaxInteractions sets the per-room agent message ceiling. A nil limit
// removes the ceiling.
func (s *Store) SetMaxInteractions(ctx context.Context, roomID string, limit *int) error {
	var value any
	if limit != nil {
		value = *limit
	}
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET max_interactions = ? WHERE id = ?`, value, roomID)
	if err != nil {
		return fmt.Errorf("set max interactions: %w", err)
	}
	return requireRow(res, roomID)
}

func (s *Store) TouchRoom(ctx context.Context, roomID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET last_active_at = ? WHERE id = ?`, now.Format(time.RFC3339Nano), roomID)
	if err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return requireRow(res, roomID)
}

func (s *Store) AddAgent(ctx context.Context, roomID, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return err
	}
	var maxPos sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM room_agents WHERE room_id = ?`, roomID).Scan(&maxPos); err != nil {
		return fmt.Errorf("next agent position: %w", err)
	}
	pos := int64(1)
	if maxPos.Valid {
		pos = maxPos.Int64 + 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO room_agents (room_id, agent_id, position) VALUES (?, ?, ?)`, roomID, agentID, pos)
	if err != nil {
		return fmt.Errorf("add agent: %w", err)
	}
	return nil
}

func (s *Store) RemoveAgent(ctx context.Context, roomID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_agents WHERE room_id = ? AND agent_id = ?`, roomID, agentID)
	if err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	return nil
}

// RoomAgents returns agent IDs in their join order.
func (s *Store) RoomAgents(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM room_agents WHERE room_id = ? ORDER BY position ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room agent: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room agents: %w", err)
	}
	return out, nil
}

func (s *Store) ClearRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("clear room: %w", err)
	}
	return nil
}

type roomScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row roomScanner) (Room, error) {
	var room Room
	var paused int
	var maxInteractions sql.NullInt64
	var createdAtStr, lastActiveStr string
	if err := row.Scan(&room.ID, &room.Name, &paused, &maxInteractions, &createdAtStr, &lastActiveStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, err
		}
		return Room{}, fmt.Errorf("scan room: %w", err)
	}
	room.Paused = paused != 0
	if maxInteractions.Valid {
		v := int(maxInteractions.Int64)
		room.MaxInteractions = &v
	}
	room.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	room.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActiveStr)
	return room, nil
}

func requireRow(res sql.Result, roomID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
