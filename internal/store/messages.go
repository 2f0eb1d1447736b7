package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Participant categorizes who a message is attributed to when it is
// rendered into another agent's context.
type Participant string

const (
	ParticipantUser      Participant = "user"
	ParticipantCharacter Participant = "character"
	ParticipantNarrator  Participant = "narrator"
	ParticipantSystem    Participant = "system"
	ParticipantAgent     Participant = "agent"
)

// Message is an immutable chat turn. Seq is assigned by the database on
// append and is strictly increasing, which makes it usable as a watermark
// for since-queries and for the context builder's ordering rule.
type Message struct {
	Seq             int64       `json:"seq"`
	RoomID          string      `json:"room_id"`
	Role            Role        `json:"role"`
	Participant     Participant `json:"participant"`
	ParticipantName string      `json:"participant_name,omitempty"`
	AgentID         string      `json:"agent_id,omitempty"`
	Content         string      `json:"content"`
	Thinking        string      `json:"thinking,omitempty"`
	Skipped         bool        `json:"skipped,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

type MessageInput struct {
	Role            Role
	Participant     Participant
	ParticipantName string
	AgentID         string
	Content         string
	Thinking        string
	Skipped         bool
	// TouchRoom marks the room active. Skip markers leave last_active_at
	// alone so they never keep the autonomous scheduler interested.
	TouchRoom bool
}

func (s *Store) AppendMessage(ctx context.Context, roomID string, input MessageInput) (Message, error) {
	if input.Content == "" {
		return Message{}, fmt.Errorf("message content is required")
	}
	role := input.Role
	if role == "" {
		role = RoleUser
	}
	participant := input.Participant
	if participant == "" {
		if role == RoleAgent {
			participant = ParticipantAgent
		} else {
			participant = ParticipantUser
		}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, role, participant, participant_name, agent_id, content, thinking, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roomID, string(role), string(participant), nullString(input.ParticipantName), nullString(input.AgentID),
		input.Content, nullString(input.Thinking), boolInt(input.Skipped), now.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("message seq: %w", err)
	}
	if input.TouchRoom {
		if err := s.TouchRoom(ctx, roomID); err != nil {
			return Message{}, err
		}
	}
	return Message{
		Seq:             seq,
		RoomID:          roomID,
		Role:            role,
		Participant:     participant,
		ParticipantName: input.ParticipantName,
		AgentID:         input.AgentID,
		Content:         input.Content,
		Thinking:        input.Thinking,
		Skipped:         input.Skipped,
		CreatedAt:       now,
	}, nil
}

// Messages returns the room log in strictly increasing seq order. A
// sinceSeq of 0 returns the full log; otherwise only messages with
// seq > sinceSeq are returned.
func (s *Store) Messages(ctx context.Context, roomID string, sinceSeq int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, room_id, role, participant, participant_name, agent_id, content, thinking, skipped, created_at
		FROM messages WHERE room_id = ? AND seq > ? ORDER BY seq ASC`,
		roomID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var role, participant string
		var participantName, agentID, thinking sql.NullString
		var skipped int
		var createdAtStr string
		if err := rows.Scan(&msg.Seq, &msg.RoomID, &role, &participant, &participantName, &agentID, &msg.Content, &thinking, &skipped, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = Role(role)
		msg.Participant = Participant(participant)
		msg.ParticipantName = participantName.String
		msg.AgentID = agentID.String
		msg.Thinking = thinking.String
		msg.Skipped = skipped != 0
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CountAgentMessages counts non-skipped agent turns, the number the
// per-room interaction ceiling is compared against.
func (s *Store) CountAgentMessages(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_id = ? AND role = ? AND skipped = 0`, roomID, string(RoleAgent)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count agent messages: %w", err)
	}
	return count, nil
}
