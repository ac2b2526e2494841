package session

import (
	"encoding/json"
	"fmt"
	"time"
)

type sessionRow struct {
	SessionID    string    `gorm:"primaryKey;size:191"`
	Summary      string    `gorm:"type:text"`
	Turn         int64     `gorm:"not null"`
	NextPosition int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

type messageRow struct {
	ID            string    `gorm:"primaryKey;size:64"`
	SessionID     string    `gorm:"size:191;not null;uniqueIndex:idx_session_messages_position,priority:1"`
	Position      int64     `gorm:"not null;uniqueIndex:idx_session_messages_position,priority:2"`
	Turn          int64     `gorm:"not null;index"`
	Role          string    `gorm:"size:32;not null"`
	Content       string    `gorm:"type:text"`
	BlocksJSON    string    `gorm:"type:text"`
	ToolCallsJSON string    `gorm:"type:text"`
	ToolCallID    string    `gorm:"size:191"`
	ToolName      string    `gorm:"size:191"`
	ActionType    string    `gorm:"size:191"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "session_messages"
}

func messageRowFromMessage(sessionID string, msg Message) (messageRow, error) {
	row := messageRow{
		ID:         msg.ID,
		SessionID:  sessionID,
		Position:   msg.Position,
		Turn:       msg.Turn,
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		ToolName:   msg.ToolName,
		ActionType: msg.ActionType,
		CreatedAt:  msg.CreatedAt,
	}
	if len(msg.Blocks) > 0 {
		encoded, err := json.Marshal(msg.Blocks)
		if err != nil {
			return messageRow{}, fmt.Errorf("marshal content blocks: %w", err)
		}
		row.BlocksJSON = string(encoded)
	}
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return messageRow{}, fmt.Errorf("marshal tool calls: %w", err)
		}
		row.ToolCallsJSON = string(encoded)
	}
	return row, nil
}

func (r messageRow) toMessage() (Message, error) {
	msg := Message{
		ID:         r.ID,
		Role:       Role(r.Role),
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
		ActionType: r.ActionType,
		Turn:       r.Turn,
		Position:   r.Position,
		CreatedAt:  r.CreatedAt,
	}
	if r.BlocksJSON != "" {
		if err := json.Unmarshal([]byte(r.BlocksJSON), &msg.Blocks); err != nil {
			return Message{}, fmt.Errorf("decode content blocks of %s: %w", r.ID, err)
		}
	}
	if r.ToolCallsJSON != "" {
		if err := json.Unmarshal([]byte(r.ToolCallsJSON), &msg.ToolCalls); err != nil {
			return Message{}, fmt.Errorf("decode tool calls of %s: %w", r.ID, err)
		}
	}
	return msg, nil
}
