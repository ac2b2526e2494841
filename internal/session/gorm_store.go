package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/crab-cut/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	return NewGormStoreFromDB(gormDB)
}

// NewGormStoreFromDB shares an already opened database, such as the one the
// transition catalog uses.
func NewGormStoreFromDB(gormDB *gorm.DB) (*GormStore, error) {
	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("migrate session tables: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (State, error) {
	if err := validateSessionID(sessionID); err != nil {
		return State{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return State{SessionID: sessionID, Messages: []Message{}}, nil
		}
		return State{}, fmt.Errorf("get session: %w", err)
	}
	return s.load(s.db.WithContext(ctx), row)
}

func (s *GormStore) Append(ctx context.Context, sessionID string, messages ...Message) (State, error) {
	return s.Commit(ctx, sessionID, Delta{Messages: messages})
}

func (s *GormStore) Replace(ctx context.Context, sessionID string, summary string, removeIDs []string) (State, error) {
	return s.Commit(ctx, sessionID, Delta{Summary: &summary, Remove: removeIDs})
}

// Commit writes one turn in a single transaction. On postgres the session row
// is locked for update; sqlite runs on a single connection.
func (s *GormStore) Commit(ctx context.Context, sessionID string, delta Delta) (State, error) {
	if err := validateSessionID(sessionID); err != nil {
		return State{}, err
	}
	appends, removes := delta.split()

	var out State
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		query := tx
		if tx.Dialector.Name() == "postgres" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row sessionRow
		err := query.Where("session_id = ?", sessionID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = sessionRow{SessionID: sessionID, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create session: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lock session: %w", err)
		}

		row.Turn++
		stamped, next := stampMessages(appends, row.Turn, row.NextPosition, now)
		row.NextPosition = next

		for _, msg := range stamped {
			if _, drop := removes[msg.ID]; drop {
				continue
			}
			msgRow, err := messageRowFromMessage(sessionID, msg)
			if err != nil {
				return err
			}
			if err := tx.Create(&msgRow).Error; err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}

		if len(removes) > 0 {
			removeIDs := make([]string, 0, len(removes))
			for id := range removes {
				removeIDs = append(removeIDs, id)
			}
			if err := tx.Where("session_id = ? AND id IN ?", sessionID, removeIDs).Delete(&messageRow{}).Error; err != nil {
				return fmt.Errorf("remove messages: %w", err)
			}
		}

		updates := map[string]any{
			"turn":          row.Turn,
			"next_position": row.NextPosition,
			"updated_at":    now,
		}
		if delta.Summary != nil {
			row.Summary = *delta.Summary
			updates["summary"] = row.Summary
		}
		row.UpdatedAt = now
		if err := tx.Model(&sessionRow{}).Where("session_id = ?", sessionID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		state, err := s.load(tx, row)
		if err != nil {
			return err
		}
		out = state
		return nil
	})
	if err != nil {
		return State{}, err
	}
	return out, nil
}

func (s *GormStore) load(tx *gorm.DB, row sessionRow) (State, error) {
	var rows []messageRow
	if err := tx.Where("session_id = ?", row.SessionID).Order("position ASC").Find(&rows).Error; err != nil {
		return State{}, fmt.Errorf("get messages: %w", err)
	}
	messages := make([]Message, 0, len(rows))
	for _, r := range rows {
		msg, err := r.toMessage()
		if err != nil {
			return State{}, err
		}
		messages = append(messages, msg)
	}
	return State{
		SessionID: row.SessionID,
		Messages:  messages,
		Summary:   row.Summary,
		Turn:      row.Turn,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
