package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ResultStorage implements the ResultStorage interface for Badger
type ResultStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewResultStorage creates a new ResultStorage instance
func NewResultStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ResultStorage {
	return &ResultStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ResultStorage) SaveResult(ctx context.Context, result *models.CanonicalResult) error {
	if result.DocumentID == "" {
		return fmt.Errorf("document ID is required")
	}

	if err := s.db.Store().Upsert("result:"+result.DocumentID, result); err != nil {
		return fmt.Errorf("failed to save canonical result: %w", err)
	}
	return nil
}

func (s *ResultStorage) GetResult(ctx context.Context, documentID string) (*models.CanonicalResult, error) {
	var result models.CanonicalResult
	if err := s.db.Store().Get("result:"+documentID, &result); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("result not found for document: %s", documentID)
		}
		return nil, fmt.Errorf("failed to get canonical result: %w", err)
	}
	return &result, nil
}

func (s *ResultStorage) DeleteResult(ctx context.Context, documentID string) error {
	if err := s.db.Store().Delete("result:"+documentID, &models.CanonicalResult{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete canonical result: %w", err)
	}
	return nil
}
