package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
)

// Manager owns the Badger connection and the storage implementations
type Manager struct {
	db            *BadgerDB
	taskStorage   interfaces.TaskStorage
	resultStorage interfaces.ResultStorage
	logger        arbor.ILogger
}

// NewManager opens the database and wires the storage implementations
func NewManager(config *common.BadgerConfig, logger arbor.ILogger) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:            db,
		taskStorage:   NewTaskStorage(db, logger),
		resultStorage: NewResultStorage(db, logger),
		logger:        logger,
	}, nil
}

func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.taskStorage
}

func (m *Manager) ResultStorage() interfaces.ResultStorage {
	return m.resultStorage
}

func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing storage manager")
	return m.db.Close()
}
