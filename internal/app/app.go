package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/handlers"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/merger"
	"github.com/ternarybob/takeoff/internal/pipeline"
	"github.com/ternarybob/takeoff/internal/pipeline/stages"
	"github.com/ternarybob/takeoff/internal/services/detection"
	"github.com/ternarybob/takeoff/internal/services/events"
	"github.com/ternarybob/takeoff/internal/services/objectstore"
	"github.com/ternarybob/takeoff/internal/services/pdf"
	"github.com/ternarybob/takeoff/internal/services/vision"
	"github.com/ternarybob/takeoff/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService interfaces.EventService
	Broadcaster  *pipeline.Broadcaster

	// Drawing processing
	ObjectStore  interfaces.ObjectStore
	Splitter     *pdf.Splitter
	Vision       *vision.ClaudeService
	Detector     *detection.Detector
	Merger       *merger.Merger
	Orchestrator *pipeline.Orchestrator
	Watchdog     *pipeline.Watchdog

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	DocumentHandler *handlers.DocumentHandler
	WSHandler       *handlers.WebSocketHandler

	wsWriter *handlers.WebSocketWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Int("workers", cfg.Pipeline.Workers).
		Str("model", cfg.Claude.Model).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(&a.Config.Storage.Badger, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices wires the processing pipeline bottom-up: collaborators first,
// then stage executors, then the orchestrator that drives them
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	a.Broadcaster = pipeline.NewBroadcaster(a.EventService, a.Logger)
	a.Merger = merger.New(&a.Config.Merger, a.Logger)

	store, err := objectstore.NewFilesystemStore(&a.Config.Storage.Filesystem, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}
	a.ObjectStore = store

	a.Splitter = pdf.NewSplitter(a.Logger)
	a.Detector = detection.NewDetector(a.Logger)

	visionService, err := vision.NewClaudeService(&a.Config.Claude, a.Splitter, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create vision service: %w", err)
	}
	a.Vision = visionService

	uploader := stages.NewUploadExecutor(a.ObjectStore, a.Logger)
	executors := []interfaces.StageExecutor{
		uploader,
		stages.NewOCRExecutor(a.ObjectStore, a.Vision, a.Logger),
		stages.NewDetectionExecutor(a.Detector, a.Logger),
		stages.NewAnalysisExecutor(a.ObjectStore, a.Vision, a.Logger),
		stages.NewQuantityExecutor(a.Logger),
	}

	a.Orchestrator = pipeline.NewOrchestrator(
		&a.Config.Pipeline,
		a.StorageManager,
		a.EventService,
		a.Broadcaster,
		a.Merger,
		a.ObjectStore,
		a.Splitter,
		uploader,
		executors,
		a.Logger,
	)

	a.Watchdog = pipeline.NewWatchdog(&a.Config.Pipeline, a.StorageManager.TaskStorage(), a.EventService, a.Logger)

	return nil
}

// initHandlers creates the HTTP and WebSocket handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.StorageManager, a.Logger)
	a.DocumentHandler = handlers.NewDocumentHandler(a.Orchestrator, a.Orchestrator, a.Orchestrator, a.StorageManager, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(&a.Config.WebSocket, a.StorageManager.TaskStorage(), a.Orchestrator, a.EventService, a.Logger)

	// Forward warning-level logs to connected clients as an activity feed
	wsWriter, err := handlers.NewWebSocketWriter(a.WSHandler, arbormodels.WriterConfiguration{
		Type:       arbormodels.LogWriterTypeConsole,
		TimeFormat: "15:04:05",
	}, &a.Config.WebSocket)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to create WebSocket log writer")
	} else {
		a.wsWriter = wsWriter
	}

	return nil
}

// Start launches the pipeline workers and the stall watchdog
func (a *App) Start(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := a.Watchdog.Start(); err != nil {
		return fmt.Errorf("failed to start watchdog: %w", err)
	}
	return nil
}

// Close shuts the application down in reverse dependency order
func (a *App) Close() error {
	if a.Watchdog != nil {
		a.Watchdog.Stop()
		a.Logger.Info().Msg("Watchdog stopped")
	}

	if a.Orchestrator != nil {
		a.Orchestrator.Stop()
		a.Logger.Info().Msg("Orchestrator stopped")
	}

	// Drain pending progress updates before the event bus closes
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}

	if a.wsWriter != nil {
		if err := a.wsWriter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close WebSocket log writer")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
