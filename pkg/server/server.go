package server

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"storyboard/pkg/events"
	"storyboard/pkg/flight"
	"storyboard/pkg/grid"
	"storyboard/pkg/imageutil"
	"storyboard/pkg/pipeline"
	"storyboard/pkg/queue"
	"storyboard/pkg/schema"
	"storyboard/pkg/state"
	"storyboard/pkg/store"
	"storyboard/pkg/utils"
)

// Deps are the collaborators the server is built from. Uploader and HTTP are optional.
type Deps struct {
	DB       *store.DB
	KV       store.KV
	Pipeline *pipeline.Pipeline
	Tracker  *grid.Tracker
	Uploader store.Uploader
	HTTP     *http.Client
	// ImageModel is used for grid tasks when the project settings name none.
	ImageModel string
	// UploadDir, when set, is served under /uploads.
	UploadDir string
}

type Server struct {
	Echo     *echo.Echo
	DB       *store.DB
	Pipeline *pipeline.Pipeline
	State    *state.Store
	Events   *events.Emitter
	Hub      *events.Hub
	Uploader store.Uploader
	HTTP     *http.Client
	Ctx      context.Context

	imageModel string
	guard      grid.Guard
	resumer    *grid.Coordinator
	generator  *grid.Generator
	applier    *grid.Applier

	queue    *queue.Sequential[schema.GridResult]
	flights  flight.Cache[gridKey, schema.GridResult]
	cells    flight.Cache[string, [][]byte]
	batches  *utils.SyncMap[map[string]context.CancelFunc, string, context.CancelFunc]
	applying *utils.SyncMap[map[string]bool, string, bool]
}

type gridKey struct {
	episodeID string
	grid      int
}

func NewServer(ctx context.Context, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("20M"))

	emitter := events.NewEmitter()
	httpClient := deps.HTTP
	if httpClient == nil {
		httpClient = imageutil.NewHTTPClient(time.Minute, 2)
	}

	s := &Server{
		Echo:       e,
		DB:         deps.DB,
		Pipeline:   deps.Pipeline,
		State:      state.NewStore(deps.KV, deps.DB, emitter),
		Events:     emitter,
		Hub:        events.NewHub(emitter),
		Uploader:   deps.Uploader,
		HTTP:       httpClient,
		Ctx:        ctx,
		imageModel: deps.ImageModel,
		queue:      queue.New[schema.GridResult](64),
		batches:    utils.NewSyncMap[map[string]context.CancelFunc](),
		applying:   utils.NewSyncMap[map[string]bool](),
		applier:    &grid.Applier{Store: deps.DB},
	}

	s.resumer = &grid.Coordinator{
		Tracker:    deps.Tracker,
		OnResult:   s.storeGridResult,
		OnProgress: s.emitGridProgress,
	}
	s.generator = &grid.Generator{
		Tracker:    deps.Tracker,
		Meta:       s.State,
		OnProgress: s.emitGridProgress,
	}
	s.flights = flight.NewCache(s.renderGrid)
	s.flights.Expiry(10 * time.Minute)
	s.cells = flight.NewCache(s.splitGrid)
	s.cells.Expiry(10 * time.Minute)

	s.queue.Start()
	s.registerRoutes()
	if deps.UploadDir != "" {
		e.Static("/uploads", deps.UploadDir)
	}
	return s
}

func (s *Server) registerRoutes() {
	s.Echo.GET("/", s.handleGetRoot)
	s.Echo.GET("/api/events", s.Hub.ServeWS)

	api := s.Echo.Group("/api")
	api.GET("/projects", s.handleListProjects)
	api.POST("/projects", s.handlePostProject)
	api.GET("/projects/:id", s.handleGetProject)
	api.PUT("/projects/:id", s.handlePutProject)
	api.DELETE("/projects/:id", s.handleDeleteProject)
	api.POST("/projects/:id/script", s.handlePostScript)                      // split a script into episodes
	api.POST("/projects/:id/characters/extract", s.handleExtractCharacters)   // roster from the script
	api.POST("/projects/:id/scenes/extract", s.handleExtractScenes)           // scene list from the script
	api.POST("/projects/:id/characters/:cid/supplement", s.handleSupplement) // appearance, costume, forms

	api.GET("/episodes/:id", s.handleGetEpisode)
	api.PATCH("/episodes/:id", s.handlePatchEpisode)
	api.POST("/episodes/:id/shots/generate", s.handleGenerateShots) // SSE
	api.POST("/episodes/:id/shots/prompts", s.handleExtractPrompts)
	api.GET("/episodes/:id/shots/:seq/cell", s.handleGetCell)

	api.POST("/episodes/:id/select", s.handleSelectEpisode)
	api.POST("/episodes/:id/resume", s.handleResume)
	api.GET("/episodes/:id/state", s.handleGetState)
	api.POST("/episodes/:id/grids/batch", s.handleGenerateBatch)
	api.DELETE("/episodes/:id/grids/batch", s.handleAbortBatch)
	api.POST("/episodes/:id/grids/apply", s.handleApplyGrids)
	api.POST("/episodes/:id/grids/:grid", s.handleGenerateGrid)
	api.POST("/episodes/:id/grids/:grid/image", s.handleUploadGrid)
}

func (s *Server) Start(addr string) error {
	log.Info("server listening", "addr", addr)
	return s.Echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down server")

	s.batches.Range(func(id string, cancel context.CancelFunc) bool {
		log.Info("aborting batch generation", "episode", id)
		cancel()
		return true
	})
	s.queue.Stop()
	s.Hub.Close()
	return s.Echo.Shutdown(ctx)
}
