package apiserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/actions"
	"github.com/stateline/stateline/pkg/apiserver/handlers"
	"github.com/stateline/stateline/pkg/apiserver/middleware"
	"github.com/stateline/stateline/pkg/auth"
	"github.com/stateline/stateline/pkg/config"
	"github.com/stateline/stateline/pkg/engine"
	"github.com/stateline/stateline/pkg/eventbus"
	"github.com/stateline/stateline/pkg/store"
	"github.com/stateline/stateline/pkg/store/clickhouse"
	"github.com/stateline/stateline/pkg/store/postgres"
	redisclient "github.com/stateline/stateline/pkg/store/redis"
)

type Server struct {
	router *gin.Engine
	db     *postgres.Store
	redis  *redisclient.Client
	audit  store.AuditStore
	tokens *auth.TokenManager
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(db *postgres.Store, redis *redisclient.Client, cfg *config.Config, logger *zap.Logger) *Server {
	var audit store.AuditStore
	var mirror store.AuditStore

	if cfg.Audit.StorageDriver == "clickhouse" {
		logger.Info("using clickhouse for audit storage")
		ch, err := clickhouse.NewAuditStore(
			cfg.ClickHouse.Hosts[0],
			cfg.ClickHouse.Database,
			cfg.ClickHouse.User,
			cfg.ClickHouse.Password,
			logger,
		)
		if err != nil {
			logger.Fatal("failed to initialize clickhouse audit store", zap.Error(err))
		}
		if err := ch.EnsureSchema(context.Background()); err != nil {
			logger.Fatal("failed to ensure clickhouse schema", zap.Error(err))
		}
		// postgres state_logs stay the source of truth; clickhouse is the
		// query/reporting mirror fed after each commit.
		audit = ch
		mirror = ch
	} else if db != nil {
		logger.Info("using postgres for audit storage")
		audit = postgres.NewAuditRepository(db.DB())
	}

	s := &Server{
		db:     db,
		redis:  redis,
		audit:  audit,
		tokens: auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL),
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter(mirror)

	return s
}

func (s *Server) setupRouter(mirror store.AuditStore) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.tokens))

		pipelineHandler := handlers.NewPipelineHandler(s.db, s.logger)
		api.POST("/pipelines", pipelineHandler.Create)
		api.GET("/pipelines", pipelineHandler.List)
		api.GET("/pipelines/:id", pipelineHandler.Get)
		api.PUT("/pipelines/:id", pipelineHandler.Update)
		api.POST("/pipelines/:id/activate", pipelineHandler.Activate)
		api.POST("/pipelines/:id/deactivate", pipelineHandler.Deactivate)
		api.POST("/pipelines/:id/states", pipelineHandler.CreateState)
		api.PUT("/states/:id", pipelineHandler.UpdateState)
		api.DELETE("/states/:id", pipelineHandler.DeleteState)
		api.POST("/pipelines/:id/transitions", pipelineHandler.CreateTransition)
		api.PUT("/transitions/:id", pipelineHandler.UpdateTransition)
		api.DELETE("/transitions/:id", pipelineHandler.DeleteTransition)
		api.POST("/transitions/:id/actions", pipelineHandler.CreateAction)
		api.PUT("/actions/:id", pipelineHandler.UpdateAction)
		api.DELETE("/actions/:id", pipelineHandler.DeleteAction)

		executionHandler := handlers.NewExecutionHandler(s.db, s.buildExecutor(mirror), s.logger)
		api.POST("/entities/:type/:id/transitions", executionHandler.ExecuteTransition)
		api.POST("/entities/:type/:id/enroll", executionHandler.Enroll)
		api.GET("/entities/:type/:id/state", executionHandler.GetEntityState)
		api.GET("/pipelines/:id/stale", executionHandler.ListStale(s.cfg.Staleness.Threshold))

		auditHandler := handlers.NewAuditHandler(s.audit, s.logger)
		api.GET("/audit", auditHandler.Query)
	}

	s.router = r
}

// buildExecutor wires the transition engine against the postgres repositories,
// the action registry and the event bus.
func (s *Server) buildExecutor(mirror store.AuditStore) *engine.Executor {
	if s.db == nil {
		return nil
	}

	var bus *eventbus.Bus
	if s.redis != nil {
		bus = eventbus.NewBus(s.redis.Client())
	}

	documents := postgres.NewDocumentRepository(s.db.DB())
	deps := actions.Deps{
		Entities:   documents,
		Dispatches: postgres.NewDispatchRepository(s.db.DB()),
		Webhooks:   actions.NewWebhookClient(s.cfg.Actions.WebhookTimeout),
	}
	if bus != nil {
		deps.Events = bus
	}
	registry := actions.NewDefaultRegistry(deps, s.logger)

	return engine.NewExecutor(
		postgres.NewDefinitionRepository(s.db.DB()),
		postgres.NewEntityStateRepository(s.db.DB()),
		auth.ContextAuthorizer{},
		documents,
		registry,
		s.logger,
		engine.WithEvents(&busEvents{bus: bus, mirror: mirror, logger: s.logger}),
	)
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) TokenManager() *auth.TokenManager {
	return s.tokens
}

func (s *Server) AuditStore() store.AuditStore {
	return s.audit
}
