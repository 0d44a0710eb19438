package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/api/middleware"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/config"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/decision"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/monitor"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/dedup"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/notify"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/ratelimit"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库存储、可选的 Redis 客户端、事件发布器、异步通知器、
// 重新估值监控器以及 Gin 路由引擎。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	rdb       *redis.Client
	router    *gin.Engine
	publisher events.Publisher
	notifier  *notify.AsyncNotifier
	monitor   *monitor.Monitor

	// monitorDone 在监控 goroutine 退出时关闭
	monitorDone chan struct{}

	items     ItemStore
	configs   ConfigStore
	snapshots SnapshotSource
	recorder  TransitionRecorder
	status    MonitorStatus
	pinger    Pinger
}

// ItemStore 商品相关的持久化接口。
type ItemStore interface {
	ListItems(ctx context.Context) ([]model.Item, error)
	ListItemsByUser(ctx context.Context, userID string) ([]model.Item, error)
	GetItem(ctx context.Context, id uint) (*model.Item, error)
	CreateItem(ctx context.Context, item *model.Item) error
	SaveItem(ctx context.Context, item *model.Item) error
	ListTransitionLogs(ctx context.Context, itemID uint, limit int) ([]model.DecisionLog, error)
}

// ConfigStore 全局设置与费率表的持久化接口。
type ConfigStore interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, st *model.Settings) error
	ListRules(ctx context.Context) ([]model.FeeRule, error)
	UpsertRule(ctx context.Context, rule *model.FeeRule) error
}

// SnapshotSource 提供估值快照，管理员写入后需要失效缓存。
type SnapshotSource interface {
	Load(ctx context.Context) engine.Snapshot
	Invalidate(ctx context.Context)
}

// TransitionRecorder 记录决策变化。
type TransitionRecorder interface {
	Record(ctx context.Context, t decision.Transition) error
}

// MonitorStatus 监控器只读状态。
type MonitorStatus interface {
	State() monitor.State
	LastReport() (monitor.SweepReport, bool)
}

// Pinger 健康检查依赖。
type Pinger interface {
	Ping(ctx context.Context) error
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

type multiPinger []Pinger

func (m multiPinger) Ping(ctx context.Context) error {
	for _, p := range m {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接数据库、执行自动迁移并写入默认设置
// 2. 连接 Redis（可选，失败时关闭缓存与 Stream 事件）
// 3. 组装事件发布器、异步通知器、决策记录器与快照加载器
// 4. 创建重新估值监控器并初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	st := store.New(db, cfg.App.ItemBatchSize)
	if err := store.Migrate(db); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.SeedDefaults(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, snapshot cache and stream events disabled",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()))
			_ = rdb.Close()
			rdb = nil
		}
	}

	publisher, err := events.New(cfg, rdb, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)
	guarded := notify.NewGuardedNotifier(
		emailNotifier,
		dedup.NewDeduplicator(rdb, cfg.App.AlertDedupWindow),
		ratelimit.NewPerMinute(rdb, logger, ratelimit.DefaultKey, cfg.App.AlertRatePerMinute, cfg.App.AlertBurst),
		logger,
	)
	asyncNotifier := notify.NewAsyncNotifier(guarded, logger, cfg.App.NotifyWorkers, cfg.App.NotifyQueueSize)

	recorder := decision.NewRecorder(st, publisher, asyncNotifier, logger)
	snapshots := store.NewSnapshotLoader(st, rdb, cfg.App.SnapshotCacheTTL, logger)
	mon := monitor.New(st, snapshots, recorder, logger, cfg.App.MonitorInterval, cfg.App.MonitorStartupDelay)

	pingers := multiPinger{st}
	if rdb != nil {
		pingers = append(pingers, redisPinger{rdb: rdb})
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		rdb:       rdb,
		router:    r,
		publisher: publisher,
		notifier:  asyncNotifier,
		monitor:   mon,
		items:     st,
		configs:   st,
		snapshots: snapshots,
		recorder:  recorder,
		status:    mon,
		pinger:    pingers,
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartBackground 启动通知 worker 与重新估值监控器。
//
// 监控器运行在独立 goroutine 中并带 recover 保护，ctx 取消时退出。
func (s *Server) StartBackground(ctx context.Context) {
	s.notifier.Start(ctx)

	s.monitorDone = make(chan struct{})
	go func() {
		defer close(s.monitorDone)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in revaluation monitor", slog.Any("panic", r))
			}
		}()
		s.monitor.Run(ctx)
	}()
}

// monitorStopTimeout Close 等待监控器结束当前商品的最长时间。
const monitorStopTimeout = 15 * time.Second

// Close 等待监控器退出，排空通知队列并关闭事件、缓存与数据库连接。
//
// 调用前应先取消传给 StartBackground 的 ctx。
func (s *Server) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(s.waitMonitor(monitorStopTimeout))
	if s.notifier != nil {
		keep(s.notifier.Shutdown(5 * time.Second))
	}
	if s.publisher != nil {
		keep(s.publisher.Close())
	}
	if s.rdb != nil {
		keep(s.rdb.Close())
	}
	if s.store != nil {
		keep(s.store.Close())
	}
	return firstErr
}

// waitMonitor 等待监控 goroutine 退出，避免在写入商品与日志之间关闭数据库。
func (s *Server) waitMonitor(timeout time.Duration) error {
	if s.monitorDone == nil {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.monitorDone:
		return nil
	case <-timer.C:
		s.logger.Error("revaluation monitor did not stop in time", slog.String("timeout", timeout.String()))
		return fmt.Errorf("monitor stop timeout after %s", timeout)
	}
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/evaluate", s.handleEvaluate)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.GET("/items", s.handleListItems)
	authed.POST("/items", s.handleCreateItem)
	authed.PATCH("/items/:id", s.handleUpdateItem)
	authed.GET("/items/:id/logs", s.handleItemLogs)

	admin := authed.Group("/")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/settings", s.handleGetSettings)
	admin.PUT("/settings", s.handleUpdateSettings)
	admin.GET("/fee-rules", s.handleListFeeRules)
	admin.PUT("/fee-rules", s.handleUpsertFeeRule)
	admin.GET("/monitor", s.handleMonitorStatus)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.pinger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// loadItemForCaller 读取商品并校验归属；非本人且非管理员时按不存在处理。
func (s *Server) loadItemForCaller(c *gin.Context) (*model.Item, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return nil, false
	}
	item, err := s.items.GetItem(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return nil, false
		}
		s.logger.Error("get item failed", slog.Uint64("item_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get item failed"})
		return nil, false
	}
	if item.UserID != getUserID(c) && !isAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		return nil, false
	}
	return item, true
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getUserID(c *gin.Context) string {
	return c.GetString("userID")
}

func isAdmin(c *gin.Context) bool {
	return c.GetString("role") == middleware.RoleAdmin
}

func bindError(err error) gin.H {
	return gin.H{"error": fmt.Sprintf("invalid request body: %v", err)}
}
