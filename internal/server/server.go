package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agent-trader/internal/agent"
	"agent-trader/internal/ai"
	"agent-trader/internal/config"
	"agent-trader/internal/monitor"
	"agent-trader/internal/pipeline"
	"agent-trader/internal/queue"
	"agent-trader/internal/risk"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
	defaultAgentLimit = 50
	maxAgentLimit     = 500
)

// Ticker 执行一次调度。
type Ticker interface {
	Tick(ctx context.Context) (pipeline.Summary, error)
}

// TradeReader 读取交易请求。
type TradeReader interface {
	Get(ctx context.Context, id string) (queue.TradeRequest, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]queue.TradeRequest, error)
}

// ActivityReader 读取代理的风控事件。
type ActivityReader interface {
	ListByAgent(ctx context.Context, agentID string, limit int) ([]risk.ActivityEvent, error)
}

// EventReader 读取审计事件。
type EventReader interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
}

// Consulter 发起 AI 咨询并按需入队。
type Consulter interface {
	ConsultAndQueue(ctx context.Context, agentID string, req ai.Request) (ai.Result, error)
}

// Deps 是 HTTP 层依赖的组件；Consulter 为空时咨询接口返回 503。
type Deps struct {
	Runner    Ticker
	Trades    TradeReader
	Events    EventReader
	Activity  ActivityReader
	Consulter Consulter
}

// Server 提供调度触发与查询接口。
type Server struct {
	cfg         config.TriggerConfig
	tickTimeout time.Duration
	deps        Deps
	logger      *zap.Logger
	engine      *gin.Engine
}

// New 创建 HTTP 服务并注册路由。
func New(cfg config.TriggerConfig, tickTimeout time.Duration, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, tickTimeout: tickTimeout, deps: deps, logger: logger}
	s.engine = s.routes()
	return s
}

// Handler 返回 http.Handler，便于测试。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger(s.logger))
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
	})
	r.NoRoute(func(c *gin.Context) {
		notFound(c, "route not found")
	})

	r.GET("/healthz", func(c *gin.Context) {
		success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", jwtAuth([]byte(s.cfg.JWTSecret), s.cfg.Issuer))
	api.GET("/cron/execute-trades", s.executeTrades)
	api.GET("/trades/:id", s.getTrade)
	api.GET("/events", s.listEvents)
	api.GET("/agents/:id/trades", s.listAgentTrades)
	api.GET("/agents/:id/activity", s.listAgentActivity)
	api.POST("/agents/:id/consult", s.consult)
	return r
}

func (s *Server) executeTrades(c *gin.Context) {
	ctx := c.Request.Context()
	if s.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.tickTimeout)
		defer cancel()
	}

	summary, err := s.deps.Runner.Tick(ctx)
	if err != nil {
		s.logger.Error("调度执行失败", zap.Error(err), zap.String("request_id", summary.RequestID))
		internalError(c)
		return
	}
	success(c, http.StatusOK, summary)
}

func (s *Server) getTrade(c *gin.Context) {
	trade, err := s.deps.Trades.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		notFound(c, "trade not found")
		return
	}
	if err != nil {
		s.logger.Error("读取交易请求失败", zap.Error(err))
		internalError(c)
		return
	}
	success(c, http.StatusOK, trade)
}

// queryLimit 解析 limit 参数，超过上限时截断；非法值返回 false 并已写出 400。
func queryLimit(c *gin.Context, def, ceiling int) (int, bool) {
	qs := c.Query("limit")
	if qs == "" {
		return def, true
	}
	v, err := strconv.Atoi(qs)
	if err != nil || v <= 0 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	if v > ceiling {
		v = ceiling
	}
	return v, true
}

func (s *Server) listAgentTrades(c *gin.Context) {
	limit, ok := queryLimit(c, defaultAgentLimit, maxAgentLimit)
	if !ok {
		return
	}
	trades, err := s.deps.Trades.ListByAgent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error("读取代理交易失败", zap.Error(err), zap.String("agent_id", c.Param("id")))
		internalError(c)
		return
	}
	success(c, http.StatusOK, trades)
}

func (s *Server) listAgentActivity(c *gin.Context) {
	if s.deps.Activity == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "risk activity disabled")
		return
	}
	limit, ok := queryLimit(c, defaultAgentLimit, maxAgentLimit)
	if !ok {
		return
	}
	events, err := s.deps.Activity.ListByAgent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error("读取风控事件失败", zap.Error(err), zap.String("agent_id", c.Param("id")))
		internalError(c)
		return
	}
	success(c, http.StatusOK, events)
}

func (s *Server) listEvents(c *gin.Context) {
	limit, ok := queryLimit(c, defaultEventLimit, maxEventLimit)
	if !ok {
		return
	}
	eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))

	events, err := s.deps.Events.ListEvents(c.Request.Context(), eventType, limit)
	if err != nil {
		s.logger.Error("读取监控事件失败", zap.Error(err))
		internalError(c)
		return
	}
	success(c, http.StatusOK, events)
}

type consultBody struct {
	Notes     string   `json:"notes"`
	Tokens    []string `json:"tokens"`
	MaxAmount string   `json:"max_amount"`
}

func (s *Server) consult(c *gin.Context) {
	if s.deps.Consulter == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "ai consult disabled")
		return
	}

	var body consultBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	result, err := s.deps.Consulter.ConsultAndQueue(c.Request.Context(), c.Param("id"), ai.Request{
		Notes:     body.Notes,
		Tokens:    body.Tokens,
		MaxAmount: body.MaxAmount,
	})
	switch {
	case err == nil:
		success(c, http.StatusCreated, result)
	case errors.Is(err, agent.ErrNotFound):
		notFound(c, "agent not found")
	case errors.Is(err, ai.ErrUnknownToken), errors.Is(err, queue.ErrInvalidRequest):
		badRequest(c, err.Error())
	default:
		s.logger.Error("AI 咨询失败", zap.Error(err), zap.String("agent_id", c.Param("id")))
		internalError(c)
	}
}

// Run 监听配置的地址，ctx 结束时优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务已启动", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
		}
		return nil
	}
}
