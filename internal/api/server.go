package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentChain/internal/auth"
	"AgentChain/internal/capability"
	"AgentChain/internal/engine"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/observability/metrics"
	"AgentChain/internal/proofs"
	"AgentChain/internal/task"
	"AgentChain/pkg/logger"
)

// Tasks 负责异步提交与归档查询，由 task.Service 实现。
type Tasks interface {
	Submit(ctx context.Context, agentID, input string) (string, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Record, error)
}

// Runtime 提供任务的实时视图，由 engine.Runtime 实现。
type Runtime interface {
	Status(ctx context.Context, taskID string) (*task.Record, error)
	Result(ctx context.Context, taskID string) (*engine.Result, error)
	Cancel(ctx context.Context, taskID string) error
}

// Verifier 校验最终答复的签名。
type Verifier interface {
	Verify(sig proofs.Signature, payload []byte) bool
}

type verifyFunc func(sig proofs.Signature, payload []byte) bool

func (f verifyFunc) Verify(sig proofs.Signature, payload []byte) bool { return f(sig, payload) }

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithRegistry 设置能力注册表，用于 /api/v1/capabilities。
func WithRegistry(r *capability.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithVerifier 替换默认的签名校验方式。
func WithVerifier(v Verifier) Option {
	return func(s *Server) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithAuth 为 /api/v1 路由启用认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 记录 HTTP 指标并在 /metrics 暴露。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLogger 设置服务日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr     string
	tasks    Tasks
	runtime  Runtime
	registry *capability.Registry
	verifier Verifier
	auth     *auth.Service
	metrics  *metrics.Collector
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks Tasks, runtime Runtime, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		tasks:    tasks,
		runtime:  runtime,
		verifier: verifyFunc(proofs.VerifySignature),
		log:      logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/tasks", auth.PermissionTasksWrite, s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", auth.PermissionTasksRead, s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/{id}", auth.PermissionTasksRead, s.handleTaskDetail)
	s.route(mux, "GET /api/v1/tasks/{id}/result", auth.PermissionTasksRead, s.handleTaskResult)
	s.route(mux, "POST /api/v1/tasks/{id}/cancel", auth.PermissionTasksWrite, s.handleCancelTask)
	s.route(mux, "GET /api/v1/capabilities", auth.PermissionTasksRead, s.handleCapabilities)
	s.route(mux, "POST /api/v1/signatures/verify", auth.PermissionTasksRead, s.handleVerify)
	mux.Handle("GET /healthz", s.instrument("GET /healthz", http.HandlerFunc(s.handleHealth)))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// route 注册受保护的 /api/v1 路由。
func (s *Server) route(mux *http.ServeMux, pattern, permission string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.auth.Enabled() {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {permission}},
			AuditEvent:          pattern,
		})(handler)
	}
	mux.Handle(pattern, s.instrument(pattern, handler))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createTaskRequest struct {
	AgentID string `json:"agent_id"`
	Input   string `json:"input"`
}

type taskAccepted struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidInput, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidInput, "agent_id 不能为空")
		return
	}

	id, err := s.tasks.Submit(r.Context(), req.AgentID, req.Input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+id)
	writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: id, Status: task.StatusPending})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []task.ListOption{
		task.WithAgent(query.Get("agent_id")),
		task.WithQuery(query.Get("q")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "limit 必须为正整数")
			return
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "offset 必须为非负整数")
			return
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}

	records, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []*task.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	record, err := s.runtime.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.runtime.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	switch record.Status {
	case task.StatusFailed:
		writeError(w, http.StatusUnprocessableEntity, xerrors.Code(record.ErrorCode), record.ErrorDetail)
		return
	case task.StatusCompleted:
	default:
		writeError(w, http.StatusConflict, engine.CodeTaskNotFinished, "任务尚未结束，当前状态 "+string(record.Status))
		return
	}

	result, err := s.runtime.Result(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	status := task.StatusFailed
	if record, err := s.runtime.Status(r.Context(), id); err == nil {
		status = record.Status
	}
	writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: id, Status: status})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []capability.Descriptor{})
		return
	}
	snapshot := s.registry.Snapshot()
	descriptors := snapshot.Descriptors(nil)
	if descriptors == nil {
		descriptors = []capability.Descriptor{}
	}
	w.Header().Set("X-Registry-Version", strconv.FormatUint(snapshot.Version(), 10))
	writeJSON(w, http.StatusOK, descriptors)
}

type verifyRequest struct {
	Payload   string            `json:"payload"`
	Signature *proofs.Signature `json:"signature"`
}

type verifyResponse struct {
	Valid   bool   `json:"valid"`
	Signer  string `json:"signer,omitempty"`
	Address string `json:"address,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Signature == nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "需要 payload 与 signature")
		return
	}
	sig := *req.Signature
	resp := verifyResponse{Valid: s.verifier.Verify(sig, []byte(req.Payload))}
	if resp.Valid {
		resp.Signer = sig.Signer
		resp.Address = sig.Address
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail 将错误码映射为 HTTP 状态码后输出。
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	message := err.Error()
	if coded, ok := xerrors.From(err); ok && coded.Message() != "" {
		message = coded.Message()
	}
	writeError(w, status, xerrors.CodeOf(err), message)
}

func statusFor(err error) int {
	switch {
	case task.IsNotFound(err), xerrors.HasCode(err, xerrors.CodeNotFound):
		return http.StatusNotFound
	case xerrors.HasCode(err, xerrors.CodeEngineSaturated):
		return http.StatusTooManyRequests
	case xerrors.HasCode(err, xerrors.CodeInvalidInput), xerrors.HasCode(err, xerrors.CodeInvalidArgument):
		return http.StatusBadRequest
	case xerrors.HasCode(err, xerrors.CodeAlreadyCompleted), xerrors.HasCode(err, engine.CodeTaskNotFinished):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), xerrors.HasCode(err, xerrors.CodeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder 捕获响应码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 以路由模式为标签记录请求指标。
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
