package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ChainPilot/internal/auth"
	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/internal/txsafe"
	"ChainPilot/pkg/logger"
)

// Server 负责暴露 REST 接口：流式对话、对话管理与交易状态查询。
type Server struct {
	addr     string
	orch     *orchestrator.Orchestrator
	chats    *chat.Service
	pipeline *txsafe.Pipeline
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator, chats *chat.Service, pipeline *txsafe.Pipeline, authSvc *auth.Service) *Server {
	return &Server{addr: addr, orch: orch, chats: chats, pipeline: pipeline, auth: authSvc}
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

// Handler 返回完整的路由，便于测试直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", s.handleChat)
	mux.HandleFunc("/api/v1/transactions", s.handleTransactions)
	mux.Handle("/metrics", metrics.Handler())

	handler := http.Handler(mux)
	if s.auth != nil {
		handler = s.auth.Middleware()(handler)
	}
	return observe(handler)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleChatStream(w, r)
	case http.MethodGet:
		s.handleChatHistory(w, r)
	case http.MethodDelete:
		s.handleChatDelete(w, r)
	default:
		http.Error(w, "仅支持 GET/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

// chatRequest 是流式对话请求体。
type chatRequest struct {
	ConversationID string                     `json:"conversationId"`
	Messages       []orchestrator.TurnMessage `json:"messages"`
	ModelID        string                     `json:"modelId"`
}

// handleChatStream 以 NDJSON 逐事件下发一轮对话，每个事件立即冲刷。
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "消息列表不能为空", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "流式响应不可用", http.StatusInternalServerError)
		return
	}
	enc := json.NewEncoder(w)
	streamed := false
	sink := func(event orchestrator.Event) error {
		// 状态码在首个事件到达时才提交，此前的授权等失败仍能返回标准错误状态。
		if !streamed {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			streamed = true
		}
		if err := enc.Encode(event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := s.orch.Run(r.Context(), orchestrator.TurnRequest{
		OwnerID:  auth.OwnerID(r.Context()),
		ChatID:   req.ConversationID,
		Model:    req.ModelID,
		Messages: req.Messages,
	}, sink)
	if err != nil {
		logger.L().Warn("对话轮次失败", "error", err)
		if !streamed {
			// 流尚未开始，仍可返回标准错误状态。
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		// 流已开始，只能以注解事件收尾。
		_ = sink(orchestrator.Event{
			Type: orchestrator.EventAnnotation,
			Annotation: &orchestrator.Annotation{
				Kind:   "error",
				Status: string(xerrors.CodeOf(err)),
			},
		})
	}
}

// handleChatHistory 返回一条对话的全部消息，顺序与写入一致。
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.chats == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "缺少对话 ID", http.StatusBadRequest)
		return
	}
	messages, err := s.chats.History(r.Context(), auth.OwnerID(r.Context()), id)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "messages": messages})
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	if s.chats == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "缺少对话 ID", http.StatusBadRequest)
		return
	}
	if err := s.chats.Delete(r.Context(), auth.OwnerID(r.Context()), id); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleTransactions 查询待处理交易状态；断开连接或超时后仍可复查。
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "缺少交易 ID", http.StatusBadRequest)
		return
	}

	tx, err := s.pipeline.Confirm(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// statusOf 将统一错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArguments:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// observe 记录每个请求的计数与时延。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(r.URL.Path, r.Method, rec.status, time.Since(start))
	})
}

// statusRecorder 捕获响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传冲刷能力，流式响应依赖它。
func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
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
