package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"StreamVest-Chain/internal/agreement"
	xerrors "StreamVest-Chain/internal/errors"
	"StreamVest-Chain/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供外部环境驱动账本。
type Server struct {
	addr    string
	service *agreement.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *agreement.Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agreements", s.instrument("agreements", s.handleAgreements))
	mux.HandleFunc("/api/v1/agreements/", s.instrument("agreement_detail", s.handleAgreementRoutes))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
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

// instrument 包装处理器，记录请求指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleAgreements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleAgreementRoutes 分派 /api/v1/agreements/ 下的子路由。
func (s *Server) handleAgreementRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agreements/")
	if rest == "stats" {
		s.handleStats(w, r)
		return
	}

	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil || id == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "协议 id 非法"))
		return
	}

	switch action {
	case "":
		s.handleDetail(w, r, id)
	case "withdraw":
		s.handleWithdraw(w, r, id)
	case "cancel":
		s.handleCancel(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type createRequest struct {
	Token       string `json:"token"`
	Recipient   string `json:"recipient"`
	TotalAmount string `json:"total_amount"`
	Duration    int64  `json:"duration"`
	Start       int64  `json:"start"`
	Caller      string `json:"caller"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	total, ok := new(big.Int).SetString(strings.TrimSpace(req.TotalAmount), 10)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "total_amount 必须是十进制整数"))
		return
	}

	created, err := s.service.Create(r.Context(), agreement.CreateRequest{
		Token:       common.HexToAddress(req.Token),
		Recipient:   common.HexToAddress(req.Recipient),
		TotalAmount: total,
		Duration:    req.Duration,
		Start:       req.Start,
		Caller:      common.HexToAddress(req.Caller),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var opts []agreement.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, agreement.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, agreement.WithOffset(parsed))
		}
	}
	if query.Get("active") == "true" {
		opts = append(opts, agreement.WithActiveOnly())
	}
	if raw := query.Get("sender"); raw != "" {
		opts = append(opts, agreement.WithSender(common.HexToAddress(raw)))
	}
	if raw := query.Get("recipient"); raw != "" {
		opts = append(opts, agreement.WithRecipient(common.HexToAddress(raw)))
	}

	results, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	a, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.service.Withdraw(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type cancelRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	result, err := s.service.Cancel(r.Context(), id, common.HexToAddress(req.Caller))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 把统一错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case agreement.CodeAgreementNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeUnauthorized:
		status = http.StatusForbidden
	case agreement.CodeAgreementInactive:
		status = http.StatusConflict
	case agreement.CodeNothingToRelease:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeTransferFailed:
		status = http.StatusBadGateway
	}

	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if xerrors.RetryableError(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
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
