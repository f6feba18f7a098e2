package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"Clawracle-Agent/internal/observability/metrics"
	"Clawracle-Agent/internal/tracking"
)

// Server 暴露只读状态接口，供运维观察跟踪表与指标。
type Server struct {
	addr  string
	store tracking.Store
}

// NewServer 构造状态服务实例。
func NewServer(addr string, store tracking.Store) *Server {
	return &Server{addr: addr, store: store}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/requests", s.handleRequests)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
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

type requestsResponse struct {
	Count    int                        `json:"count"`
	Requests []*tracking.TrackedRequest `json:"requests"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "存储未初始化", http.StatusServiceUnavailable)
		return
	}

	snapshot := s.store.Snapshot()
	out := make([]*tracking.TrackedRequest, 0, len(snapshot))
	for _, req := range snapshot {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(requestsResponse{Count: len(out), Requests: out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"tracked": s.store.Len(),
	})
}
