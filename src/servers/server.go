package servers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/recordbridge/recordbridge/src/instance"
	applog "github.com/recordbridge/recordbridge/src/log"
	rbsentry "github.com/recordbridge/recordbridge/src/pkg/sentry"
)

const shutdownTimeout = 5 * time.Second

// Server 对外提供 REST、SSE 与 /metrics 接口
type Server struct {
	server *http.Server
}

func initMux(ctx context.Context) *mux.Router {
	inst := instance.GetInstance(ctx)
	m := mux.NewRouter()
	m.Use(
		func(handler http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handler.ServeHTTP(w, r.WithContext(instance.WithInstance(r.Context(), inst)))
			})
		},
		recoverer,
		log,
	)

	m.HandleFunc("/healthz", getHealth).Methods("GET")
	if inst.Metrics != nil {
		m.Handle("/metrics", inst.Metrics.Handler()).Methods("GET")
	}

	apiRoute := m.PathPrefix("/api").Subrouter()
	apiRoute.HandleFunc("/info", getInfo).Methods("GET")
	apiRoute.HandleFunc("/config", getConfig).Methods("GET")
	apiRoute.HandleFunc("/connectors", getConnectors).Methods("GET")
	RegisterMigrationHandlers(apiRoute, inst.Manager)
	RegisterSchemaHandlers(apiRoute)
	apiRoute.HandleFunc("/events/migration/{id}", migrationEventsHandler).Methods("GET")

	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJsonWithStatusCode(w, http.StatusNotFound, errorResp{Error: "not found: " + r.URL.Path})
	})
	m.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJsonWithStatusCode(w, http.StatusMethodNotAllowed, errorResp{Error: "method not allowed: " + r.Method})
	})
	return m
}

// NewServer 根据 context 中的 Instance 创建服务并登记为 inst.Server
func NewServer(ctx context.Context) *Server {
	inst := instance.GetInstance(ctx)
	s := &Server{
		server: &http.Server{
			Addr:              inst.Config.RPC.Bind,
			Handler:           initMux(ctx),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
	}
	inst.Server = s
	return s
}

// Handler 返回路由，供测试直接挂到 httptest
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	inst.WaitGroup.Add(1)
	rbsentry.Go(func() {
		defer inst.WaitGroup.Done()
		applog.GetLogger().Infof("Server start at %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.GetLogger().WithError(err).Error("server stopped unexpectedly")
		}
	})
	return nil
}

func (s *Server) Close(ctx context.Context) {
	ctx2, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx2); err != nil {
		applog.GetLogger().WithError(err).Warn("failed to shutdown server")
	}
	applog.GetLogger().Info("Server close")
}
