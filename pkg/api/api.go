package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/pprof"

	"go.uber.org/fx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/btrman/btrman/pkg/blockdev"
	"github.com/btrman/btrman/pkg/config"
	"github.com/btrman/btrman/pkg/handlers"
	"github.com/btrman/btrman/pkg/metrics"
	"github.com/btrman/btrman/pkg/snapper"
)

var Module = fx.Module("api",
	fx.Provide(
		NewServer,
		metrics.New,
		blockdev.New,
		snapper.New,
		handlers.NewSysInfoHandler,
		handlers.NewFilesystemHandler,
		handlers.NewDeviceHandler,
		handlers.NewSnapshotHandler,
		handlers.NewIOStatHandler,
		handlers.NewMutationHandler,
	),
	fx.Invoke(registerHooks),
)

type Server struct {
	http   *http.Server
	logger *slog.Logger
}

type HandlerParams struct {
	fx.In

	SysInfo    *handlers.SysInfoHandler
	Filesystem *handlers.FilesystemHandler
	Device     *handlers.DeviceHandler
	Snapshot   *handlers.SnapshotHandler
	IOStat     *handlers.IOStatHandler
	Mutation   *handlers.MutationHandler
}

type ServerParams struct {
	fx.In

	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Handlers HandlerParams
}

func NewServer(p ServerParams) *Server {
	logger := p.Logger.With("component", "api")
	h := p.Handlers

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sysinfo", h.SysInfo.Get)

	mux.HandleFunc("GET /api/filesystems", h.Filesystem.List)
	mux.HandleFunc("GET /api/filesystems/{uuid}", h.Filesystem.Show)
	mux.HandleFunc("POST /api/mount", h.Filesystem.Mount)
	mux.HandleFunc("POST /api/umount", h.Filesystem.Unmount)
	mux.HandleFunc("POST /api/create-btrfs", h.Filesystem.Create)

	mux.HandleFunc("GET /api/devices", h.Device.List)

	mux.HandleFunc("GET /api/snapshots", h.Snapshot.List)
	mux.HandleFunc("GET /api/snapshot-configs", h.Snapshot.Configs)
	mux.HandleFunc("POST /api/snapshots", h.Snapshot.Create)
	mux.HandleFunc("DELETE /api/snapshots/{config}/{id}", h.Snapshot.Delete)

	mux.HandleFunc("GET /api/io", h.IOStat.Rates)
	mux.HandleFunc("GET /api/io/{device}", h.IOStat.History)

	mux.HandleFunc("POST /api/mutate", h.Mutation.Mutate)
	mux.HandleFunc("GET /api/history", h.Mutation.History)

	mux.Handle("GET /metrics", p.Metrics.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// h2c so HTTP/2 works without TLS
	h2cHandler := h2c.NewHandler(mux, &http2.Server{})

	return &Server{
		http: &http.Server{
			Addr:    p.Config.APIAddress,
			Handler: h2cHandler,
		},
		logger: logger,
	}
}

func registerHooks(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				s.logger.Info("listening", "address", s.http.Addr)
				if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					s.logger.Error("serve failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.logger.Info("shutting down api server")
			return s.http.Shutdown(ctx)
		},
	})
}
