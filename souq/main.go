package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"souq/souq/config"
	"souq/souq/controllers"
	"souq/souq/middlewares"
	"souq/souq/routes"
	"souq/souq/services/llm"
	"souq/souq/sources/psql"
	"souq/souq/sources/psql/dao"
	"souq/souq/sources/storage"
	"souq/souq/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

func main() {
	cfg := config.LoadConfig()
	logging.InitLogger(cfg.LogDir)
	defer logging.Sync()

	if cfg.JWTSecret == "" {
		logging.ErrorLogger.Error("JWT_SECRET is not set")
		os.Exit(1)
	}
	if !cfg.GatewayConfigured() {
		logging.AppLogger.Warn("AI gateway is not configured, /chat will fail")
	}

	prompts, err := llm.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		logging.ErrorLogger.Error("prompts load error", zap.Error(err))
		os.Exit(1)
	}
	gateway := llm.NewGatewayClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.Model, prompts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var recorder controllers.RequestRecorder
	if cfg.DatabaseEnabled() {
		db, err := psql.NewDatabase(ctx, cfg)
		if err != nil {
			logging.ErrorLogger.Error("database connection error", zap.Error(err))
			os.Exit(1)
		}
		defer db.Close()
		recorder = dao.NewRequestLogDAO(db.DB)
	}

	var archive storage.TranscriptArchive
	if cfg.ArchiveEnabled() {
		minioClient, err := storage.NewMinIOClient(ctx, cfg)
		if err != nil {
			logging.ErrorLogger.Error("minio connection error", zap.Error(err))
			os.Exit(1)
		}
		archive = minioClient
	}

	chatCtrl := controllers.NewChatController(gateway, recorder, archive)
	healthCtrl := controllers.NewHealthController(cfg.GatewayConfigured())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Mount("/health", routes.HealthRoutes(healthCtrl))
	r.Mount("/chat", routes.ChatRoutes(chatCtrl, cfg))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logging.ErrorLogger.Error("listen error", zap.Error(err), zap.String("addr", cfg.ListenAddr))
		os.Exit(1)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConns)

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.AppLogger.Info("chat service listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Int("max_conns", cfg.MaxConns),
			zap.Strings("ws_origins", cfg.WSOrigins),
		)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.ErrorLogger.Error("server listen error", zap.Error(err))
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.ErrorLogger.Error("server shutdown error", zap.Error(err))
	}
	logging.AppLogger.Info("server shutdown complete")
}
