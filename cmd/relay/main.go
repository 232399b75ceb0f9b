package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/workmesh/relay/internal/auth"
	"github.com/workmesh/relay/internal/auth/jwt"
	"github.com/workmesh/relay/internal/common/config"
	"github.com/workmesh/relay/internal/gateway"
	"github.com/workmesh/relay/internal/relay"
	"github.com/workmesh/relay/internal/sse"
	"github.com/workmesh/relay/internal/tenant"
	"github.com/workmesh/relay/pkg/helper"
	"github.com/workmesh/relay/pkg/logger"
	"github.com/workmesh/relay/pkg/metrics"
	"github.com/workmesh/relay/pkg/version"
	"github.com/workmesh/relay/pkg/wire"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relay",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "Workmesh agent chat relay",
		Long:  `Relay bridges browser chat sessions to per-tenant agent gateways`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "configs/relay.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func getConfigPath() string {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return configPath
}

func run() {
	cfg, cfgPath, err := config.LoadConfig(getConfigPath())
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", cfgPath, err)
	}

	zapLogger, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()

	zapLogger.Info("starting relay",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath),
		zap.Int("tenants", len(cfg.Tenants)))

	pidPath := helper.GetPIDPath(cfg.PID)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		zapLogger.Warn("failed to write pid file", zap.String("path", pidPath), zap.Error(err))
	}

	jwtService, err := jwt.NewService(cfg.Auth.JWT)
	if err != nil {
		zapLogger.Fatal("failed to initialize jwt service", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	manager := sse.NewManager(zapLogger, cfg.SSE, m)
	router := relay.NewRouter(zapLogger, manager, m)

	directory := tenant.NewStaticDirectory(cfg.Tenants)
	pool := gateway.NewPool(zapLogger, directory, gateway.Options{
		HandshakeTimeout:     cfg.Gateway.HandshakeTimeout,
		RPCTimeout:           cfg.Gateway.RPCTimeout,
		ReconnectBaseDelay:   cfg.Gateway.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Gateway.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Gateway.MaxReconnectAttempts,
		Client: wireClientInfo(cfg),
		Role:   cfg.Gateway.Role,
		Scopes: cfg.Gateway.Scopes,
		OnEvent: router.HandleGatewayEvent,
		Metrics: m,
	}, cfg.Pool)
	pool.Start()

	handler := sse.NewHandler(zapLogger, manager, sse.PoolProvider{Pool: pool}, cfg.Gateway.AgentID)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(m.Middleware())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
	})
	if cfg.Metrics.Enabled {
		engine.GET("/metrics", gin.WrapH(m.Handler()))
	}

	authorized := engine.Group("/", auth.Middleware(jwtService))
	handler.Register(authorized)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		zapLogger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("http server shutdown failed", zap.Error(err))
	}

	manager.Shutdown()
	pool.Shutdown()
	_ = os.Remove(pidPath)
	zapLogger.Info("relay stopped")
}

func wireClientInfo(cfg *config.RelayConfig) wire.ClientInfo {
	return wire.ClientInfo{
		ID:          cfg.Gateway.ClientID,
		DisplayName: cfg.Gateway.ClientName,
		Version:     version.Get(),
		Mode:        "backend",
		Platform:    runtime.GOOS,
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
