package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomrelay/internal/config"
	"roomrelay/internal/database/db_client"
	"roomrelay/internal/http/http_server"
	"roomrelay/internal/redis/redis_client"
	"roomrelay/internal/services/chat"
	"roomrelay/internal/services/presence"
	"roomrelay/internal/services/room"
	"roomrelay/internal/ws"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis (event bus for websocket fan-out)
	redisClient, err = redis_client.NewRedisClient(cfg.RedisEventsHost, int(cfg.RedisEventsPort))
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()
	Log.Debug("Redis client created successfully")

	// 4. Postgres db client (room metadata, membership rows, chat rows)
	pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()

	// 5. Services
	persistTimeout := time.Duration(cfg.PersistTimeoutMs) * time.Millisecond
	roomService := room.NewRoomService(pgDb)
	chatService := chat.NewChatService(pgDb, roomService,
		cfg.ChatRateLimit,
		time.Duration(cfg.ChatRateIntervalSec)*time.Second,
		persistTimeout,
	)
	presenceService := presence.NewService(pgDb, roomService,
		time.Duration(cfg.GracePeriodSeconds)*time.Second,
		persistTimeout,
	)
	defer presenceService.Stop()

	// 6. WebSockets hub + registry + Redis fan-out
	hub := ws.NewHub()
	registry := ws.NewRegistry()
	dispatcher := ws.NewDispatcher(redisClient, roomService, presenceService)

	// Late binding: broadcasts flow service → dispatcher → Redis → hub.
	chatService.Bind(dispatcher)
	presenceService.Bind(dispatcher, chatService)

	// 7. Initialize the WS server
	wsSrv := ws.NewWsServer(hub, registry, redisClient, dispatcher, presenceService, chatService)
	go wsSrv.RunLobby(ctx)

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, roomService, chatService, presenceService)
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}
