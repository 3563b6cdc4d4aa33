package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/chat"
	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/handlers"
	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/cache"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/mq"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/mq/worker"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/notify"
	"github.com/3Eeeecho/go-chatroom/internal/repositories"
	"github.com/3Eeeecho/go-chatroom/internal/router"
	"github.com/3Eeeecho/go-chatroom/internal/services/upload"
	"github.com/3Eeeecho/go-chatroom/internal/setup"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	router         *gin.Engine
	httpServer     *http.Server
	db             *gorm.DB
	redisClient    *redis.Client
	rabbitMQClient *mq.RabbitMQClient
	dispatcher     *notify.Dispatcher[*models.FileMessage]
	textDispatcher *notify.Dispatcher[*models.TextMessage]
	uploadService  upload.UploadService
	sweepInterval  time.Duration
}

// NewServer 负责构建所有依赖
func NewServer(cfg *config.Config) (*Server, error) {
	ctx := context.Background()

	// 初始化数据库连接
	mysqlDB, err := setup.InitMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MySQL: %w", err)
	}

	// 初始化存储
	ss, err := setup.InitStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	//  初始化 Repositories
	var redisClient *redis.Client
	artifactRepo := repositories.NewDBArtifactRepository(mysqlDB)
	var tracker upload.SessionTracker
	if cfg.Redis.Enabled {
		redisClient, err = setup.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		redisCache := cache.NewRedisCache(redisClient)
		artifactRepo = repositories.NewCachedArtifactRepository(artifactRepo, redisCache)
		tracker = upload.NewRedisTracker(redisCache, cfg.Upload.MergedMarker)
	} else {
		logger.Warn("Redis 未启用, 上传会话仅保存在进程内")
		tracker = upload.NewMemoryTracker(cfg.Upload.MergedMarker)
	}
	tm := repositories.NewTransactionManager(mysqlDB)
	messageRepo := repositories.NewDBMessageRepository(mysqlDB, tm)
	messageLog := chat.NewMessageLog(messageRepo, 0)

	// 消息历史的投递方式
	var rabbitMQClient *mq.RabbitMQClient
	var sink notify.Sink[*models.FileMessage] = messageLog
	if cfg.Notify.Transport == "rabbitmq" {
		rabbitMQClient, err = mq.NewRabbitMQClient(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		if _, err := rabbitMQClient.DeclareQueue(cfg.Notify.QueueName); err != nil {
			rabbitMQClient.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Notify.QueueName, err)
		}
		sink = notify.NewMQSink[*models.FileMessage](rabbitMQClient, cfg.Notify.QueueName)

		// 启动所有后台 Worker
		if err := worker.StartAllWorkers(cfg, rabbitMQClient, messageLog); err != nil {
			rabbitMQClient.Close()
			return nil, err
		}
	}
	dispatcher := notify.NewDispatcher(sink, cfg.Notify.QueueSize, cfg.Notify.DeliverTimeout)
	// 文本消息直接写入消息历史
	textDispatcher := notify.NewDispatcher[*models.TextMessage](
		notify.SinkFunc[*models.TextMessage](messageLog.AppendText), cfg.Notify.QueueSize, cfg.Notify.DeliverTimeout)

	//  初始化 Services
	uploadService := upload.NewUploadService(upload.UploadServiceDeps{
		Storage:   ss,
		Artifacts: artifactRepo,
		Tracker:   tracker,
		Config:    &cfg.Upload,
	})
	downloadService := upload.NewDownloadService(artifactRepo, ss)
	hub := chat.NewHub(chat.NewRegistry(), dispatcher, textDispatcher)

	//  初始化 Handlers
	uploadHandler := handlers.NewUploadHandler(uploadService, downloadService, cfg.Upload.MaxChunkSize)
	messageHandler := handlers.NewMessageHandler(messageLog)
	chatHandler := handlers.NewChatHandler(hub, cfg)

	engine := router.InitRouter(uploadHandler, messageHandler, chatHandler, cfg, setup.LocalRoot(ss))

	// WebSocket 需要 Hijack, 不经过 gzip
	mux := http.NewServeMux()
	mux.Handle("/ws", engine)
	mux.Handle("/", gzhttp.GzipHandler(engine))

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		router:         engine,
		httpServer:     httpServer,
		db:             mysqlDB,
		redisClient:    redisClient,
		rabbitMQClient: rabbitMQClient,
		dispatcher:     dispatcher,
		textDispatcher: textDispatcher,
		uploadService:  uploadService,
		sweepInterval:  cfg.Upload.SweepInterval,
	}, nil
}

// Run 启动服务器和后台任务，并处理优雅关机
func (s *Server) Run(ctx context.Context, stopChan chan os.Signal) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 关闭顺序: 先停止接收请求, 再排空消息队列, 最后释放连接
	defer setup.CloseMySQLDB(s.db)
	defer setup.CloseRedis(s.redisClient)
	defer func() {
		if s.rabbitMQClient != nil {
			s.rabbitMQClient.Close()
		}
	}()
	defer s.dispatcher.Close()
	defer s.textDispatcher.Close()

	go upload.RunSweeper(ctx, s.uploadService, s.sweepInterval)

	// 启动 HTTP 服务器
	go func() {
		logger.Info(fmt.Sprintf("Server is running on %s", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// 等待停止信号
	<-stopChan
	logger.Info("Shutting down server...")
	cancel()

	// 优雅关机
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return
	}
	logger.Info("Server exited gracefully")
}
