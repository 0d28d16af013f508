package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cafe24_ops_v1/internal/config"
	"cafe24_ops_v1/internal/controller"
	"cafe24_ops_v1/internal/middleware"
	"cafe24_ops_v1/internal/model"
	"cafe24_ops_v1/internal/repository"
	"cafe24_ops_v1/internal/router"
	"cafe24_ops_v1/internal/service"
	"cafe24_ops_v1/internal/task"
	"cafe24_ops_v1/pkg/cafe24"
	"cafe24_ops_v1/pkg/database"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（可选，默认走环境变量）")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	// 2. 初始化日志
	logger := initLogger(cfg)
	defer logger.Sync()

	// 3. 初始化依赖
	deps := initDependencies(cfg, logger)

	// 4. 启动定时任务
	initTasks(cfg, deps, logger)

	// 5. 初始化路由
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	router.InitRoutes(r, deps.AuthCtrl, deps.BatchCtrl, deps.ProductCtrl)

	// 6. 启动服务
	startServer(r, cfg.Port, logger)
}

// ==================== 依赖容器 ====================

// Dependencies 依赖容器
type Dependencies struct {
	Auth *service.AuthService
	Bulk *service.BulkService

	AuthCtrl    *controller.AuthController
	BatchCtrl   *controller.BatchController
	ProductCtrl *controller.ProductController
}

// initDependencies 初始化所有依赖
func initDependencies(cfg *config.Config, logger *zap.Logger) *Dependencies {
	// -------- 审计库 --------
	db := database.InitDB(cfg.DatabaseDSN, &model.BatchJob{}, &model.BatchEdit{})

	// -------- Repo 层 --------
	credRepo := repository.NewCredentialRepository(cfg.CredentialPath)
	batchRepo := repository.NewBatchRepository(db)

	// -------- 服务层 --------
	authSvc := service.NewAuthService(credRepo, service.AuthOptions{
		SafetyMargin: cfg.RefreshSafetyMargin(),
		MaxRetries:   cfg.MaxRetries,
		Timeout:      cfg.RequestTimeout(),
	}, logger)

	apiClient := cafe24.NewClient(authSvc, cafe24.Options{
		APIVersion: cfg.APIVersion,
		Timeout:    cfg.RequestTimeout(),
		MaxRetries: cfg.MaxRetries,
		RateLimit:  cfg.RateLimitRPS,
		RateBurst:  cfg.RateLimitBurst,
		Logger:     logger,
	})

	bulkSvc := service.NewBulkService(apiClient, batchRepo, service.BulkOptions{
		Parallelism: cfg.EditParallelism,
		EditTimeout: cfg.EditTimeout(),
		MaxMoney:    cfg.MaxMoney,
	}, logger)

	// -------- 运维鉴权 --------
	middleware.SetJWTConfig(&middleware.JWTConfig{
		SecretKey:      cfg.JWTSecret,
		AccessTokenTTL: 8 * time.Hour,
		Issuer:         "cafe24-ops",
	})

	// -------- Controller 层 --------
	return &Dependencies{
		Auth:        authSvc,
		Bulk:        bulkSvc,
		AuthCtrl:    controller.NewAuthController(authSvc, apiClient, cfg.OperatorKey),
		BatchCtrl:   controller.NewBatchController(bulkSvc, batchRepo),
		ProductCtrl: controller.NewProductController(apiClient),
	}
}

// ==================== 日志 ====================

func initLogger(cfg *config.Config) *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Environment == "production" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	return logger
}

// ==================== 定时任务 ====================

// initTasks 初始化定时任务
func initTasks(cfg *config.Config, deps *Dependencies, logger *zap.Logger) {
	if !cfg.KeepaliveEnabled {
		logger.Info("Token 保活任务已禁用")
		return
	}
	tokenTask := task.NewTokenTask(deps.Auth, cfg.KeepaliveCron, logger)
	tokenTask.Start()
}

// ==================== 服务启动 ====================

// startServer 启动服务
func startServer(r *gin.Engine, port string, logger *zap.Logger) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	// 异步启动服务
	go func() {
		logger.Info("服务启动", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务")

	// 优雅关闭，给在途批次留出收尾时间
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("服务强制关闭", zap.Error(err))
	}

	logger.Info("服务已退出")
}
