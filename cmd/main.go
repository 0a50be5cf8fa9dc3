package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lvdashuaibi/craftvote/config"
	"github.com/lvdashuaibi/craftvote/internal/api/graph"
	"github.com/lvdashuaibi/craftvote/internal/api/rest"
	"github.com/lvdashuaibi/craftvote/internal/gateway"
	intkafka "github.com/lvdashuaibi/craftvote/internal/kafka"
	"github.com/lvdashuaibi/craftvote/internal/lock"
	"github.com/lvdashuaibi/craftvote/internal/logger"
	"github.com/lvdashuaibi/craftvote/internal/repository"
	"github.com/lvdashuaibi/craftvote/internal/service"
)

const (
	SchemaLockName     = "craftvote:schema:migrate:lock"
	LockAcquireTimeout = 30 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	envFile    = flag.String("env", ".env", "可选的环境变量文件")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("加载环境变量文件失败: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.S().Errorf("服务异常退出: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.S()
	log.Infof("配置加载成功，当前实例ID: %s", cfg.Server.InstanceID)

	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		return fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	defer mysqlRepo.Close()
	log.Infof("MySQL仓库初始化成功")

	var schemaLock lock.Lock
	if len(cfg.ETCD.Endpoints) > 0 {
		etcdLock, err := lock.NewETCDLock()
		if err != nil {
			return fmt.Errorf("初始化ETCD分布式锁失败: %w", err)
		}
		defer etcdLock.Close()
		schemaLock = etcdLock
	}
	if err := ensureSchema(mysqlRepo, schemaLock); err != nil {
		return err
	}

	redisRepo, err := repository.NewRedisRepository(context.Background())
	if err != nil {
		return fmt.Errorf("初始化Redis仓库失败: %w", err)
	}
	defer redisRepo.Close()
	log.Infof("Redis冷却账本初始化成功")

	gw := gateway.NewGateway(mysqlRepo, gateway.Options{
		Path:           cfg.Gateway.Path,
		PingInterval:   cfg.Gateway.PingInterval,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		LookupTimeout:  cfg.Vote.StoreTimeout,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
	})
	if err := gw.Start(cfg.Gateway.Address); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := gw.Stop(ctx); err != nil {
			log.Warnf("关闭投票网关失败: %v", err)
		}
	}()

	voteService := service.NewVoteService(mysqlRepo, mysqlRepo, redisRepo, gw, service.Options{
		InstanceID:      cfg.Server.InstanceID,
		DefaultCooldown: cfg.Vote.DefaultCooldown,
		StoreTimeout:    cfg.Vote.StoreTimeout,
		HistoryLimit:    cfg.Vote.HistoryLimit,
	})
	log.Infof("投票服务初始化成功")

	if cfg.Kafka.Enabled {
		producer := intkafka.NewProducer()
		defer producer.Close()
		voteService.SetPublisher(producer)

		consumer := intkafka.NewConsumer(cfg.Server.InstanceID)
		consumer.StartConsuming(voteService.ProcessRewardEvent)
		defer consumer.Stop()
		log.Infof("Kafka奖励转发已启用，主题: %s", cfg.Kafka.Topic)
	}

	graphqlServer := graph.NewGraphQLServer(voteService)
	router := rest.NewRouter(rest.NewHandler(voteService, gw), cfg.GraphQL.Path, graphqlServer.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Infof("Craft Vote 服务已启动，HTTP地址: http://localhost:%d, 网关地址: %s", cfg.Server.Port, gw.Addr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Infof("正在关闭服务...")
	case err := <-errCh:
		return fmt.Errorf("HTTP服务异常: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

type schemaApplier interface {
	EnsureSchema(ctx context.Context) error
}

// ensureSchema 多实例部署时只由获得分布式锁的实例建表；schemaLock 为空时直接建表
func ensureSchema(repo schemaApplier, schemaLock lock.Lock) error {
	log := logger.S()
	ctx, cancel := context.WithTimeout(context.Background(), LockAcquireTimeout)
	defer cancel()

	if schemaLock == nil {
		return repo.EnsureSchema(ctx)
	}

	acquired, err := schemaLock.AcquireLock(SchemaLockName, LockAcquireTimeout)
	if err != nil {
		log.Warnf("获取建表锁失败: %v，跳过建表", err)
		return nil
	}
	if !acquired {
		log.Infof("其他实例正在建表，跳过")
		return nil
	}
	defer func() {
		if err := schemaLock.ReleaseLock(SchemaLockName); err != nil {
			log.Warnf("释放建表锁失败: %v", err)
		}
	}()

	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Infof("数据库表结构检查完成")
	return nil
}
