package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/handler"
	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/svc"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

var configFile = flag.String("f", "etc/config.yaml", "the config file")

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	// 加载 .env，文件不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("加载 .env 失败, %s", err)
	}

	// 读取配置文件
	c, err := config.LoadFromFile(*configFile)
	if err != nil {
		logger.Fatalf("读取配置文件失败, %s", err)
	}

	if err := logger.SetLevel(c.Log.Level); err != nil {
		logger.Fatalf("日志级别无效, %s", err)
	}
	if err := logger.Setup(c.Log.Dir); err != nil {
		logger.Fatalf("创建日志目录失败, %s", err)
	}

	// 创建服务上下文
	svcCtx, err := svc.NewServiceContext(c)
	if err != nil {
		logger.Fatalf("创建服务上下文失败, %s", err)
	}

	// 启动过期清理
	if err := svcCtx.Sweeper.Start(); err != nil {
		logger.Fatalf("[Sweeper] 启动失败: %s", err)
	}

	server := &http.Server{
		Addr:              c.Server.Addr,
		Handler:           handler.NewRouter(svcCtx.SessionService, &c.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("[HTTP] 服务监听 %s", c.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// 优雅关闭：先关闭订阅者让长连接退出，再关闭 HTTP 服务
		logger.Infof("正在关闭服务...")
		svcCtx.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("服务异常退出, %s", err)
	}
	logger.Infof("服务已停止")
}
