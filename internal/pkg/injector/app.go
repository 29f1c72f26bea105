package injector

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/job"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/server"
)

// App encapsulates all application dependencies
type App struct {
	Config     *conf.Config
	Logger     *logger.Logger
	HTTPServer *server.HTTPServer
	GRPCServer *server.GRPCServer
	Sweeper    *job.Sweeper
}

func newApp(
	config *conf.Config,
	log *logger.Logger,
	httpServer *server.HTTPServer,
	grpcServer *server.GRPCServer,
	sweeper *job.Sweeper,
) *App {
	return &App{
		Config:     config,
		Logger:     log,
		HTTPServer: httpServer,
		GRPCServer: grpcServer,
		Sweeper:    sweeper,
	}
}

// Run 启动所有服务，ctx 结束后优雅退出
func (a *App) Run(ctx context.Context) error {
	if a.Config.Sweeper.Enabled {
		// 限流窗口按窗口长度清理一次即可
		pruneEvery := time.Duration(a.Config.RateLimit.WindowSeconds) * time.Second
		if err := a.Sweeper.Start(pruneEvery); err != nil {
			return err
		}
		defer a.Sweeper.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.HTTPServer.Start()
	})
	g.Go(func() error {
		return a.GRPCServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down servers...")

		timeout := a.Config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a.GRPCServer.Stop()
		if err := a.HTTPServer.Stop(shutdownCtx); err != nil {
			a.Logger.Error("HTTP server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	a.Logger.Info("servers started successfully")
	err := g.Wait()
	a.Logger.Info("servers exited")
	return err
}
