package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hpsweep/internal/cli"
	"hpsweep/internal/config"
	"hpsweep/internal/ctxlog"
	"hpsweep/internal/db"
	"hpsweep/internal/router"
	"hpsweep/internal/service"
)

func runServe(ctx context.Context, opts *cli.Options) error {
	logger := ctxlog.FromContext(ctx)

	cfg := config.Default()
	if opts.Settings != "" {
		loaded, err := config.LoadConfig(opts.Settings)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	opts.Apply(&cfg)

	// 初始化数据库
	conn, err := db.InitDB(cfg.Storage)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer db.Close(conn)

	// 初始化服务和路由
	gin.SetMode(gin.ReleaseMode)
	svcCtx := service.NewServiceContext(&cfg, conn)
	r := router.SetupRouter(svcCtx, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// 启动服务
	logger.Info("server started", "addr", srv.Addr, "storage", cfg.Storage)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("启动服务失败: %w", err)
	}
	return nil
}
