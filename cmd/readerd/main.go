package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rfidlab/uhf-reader/internal/api"
	cfgpkg "github.com/rfidlab/uhf-reader/internal/config"
	"github.com/rfidlab/uhf-reader/internal/health"
	"github.com/rfidlab/uhf-reader/internal/httpserver"
	"github.com/rfidlab/uhf-reader/internal/logging"
	"github.com/rfidlab/uhf-reader/internal/metrics"
	"github.com/rfidlab/uhf-reader/internal/reader"
)

func main() {
	cfgPath := flag.String("config", "", "config file path")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*cfgPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}
	readerMetrics := metrics.NewReaderMetrics(reg)

	// 4) 读写器客户端
	rd := reader.New(reader.Config{
		Baud:              cfg.Serial.Baud,
		ReadTimeout:       cfg.Serial.ReadTimeout,
		ResponseTimeout:   cfg.Reader.ResponseTimeout,
		Attempts:          cfg.Reader.Attempts,
		ReconnectAttempts: cfg.Reader.ReconnectAttempts,
		StopTimeout:       cfg.Reader.StopTimeout,
		TagQueue:          cfg.Reader.TagQueue,
		Log:               reader.LogFunc(logging.Sink(logger.Named("reader"))),
		Metrics:           readerMetrics,
	})

	// 5) 健康检查
	agg := health.NewAggregator(health.NewLinkChecker(rd), health.NewPortChecker())

	// 6) HTTP 服务与控制API
	h := api.NewHandler(rd, cfg.HTTP.TagBuffer, logger.Named("api"))
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler,
		func() bool { return agg.Ready(context.Background()) },
		func(r *gin.Engine) {
			api.RegisterRoutes(r, h)
			health.RegisterHTTPRoutes(r, agg)
		})

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()

	// 7) 可选的开机自动连接与自动盘点
	if cfg.Serial.AutoConnect && cfg.Serial.Port != "" {
		if err := rd.Connect(cfg.Serial.Port, cfg.Serial.Baud, 0); err != nil {
			log.Error("auto connect failed", zap.Error(err))
		} else {
			if cfg.Reader.Power != "" {
				if err := rd.SetPower(cfg.Reader.Power); err != nil {
					log.Error("initial power setting failed", zap.Error(err))
				}
			}
			if cfg.Reader.AutoScan {
				if err := h.Scan(); err != nil {
					log.Error("auto scan failed", zap.Error(err))
				}
			}
		}
	}

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	_ = rd.Disconnect()
}
