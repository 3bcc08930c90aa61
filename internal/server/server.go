package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	alertapi "github.com/qiniu/rolloutguard/internal/alerting/api"
	adb "github.com/qiniu/rolloutguard/internal/alerting/database"
	"github.com/qiniu/rolloutguard/internal/alerting/service/notify"
	"github.com/qiniu/rolloutguard/internal/alerting/service/ruleset"
	"github.com/qiniu/rolloutguard/internal/config"
	"github.com/qiniu/rolloutguard/internal/metrics"
	"github.com/qiniu/rolloutguard/internal/observability"
	"github.com/qiniu/rolloutguard/internal/rollout"
	rolloutapi "github.com/qiniu/rolloutguard/internal/rollout/api"
	"github.com/qiniu/rolloutguard/migrations"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Server 组装指标注册表、告警引擎、通知分发与灰度控制器
type Server struct {
	cfg *config.Config

	Registry   *metrics.Registry
	Prometheus *prometheus.Registry
	Engine     *ruleset.Engine
	Dispatcher *notify.Dispatcher
	Queue      *notify.Queue
	Controller *rollout.Controller

	alertDB *adb.Database
	pool    *pgxpool.Pool
	redis   *redis.Client
	mqtt    mqtt.Client

	cancel context.CancelFunc
	bg     chan struct{}
}

// New 创建服务器。数据库、Redis 与 MQTT 均为可选，未启用时使用内存实现。
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		Registry:   metrics.NewRegistry(),
		Prometheus: prometheus.NewRegistry(),
	}
	if err := s.Prometheus.Register(s.Registry); err != nil {
		return nil, fmt.Errorf("register metrics collector: %w", err)
	}
	obs := observability.New(s.Prometheus)

	if err := s.openBackends(ctx); err != nil {
		s.closeBackends()
		return nil, err
	}

	// 告警引擎
	engineOpts := []ruleset.Option{ruleset.WithMetrics(obs)}
	if s.alertDB != nil {
		engineOpts = append(engineOpts, ruleset.WithStore(ruleset.NewPgStore(s.alertDB)))
	}
	s.Engine = ruleset.NewEngine(engineConfig(cfg.Alerting), s.Registry, engineOpts...)
	if err := s.Engine.Load(ctx); err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("load alert rules: %w", err)
	}
	if path := cfg.Alerting.RulesFile; path != "" {
		if _, err := s.Engine.ApplyRulesFile(ctx, path); err != nil {
			log.Error().Err(err).Str("file", path).Msg("apply alert rules file failed")
		}
	}

	// 通知分发
	dispatchOpts := []notify.Option{notify.WithMetrics(obs), notify.WithGauges(s.Registry)}
	if s.redis != nil {
		dispatchOpts = append(dispatchOpts, notify.WithDedupMarker(notify.NewRedisDedupMarker(s.redis)))
	}
	s.Dispatcher = notify.NewDispatcher(dispatcherConfig(cfg.Alerting.Notification), dispatchOpts...)
	for _, ch := range channelConfigs(cfg.Alerting.Notification) {
		if err := s.Dispatcher.SetChannelConfig(ch); err != nil {
			log.Error().Err(err).Str("channel", string(ch.Kind)).Msg("skip invalid notification channel")
		}
	}
	s.Queue = notify.NewQueue(s.Dispatcher, cfg.Alerting.Notification.QueueSize, obs)
	s.Engine.SetNotifier(s.Queue.Notify)

	// 灰度控制器
	ctl, err := s.newController(obs)
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.Controller = ctl
	return s, nil
}

func (s *Server) openBackends(ctx context.Context) error {
	cfg := s.cfg
	if cfg.Database.Enabled {
		if cfg.Database.AutoMigrate {
			if err := migrations.Run(cfg.Database.URL()); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
		db, err := adb.New(cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("open alerting database: %w", err)
		}
		s.alertDB = db
		pool, err := rollout.NewPool(ctx, cfg.Database.URL())
		if err != nil {
			return fmt.Errorf("open rollout database: %w", err)
		}
		s.pool = pool
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// 共享去重与抑制窗口降级为进程内实现
			log.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using in-memory windows")
			_ = rdb.Close()
		} else {
			s.redis = rdb
		}
	}
	if cfg.MQTT.Enabled {
		client, err := rollout.ConnectMQTT(rollout.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("mqtt unavailable, rollout events are logged only")
		} else {
			s.mqtt = client
		}
	}
	return nil
}

func (s *Server) newController(obs *observability.Metrics) (*rollout.Controller, error) {
	rc := s.cfg.Rollout
	ccfg := controllerConfig(rc)

	var (
		store    rollout.Store
		callLogs rollout.CallLogAggregator = rollout.NoopCallLogAggregator{}
	)
	if s.pool != nil {
		store = rollout.NewPgStore(s.pool, rc.Feature)
		callLogs = rollout.NewPgCallLogAggregator(s.pool)
	} else {
		store = rollout.NewMemStore(rollout.Status{Feature: rc.Feature, CurrentStage: rollout.StageDisabled})
	}

	opts := []rollout.Option{
		rollout.WithAlerter(s.Engine),
		rollout.WithMetrics(obs),
	}
	if rc.StagesFile != "" {
		stages, err := rollout.LoadStagesFile(rc.StagesFile)
		if err != nil {
			return nil, fmt.Errorf("load stages file: %w", err)
		}
		opts = append(opts, rollout.WithStages(stages))
	}
	if s.redis != nil {
		opts = append(opts, rollout.WithSuppression(rollout.NewRedisSuppressionWindow(s.redis)))
	}
	sink := rollout.MultiEventSink{rollout.LogEventSink{}}
	if s.mqtt != nil {
		sink = append(sink, rollout.NewMQTTEventSink(s.mqtt, s.cfg.MQTT.TopicPrefix))
	}
	opts = append(opts, rollout.WithEventSink(sink))

	var source rollout.SummarySource = rollout.NewSummarizer(s.Registry, callLogs, ccfg.MetricsWindow)
	if strings.EqualFold(rc.MetricsSource, "prometheus") {
		prom, err := rollout.NewPrometheusSource(rollout.PrometheusOptions{
			Address:      rc.Prometheus.URL,
			Selector:     rc.Prometheus.Selector,
			QueryTimeout: config.ParseDuration(rc.Prometheus.QueryTimeout, 10*time.Second),
		}, ccfg.MetricsWindow, callLogs, source)
		if err != nil {
			return nil, err
		}
		log.Info().Str("prometheus_address", rc.Prometheus.URL).Msg("rollout health reads metrics from prometheus")
		source = prom
	}
	return rollout.NewController(ccfg, store, source, opts...), nil
}

// UseApi 注册告警与灰度控制接口
func (s *Server) UseApi(router gin.IRouter) {
	alertapi.NewApi(router, s.Engine, s.Dispatcher)
	rolloutapi.NewApi(router, s.Controller)
}

// UseMetricsApi 注册指标写入与 Prometheus 导出接口
func (s *Server) UseMetricsApi(router *fox.Engine) error {
	if _, err := metrics.NewApi(s.Registry, s.Prometheus, router); err != nil {
		return fmt.Errorf("failed to initialize metrics API: %w", err)
	}
	return nil
}

// Start 启动通知队列、告警评估、通知状态清理、规则文件监听与健康检查循环
func (s *Server) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.bg = make(chan struct{})

	s.Queue.Start(ctx)
	s.Engine.Start(ctx)
	if s.cfg.Rollout.Controller.Enabled {
		s.Controller.Start(ctx)
	}

	sweep := config.ParseDuration(s.cfg.Alerting.Engine.SweepInterval, ruleset.DefaultConfig().SweepInterval)
	rulesFile := s.cfg.Alerting.RulesFile
	watch := s.cfg.Alerting.WatchRules && rulesFile != ""
	go func() {
		defer close(s.bg)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.Dispatcher.RunSweeper(ctx, sweep)
		}()
		if watch {
			if err := s.Engine.WatchRulesFile(ctx, rulesFile); err != nil {
				log.Error().Err(err).Str("file", rulesFile).Msg("watch alert rules file failed")
			}
		}
		<-done
	}()
}

// Close 优雅关闭：先停止产生告警的循环，再排空通知队列，最后释放外部连接
func (s *Server) Close(ctx context.Context) error {
	log.Info().Msg("Starting shutdown...")
	if s.cancel != nil {
		s.cancel()
	}
	s.Controller.Stop()
	s.Engine.Stop()
	s.Queue.Stop()
	if s.bg != nil {
		select {
		case <-s.bg:
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Msg("background workers did not stop in time")
		}
	}
	err := s.closeBackends()
	log.Info().Msg("rolloutguard server shut down")
	return err
}

func (s *Server) closeBackends() error {
	var errs []error
	if s.mqtt != nil {
		s.mqtt.Disconnect(250)
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.alertDB != nil {
		errs = append(errs, s.alertDB.Close())
	}
	return errors.Join(errs...)
}
