package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/alpinehuts/internal/app/activity"
	"github.com/John-Robertt/alpinehuts/internal/app/scheduler"
	"github.com/John-Robertt/alpinehuts/internal/config"
	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/geo"
	"github.com/John-Robertt/alpinehuts/internal/infra/cache"
	"github.com/John-Robertt/alpinehuts/internal/infra/fsx"
	"github.com/John-Robertt/alpinehuts/internal/infra/httpx"
	"github.com/John-Robertt/alpinehuts/internal/infra/lock"
	"github.com/John-Robertt/alpinehuts/internal/infra/logx"
	"github.com/John-Robertt/alpinehuts/internal/notify"
	"github.com/John-Robertt/alpinehuts/internal/provider"
	"github.com/John-Robertt/alpinehuts/internal/provider/alpsonline"
	"github.com/John-Robertt/alpinehuts/internal/provider/huettenholiday"
	"github.com/John-Robertt/alpinehuts/internal/provider/hutreservation"
	"github.com/John-Robertt/alpinehuts/internal/store"
	"github.com/John-Robertt/alpinehuts/internal/store/memory"
	"github.com/John-Robertt/alpinehuts/internal/store/postgres"
)

// geoRPS 是 Nominatim 使用政策允许的上限（1 次/秒）。
const geoRPS = 1

// app 持有一次进程生命周期内的全部依赖；run 与 serve 共用同一装配。
type app struct {
	eff   config.EffectiveConfig
	log   *logrus.Logger
	store store.Store
	acts  *activity.Activities

	closers []io.Closer
}

func newApp(ctx context.Context, eff config.EffectiveConfig) (_ *app, err error) {
	log, rolling, err := logx.New(logx.Options{Level: eff.Log.Level, Format: eff.Log.Format, File: eff.Log.File})
	if err != nil {
		return nil, err
	}
	a := &app{eff: eff, log: log}
	if rolling != nil {
		a.closers = append(a.closers, rolling)
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clients := make(map[domain.Source]*http.Client, len(domain.Sources()))
	for _, src := range domain.Sources() {
		c, err := httpx.NewClient(a.httpOptions(eff.Provider(src).RPS))
		if err != nil {
			return nil, fmt.Errorf("初始化 %s HTTP 客户端失败：%w", src, err)
		}
		clients[src] = c
	}
	geoClient, err := httpx.NewClient(a.httpOptions(geoRPS))
	if err != nil {
		return nil, fmt.Errorf("初始化地理编码 HTTP 客户端失败：%w", err)
	}

	reg, err := provider.NewRegistry(
		alpsonline.Provider{
			BaseURL:     eff.Provider(domain.SourceAlpsOnline).BaseURL,
			WindowDays:  eff.WindowDays,
			HorizonDays: eff.HorizonDays,
		},
		hutreservation.Provider{BaseURL: eff.Provider(domain.SourceHutReservation).BaseURL},
		huettenholiday.New(eff.Provider(domain.SourceHuettenHoliday).BaseURL, eff.HolidayMonths),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化 provider registry 失败：%w", err)
	}

	if a.store, err = openStore(ctx, eff); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store)

	var locker lock.Locker = lock.NewMemory()
	if eff.RedisURL != "" {
		rc, err := lock.Dial(ctx, eff.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc)
		// TTL 覆盖单元超时，进程崩溃后锁也会自然过期。
		locker = lock.NewRedis(rc, "", 2*eff.UnitTimeout)
	}

	sink, err := newSink(eff, log)
	if err != nil {
		return nil, err
	}

	archive := cache.New(eff.ArchiveDir(), !eff.Apply)
	a.acts = activity.New(activity.Deps{
		Registry: reg,
		Clients:  clients,
		Store:    a.store,
		Locker:   locker,
		Geo: geo.New(geoClient, geo.Options{
			NominatimURL: eff.Geo.NominatimURL,
			AzureMapsURL: eff.Geo.AzureMapsURL,
			AzureMapsKey: eff.Geo.AzureMapsKey,
			Logger:       log,
		}),
		Notify:      &notify.Gate{Sink: sink, HorizonDays: eff.HorizonDays, Logger: log},
		Archive:     &archive,
		Logger:      log,
		UnitTimeout: eff.UnitTimeout,
		DryRun:      !eff.Apply,
		MaxHutID:    eff.MaxHutID,
		Stride:      eff.Stride,
	})
	return a, nil
}

func (a *app) httpOptions(rps float64) httpx.Options {
	h := a.eff.HTTP
	return httpx.Options{
		ProxyURL:       h.ProxyURL,
		Timeout:        h.Timeout,
		AttemptTimeout: h.AttemptTimeout,
		RetryMax:       h.RetryMax,
		Backoff:        h.Backoff,
		RPS:            rps,
		UserAgent:      h.UserAgent,
	}
}

func openStore(ctx context.Context, eff config.EffectiveConfig) (store.Store, error) {
	if eff.Store.Driver == "memory" {
		return memory.New(), nil
	}
	s, err := postgres.Open(ctx, postgres.Options{
		DSN:        eff.Store.DatabaseURL,
		MaxConns:   eff.Store.MaxConns,
		ViaBouncer: eff.Store.ViaBouncer,
	})
	if err != nil {
		return nil, err
	}
	// dry-run 不改动库结构。
	if eff.Apply {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func newSink(eff config.EffectiveConfig, log logrus.FieldLogger) (notify.Sink, error) {
	if eff.SMTP.Host == "" {
		return notify.LogSink{Logger: log}, nil
	}
	return notify.NewSMTPSink(notify.SMTPOptions{
		Host:     eff.SMTP.Host,
		Port:     eff.SMTP.Port,
		Username: eff.SMTP.Username,
		Password: eff.SMTP.Password,
		From:     eff.SMTP.From,
	})
}

func (a *app) scheduler(obs scheduler.Observer) *scheduler.Scheduler {
	return scheduler.New(a.acts, scheduler.Options{
		BatchSize: a.eff.BatchSize,
		Cooldown:  a.eff.Cooldown,
		DryRun:    !a.eff.Apply,
		Observer:  obs,
	})
}

// writeReport 把报告原子写入 <data_dir>/reports/<cycle>-<run_id>.json 并返回路径。
func (a *app) writeReport(rep domain.CycleReport) (string, error) {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	b = append(b, '\n')
	name := fmt.Sprintf("%s-%s.json", rep.Cycle, rep.RunID)
	if err := fsx.WriteFileAtomic(a.eff.ReportsDir(), name, b); err != nil {
		return "", err
	}
	return filepath.Join(a.eff.ReportsDir(), name), nil
}

// cleanupSubscriptions 删除日期已过去的订阅；dry-run 只记录。
func (a *app) cleanupSubscriptions(ctx context.Context) {
	log := a.log.WithField("job", config.CleanupJob)
	if !a.eff.Apply {
		log.Info("dry-run：跳过过期订阅清理")
		return
	}
	n, err := a.store.DeleteExpiredSubscriptions(ctx, domain.DateOf(time.Now()))
	if err != nil {
		log.WithError(err).Error("过期订阅清理失败")
		return
	}
	log.WithField("deleted", n).Info("过期订阅清理完成")
}

// Close 逆序关闭资源；关闭失败只记录。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.log != nil {
			a.log.WithError(err).Warn("关闭资源失败")
		}
	}
	a.closers = nil
}
