package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/alpinehuts/internal/app/planner"
	"github.com/John-Robertt/alpinehuts/internal/config"
	"github.com/John-Robertt/alpinehuts/internal/domain"
)

// maxTriggerIDs 限制调试端点单次同步处理的单元数。
const maxTriggerIDs = 20

func serveCmd(args []string) int {
	var ca commonArgs
	for i := 0; i < len(args); i++ {
		if isHelp(args[i]) {
			printServeUsage()
			return 0
		}
		n, err := parseCommonFlag(&ca, args, i)
		if err != nil {
			fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
			printServeUsage()
			return 2
		}
		i += n
	}

	eff, err := loadConfig(ca)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, eff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}
	defer a.Close()

	c, err := a.cron(ctx)
	if err != nil {
		a.log.WithError(err).Error("注册定时任务失败")
		return 1
	}
	c.Start()

	accessLog := a.log.WriterLevel(logrus.DebugLevel)
	defer accessLog.Close()
	handler := handlers.RecoveryHandler(handlers.RecoveryLogger(a.log))(
		handlers.LoggingHandler(accessLog, newRouter(a, a.log)),
	)

	srv := &http.Server{
		Addr:              eff.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{"listen": eff.Listen, "apply": eff.Apply}).Info("服务已启动")
		errCh <- srv.ListenAndServe()
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("HTTP 服务异常退出")
			code = 1
		}
	}

	a.log.Info("正在停止：等待进行中的任务结束")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-c.Stop().Done()
	return code
}

// cron 按配置注册全部启用的任务；同一任务上一轮未结束时跳过本轮。
func (a *app) cron(ctx context.Context) (*cron.Cron, error) {
	logger := cron.PrintfLogger(a.log)
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	for _, job := range a.eff.ScheduledJobs() {
		expr := a.eff.Schedule[job]
		var fn func()
		if job == config.CleanupJob {
			fn = func() { a.cleanupSubscriptions(ctx) }
		} else {
			cycle, err := domain.LookupCycle(job)
			if err != nil {
				return nil, err
			}
			fn = func() { a.runScheduled(ctx, cycle) }
		}
		if _, err := c.AddFunc(expr, fn); err != nil {
			return nil, fmt.Errorf("任务 %s 的表达式 %q 无效：%w", job, expr, err)
		}
		a.log.WithFields(logrus.Fields{"job": job, "spec": expr}).Info("已注册定时任务")
	}
	return c, nil
}

func (a *app) runScheduled(ctx context.Context, cycle domain.Cycle) {
	if _, err := a.RunUpdateCycle(ctx, cycle, nil); err != nil {
		a.log.WithError(err).WithField("cycle", cycle.Name).Error("周期中止")
	}
}

// RunUpdateCycle 执行一次周期并在 apply 模式下落盘报告。cron 与调试端点共用。
func (a *app) RunUpdateCycle(ctx context.Context, cycle domain.Cycle, ids []int) (domain.CycleReport, error) {
	rep, err := a.scheduler(logObserver{log: a.log}).RunUpdateCycle(ctx, cycle, ids)
	if a.eff.Apply {
		if _, werr := a.writeReport(rep); werr != nil {
			a.log.WithError(werr).WithField("run_id", rep.RunID).Error("写入周期报告失败")
		}
	}
	return rep, err
}

// cycleRunner 是调试端点依赖的最小接口。
type cycleRunner interface {
	RunUpdateCycle(ctx context.Context, cycle domain.Cycle, ids []int) (domain.CycleReport, error)
}

// newRouter 暴露健康检查与同步触发端点。
//
// 约束：
// - hutid 必填（逗号分隔），不允许通过 HTTP 触发整轮周期
// - ID 按来源分组，每个来源各跑一次对应周期；响应为报告数组
func newRouter(runner cycleRunner, log logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/update-huts", triggerHandler(runner, domain.CycleKindHuts, log)).Methods(http.MethodGet)
	r.HandleFunc("/api/update-availability", triggerHandler(runner, domain.CycleKindAvailability, log)).Methods(http.MethodGet)
	return r
}

func triggerHandler(runner cycleRunner, kind domain.CycleKind, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ids, err := planner.ParseIDList(req.URL.Query().Get("hutid"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("hutid 无效：%v", err))
			return
		}
		if len(ids) == 0 {
			writeError(w, http.StatusBadRequest, "缺少 hutid")
			return
		}
		if len(ids) > maxTriggerIDs {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("hutid 最多 %d 个", maxTriggerIDs))
			return
		}

		groups, err := groupBySource(ids, kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		reports := make([]domain.CycleReport, 0, len(groups))
		for _, g := range groups {
			rep, err := runner.RunUpdateCycle(req.Context(), g.cycle, g.ids)
			if err != nil {
				log.WithError(err).WithField("cycle", g.cycle.Name).Warn("调试触发中止")
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			reports = append(reports, rep)
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

type cycleIDs struct {
	cycle domain.Cycle
	ids   []int
}

// groupBySource 按 ID 区间把单元分到各来源对应的周期（来源顺序固定）。
func groupBySource(ids []int, kind domain.CycleKind) ([]cycleIDs, error) {
	bySource := make(map[domain.Source][]int)
	for _, id := range ids {
		src, ok := domain.SourceOf(id)
		if !ok {
			return nil, fmt.Errorf("hutid %d 不属于任何来源", id)
		}
		bySource[src] = append(bySource[src], id)
	}

	var out []cycleIDs
	for _, src := range domain.Sources() {
		if len(bySource[src]) == 0 {
			continue
		}
		c, ok := domain.CycleFor(src, kind)
		if !ok {
			return nil, fmt.Errorf("来源 %s 没有 %s 周期", src, kind)
		}
		out = append(out, cycleIDs{cycle: c, ids: bySource[src]})
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
