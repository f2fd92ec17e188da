package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/app/planner"
	"github.com/John-Robertt/alpinehuts/internal/app/scheduler"
	"github.com/John-Robertt/alpinehuts/internal/config"
	"github.com/John-Robertt/alpinehuts/internal/domain"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "run":
		code = runCmd(args[1:])
	case "serve":
		code = serveCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		code = 2
	}
	if code != 0 {
		os.Exit(code)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	eff, err := loadConfig(ra.common)
	if err != nil {
		emitReport(reportForConfigError(ra, err))
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

	var obs scheduler.Observer = logObserver{log: a.log}
	progressW, interactive := pickProgressWriter()
	if interactive {
		obs = newProgressUI(progressW, eff)
	}

	rep, runErr := a.scheduler(obs).RunUpdateCycle(ctx, ra.Cycle, ra.IDs)
	if runErr != nil {
		a.log.WithError(runErr).WithField("cycle", ra.Cycle.Name).Error("周期中止")
	}

	// apply：报告写入 <data_dir>/reports；dry-run 不落盘。
	if eff.Apply {
		path, err := a.writeReport(rep)
		if err != nil {
			fmt.Fprintf(os.Stderr, "写入周期报告失败：%v\n", err)
			emitReport(rep)
			return 1
		}
		if interactive {
			fmt.Fprintf(progressW, "report: %s\n", path)
		}
	}

	emitReport(rep)
	if runErr == nil && rep.Summary.Failed == 0 {
		return 0
	}
	return 1
}

// commonArgs 是 run 与 serve 共享的参数。
type commonArgs struct {
	ConfigPath string
	Apply      bool
	ApplySet   bool
}

type runArgs struct {
	common commonArgs
	Cycle  domain.Cycle
	IDs    []int
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}
	cycleName := ""

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--ids":
			if i+1 >= len(args) {
				return runArgs{}, fmt.Errorf("--ids 需要一个值")
			}
			i++
			ids, err := planner.ParseIDList(args[i])
			if err != nil {
				return runArgs{}, fmt.Errorf("--ids 无效：%w", err)
			}
			ra.IDs = ids
		case strings.HasPrefix(a, "--ids="):
			ids, err := planner.ParseIDList(strings.TrimPrefix(a, "--ids="))
			if err != nil {
				return runArgs{}, fmt.Errorf("--ids 无效：%w", err)
			}
			ra.IDs = ids
		case strings.HasPrefix(a, "-"):
			n, err := parseCommonFlag(&ra.common, args, i)
			if err != nil {
				return runArgs{}, err
			}
			i += n
		default:
			if cycleName != "" {
				return runArgs{}, fmt.Errorf("重复的周期：%q 与 %q", cycleName, a)
			}
			cycleName = a
		}
	}

	if cycleName == "" {
		return runArgs{}, fmt.Errorf("缺少周期名（%s）", strings.Join(domain.CycleNames(), "|"))
	}
	c, err := domain.LookupCycle(cycleName)
	if err != nil {
		return runArgs{}, err
	}
	ra.Cycle = c

	for _, id := range ra.IDs {
		if src, ok := domain.SourceOf(id); !ok || src != c.Source {
			return runArgs{}, fmt.Errorf("--ids 中的 %d 不属于来源 %s", id, c.Source)
		}
	}
	return ra, nil
}

// parseCommonFlag 解析 args[i] 处的公共参数，返回额外消耗的参数个数。
func parseCommonFlag(ca *commonArgs, args []string, i int) (int, error) {
	a := args[i]
	switch {
	case a == "--config":
		if i+1 >= len(args) {
			return 0, fmt.Errorf("--config 需要一个值")
		}
		ca.ConfigPath = args[i+1]
		return 1, nil
	case strings.HasPrefix(a, "--config="):
		ca.ConfigPath = strings.TrimPrefix(a, "--config=")
		return 0, nil
	case a == "--apply":
		ca.Apply = true
		ca.ApplySet = true
		return 0, nil
	case strings.HasPrefix(a, "--apply="):
		v := strings.TrimPrefix(a, "--apply=")
		switch v {
		case "true":
			ca.Apply = true
		case "false":
			ca.Apply = false
		default:
			return 0, fmt.Errorf("--apply 只能是 true 或 false，实际是 %q", v)
		}
		ca.ApplySet = true
		return 0, nil
	default:
		return 0, fmt.Errorf("未知参数 %q", a)
	}
}

func loadConfig(ca commonArgs) (config.EffectiveConfig, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.EffectiveConfig{}, &config.Error{Code: config.ErrCodeInvalid, Path: ".", Err: err}
	}
	return config.LoadEffective(cwd, config.CLIArgs{
		ConfigPath: ca.ConfigPath,
		Apply:      ca.Apply,
		ApplySet:   ca.ApplySet,
	})
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  alpinehuts run <cycle> [--ids 1,2,3] [--config file] [--apply[=true|false]]
  alpinehuts serve [--config file] [--apply[=true|false]]

命令：
  run    执行一次更新周期（默认 dry-run）
  serve  按 cron 表达式常驻调度，并提供调试触发端点

使用 "alpinehuts run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprintf(os.Stdout, `用法：
  alpinehuts run <cycle> [--ids 1,2,3] [--config file] [--apply[=true|false]]

周期：
  %s

参数：
  --ids       只处理这些单元（调试用；必须属于该周期的来源）
  --config    配置文件（默认尝试 ./%s）
  --apply     写入存储并发送通知（默认 dry-run）；支持 --apply=false 覆盖配置中的 apply=true
  -h, --help  显示帮助
`, strings.Join(domain.CycleNames(), "|"), config.FileName)
}

func printServeUsage() {
	fmt.Fprintf(os.Stdout, `用法：
  alpinehuts serve [--config file] [--apply[=true|false]]

参数：
  --config    配置文件（默认尝试 ./%s）
  --apply     写入存储并发送通知（默认 dry-run）
  -h, --help  显示帮助
`, config.FileName)
}

func emitReport(rep domain.CycleReport) {
	summary := func(w io.Writer) {
		fmt.Fprintf(w, "完成：cycle=%s processed=%d skipped=%d failed=%d deleted=%d rows=%d notifications=%d\n",
			rep.Cycle, rep.Summary.Processed, rep.Summary.Skipped, rep.Summary.Failed, rep.Summary.Deleted,
			rep.Summary.RowsWritten, rep.Summary.Notifications,
		)
	}

	if isTTY(os.Stdout) {
		summary(os.Stdout)
		for _, u := range rep.Units {
			if u.Status != domain.StatusFailed {
				continue
			}
			fmt.Fprintf(os.Stderr, "%d %s: %s\n", u.HutID, u.ErrorCode, u.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 CycleReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rep)
	summary(os.Stderr)
}

func reportForConfigError(ra runArgs, err error) domain.CycleReport {
	now := time.Now().UTC()
	rep := domain.CycleReport{
		Cycle:      ra.Cycle.Name,
		Source:     ra.Cycle.Source,
		DryRun:     !(ra.common.ApplySet && ra.common.Apply),
		StartedAt:  now,
		FinishedAt: now,
		Reporting:  "skipped",
		Units: []domain.UnitResult{{
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rep.Finalize()
	return rep
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}
