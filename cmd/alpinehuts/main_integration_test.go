package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

func TestCLI_NoTTY_StdoutOnlyCycleReportJSON(t *testing.T) {
	// 这个测试锁定对外契约：stdout 非 TTY 时只能输出一个 CycleReport JSON（进度/日志必须走 stderr）。
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>Die Hütte kann nicht gefunden werden.</body></html>")
	}))
	defer upstream.Close()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "alpinehuts.json")
	body := fmt.Sprintf(`{"providers":{"alpsonline":{"base_url":%q}},"http":{"retry_max":0}}`, upstream.URL)
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatalf("写入配置失败：%v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("读取 cwd 失败：%v", err)
	}
	repoRoot := filepath.Clean(filepath.Join(wd, "..", ".."))

	cmd := exec.Command("go", "run", "./cmd/alpinehuts", "run", "huts", "--ids", "5", "--config", cfg)
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(), "DATABASE_URL=", "REDIS_URL=")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("命令执行失败：%v\nstderr=%s\nstdout=%s", err, stderr.String(), stdout.String())
	}

	var rep domain.CycleReport
	if err := json.Unmarshal(stdout.Bytes(), &rep); err != nil {
		t.Fatalf("stdout 不是合法的 CycleReport JSON：%v\nstdout=%q", err, stdout.String())
	}
	if rep.Cycle != "huts" || !rep.DryRun || len(rep.Units) != 1 {
		t.Fatalf("报告不符：%+v", rep)
	}
	if u := rep.Units[0]; u.HutID != 5 || u.Status != domain.StatusSkipped || u.ErrorCode != domain.ErrCodeNotFound {
		t.Fatalf("单元结果不符：%+v", u)
	}
	if strings.Contains(stdout.String(), "配置（生效）") || strings.Contains(stdout.String(), "进度:") {
		t.Fatalf("stdout 不应包含进度/配置输出：%q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "完成：cycle=huts") {
		t.Fatalf("stderr 缺少完成摘要：%q", stderr.String())
	}
}
