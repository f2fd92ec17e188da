package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusDeleted   = "deleted"
)

const (
	ErrCodeFetchFailed   = "fetch_failed"
	ErrCodeParseFailed   = "parse_failed"
	ErrCodeNotFound      = "not_found"
	ErrCodeStoreFailed   = "store_failed"
	ErrCodeGeoFailed     = "geo_failed"
	ErrCodeConfigInvalid = "config_invalid"
	ErrCodeLocked        = "locked"
	ErrCodeExcluded      = "excluded"
	ErrCodeDisabled      = "disabled"
	ErrCodeTimeout       = "timeout"
)

// CycleReport 是一次周期运行的对外稳定输出（report.json / stdout JSON）。
type CycleReport struct {
	RunID  string `json:"run_id"`
	Cycle  string `json:"cycle"`
	Source Source `json:"source"`
	DryRun bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Batches   int    `json:"batches"`
	Reporting string `json:"reporting"`

	Summary ReportSummary `json:"summary"`
	Units   []UnitResult  `json:"units"`
}

type ReportSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Deleted   int `json:"deleted"`

	RowsWritten   int `json:"rows_written"`
	Notifications int `json:"notifications"`
}

// UnitResult 是单个单元在本周期内的结果。
type UnitResult struct {
	HutID  int    `json:"hut_id"`
	Name   string `json:"name"`
	Status string `json:"status"`

	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	RowsWritten   int      `json:"rows_written"`
	Notifications int      `json:"notifications"`
	Warnings      []string `json:"warnings"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) units 按 hut_id 升序稳定排序
// 3) summary 由 units 计算得出
func (r *CycleReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Units, func(i, j int) bool { return r.Units[i].HutID < r.Units[j].HutID })

	var s ReportSummary
	for _, u := range r.Units {
		switch u.Status {
		case StatusProcessed:
			s.Processed++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		case StatusDeleted:
			s.Deleted++
		}
		s.RowsWritten += u.RowsWritten
		s.Notifications += u.Notifications
	}
	r.Summary = s
}

// MarshalJSON 把 nil 切片输出为 []，保持输出结构稳定。
func (r CycleReport) MarshalJSON() ([]byte, error) {
	type Alias CycleReport
	a := Alias(r)
	a.Units = append([]UnitResult{}, r.Units...)
	for i := range a.Units {
		if a.Units[i].Warnings == nil {
			a.Units[i].Warnings = []string{}
		}
	}
	return json.Marshal(a)
}
