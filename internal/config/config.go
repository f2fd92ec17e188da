package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

const (
	// ErrCodeNotFound 表示 --config 显式指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	// FileName 是 cwd 下自动发现的配置文件名。
	FileName = "alpinehuts.json"

	DefaultBatchSize     = 10
	DefaultCooldown      = time.Minute
	DefaultUnitTimeout   = 5 * time.Minute
	DefaultRetryMax      = 4
	DefaultBackoff       = 2 * time.Second
	DefaultWindowDays    = 14
	DefaultHorizonDays   = 112
	DefaultHolidayMonths = 6
	DefaultMaxHutID      = 600
	DefaultStride        = 7
	DefaultListen        = ":8080"

	// CleanupJob 是 schedule 中“过期订阅清理”的键，其余键均为周期名。
	CleanupJob = "cleanup"
)

// 环境变量：敏感项只从环境（或 .env）读取，不写进 JSON。
const (
	EnvDatabaseURL  = "DATABASE_URL"
	EnvRedisURL     = "REDIS_URL"
	EnvSMTPUsername = "SMTP_USERNAME"
	EnvSMTPPassword = "SMTP_PASSWORD"
	EnvAzureMapsKey = "AZURE_MAPS_API_KEY"
)

// CronParser 与 cron.New(cron.WithSeconds()) 的解析规则一致（6 段，首段为秒）。
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DefaultSchedule 是各任务的默认 cron 表达式（UTC）。
func DefaultSchedule() map[string]string {
	return map[string]string{
		"huts":                 "0 0 2 * * *",
		"availability":         "0 0 14,23 * * *",
		"v2-huts":              "0 30 2 * * *",
		"v2-availability":      "0 30 14,23 * * *",
		"holiday-huts":         "0 0 3 * * *",
		"holiday-availability": "0 0 13,22 * * *",
		CleanupJob:             "0 0 1 * * *",
	}
}

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --apply=false 必须能覆盖 config.apply=true。
type CLIArgs struct {
	// ConfigPath 非空时必须存在；为空时尝试 <cwd>/alpinehuts.json（可选）。
	ConfigPath string

	Apply    bool
	ApplySet bool
}

// FileConfig 对应 alpinehuts.json 的解析结构。时长字段使用 time.ParseDuration 语法。
type FileConfig struct {
	Apply       *bool  `json:"apply"`
	DataDir     string `json:"data_dir"`
	BatchSize   int    `json:"batch_size"`
	Cooldown    string `json:"cooldown"`
	UnitTimeout string `json:"unit_timeout"`

	MaxHutID      int `json:"max_hut_id"`
	Stride        int `json:"stride"`
	WindowDays    int `json:"window_days"`
	HorizonDays   int `json:"horizon_days"`
	HolidayMonths int `json:"holiday_months"`

	HTTP      *FileHTTP               `json:"http"`
	Providers map[string]FileProvider `json:"providers"`
	Schedule  map[string]string       `json:"schedule"`

	Store  *FileStore `json:"store"`
	Geo    *FileGeo   `json:"geo"`
	SMTP   *FileSMTP  `json:"smtp"`
	Listen string     `json:"listen"`
	Log    *FileLog   `json:"log"`
}

type FileHTTP struct {
	RetryMax       *int   `json:"retry_max"`
	Backoff        string `json:"backoff"`
	AttemptTimeout string `json:"attempt_timeout"`
	Timeout        string `json:"timeout"`
	ProxyURL       string `json:"proxy_url"`
	UserAgent      string `json:"user_agent"`
}

type FileProvider struct {
	BaseURL string  `json:"base_url"`
	RPS     float64 `json:"rps"`
}

type FileStore struct {
	Driver     string `json:"driver"`
	MaxConns   int    `json:"max_conns"`
	ViaBouncer bool   `json:"via_bouncer"`
}

type FileGeo struct {
	NominatimURL string `json:"nominatim_url"`
	AzureMapsURL string `json:"azure_maps_url"`
}

type FileSMTP struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	From string `json:"from"`
}

type FileLog struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigFile 是实际读取的配置文件；未找到可选文件时为空。
	ConfigFile string

	Apply       bool
	DataDir     string        `validate:"required"`
	BatchSize   int           `validate:"min=1,max=100"`
	Cooldown    time.Duration `validate:"gte=0"`
	UnitTimeout time.Duration `validate:"gt=0"`

	MaxHutID      int `validate:"min=1"`
	Stride        int `validate:"min=1"`
	WindowDays    int `validate:"min=1,max=31"`
	HorizonDays   int `validate:"min=1,max=366"`
	HolidayMonths int `validate:"min=1,max=24"`

	HTTP      HTTPConfig
	Providers map[domain.Source]ProviderConfig `validate:"dive"`
	// Schedule 的值为空串表示禁用该任务。
	Schedule map[string]string `validate:"dive,omitempty,cron"`

	Store    StoreConfig
	RedisURL string `validate:"omitempty,url"`
	Geo      GeoConfig
	SMTP     SMTPConfig
	Listen   string `validate:"required"`
	Log      LogConfig
}

type HTTPConfig struct {
	RetryMax       int           `validate:"gte=0,lte=10"`
	Backoff        time.Duration `validate:"gte=0"`
	AttemptTimeout time.Duration `validate:"gte=0"`
	Timeout        time.Duration `validate:"gte=0"`
	ProxyURL       string        `validate:"omitempty,url"`
	UserAgent      string
}

type ProviderConfig struct {
	BaseURL string  `validate:"omitempty,url"`
	RPS     float64 `validate:"gte=0"`
}

type StoreConfig struct {
	Driver      string `validate:"oneof=postgres memory"`
	DatabaseURL string `validate:"required_if=Driver postgres"`
	MaxConns    int    `validate:"gte=0"`
	ViaBouncer  bool
}

type GeoConfig struct {
	NominatimURL string `validate:"omitempty,url"`
	AzureMapsURL string `validate:"omitempty,url"`
	AzureMapsKey string
}

type SMTPConfig struct {
	Host     string
	Port     int    `validate:"omitempty,min=1,max=65535"`
	Username string
	Password string
	From     string `validate:"required_with=Host,omitempty,email"`
}

type LogConfig struct {
	Level  string `validate:"omitempty,oneof=trace debug info warn warning error"`
	Format string `validate:"omitempty,oneof=text json"`
	File   string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件与环境变量，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：必须存在，否则 config_not_found
// 2) 未提供：尝试读取 <cwd>/alpinehuts.json（可选，缺失时全部取默认）
// 3) <cwd>/.env 存在时作为环境变量的补充来源；进程环境优先
//
// 覆盖优先级（固定）：
// - apply：CLI --apply/--apply=false > config > 默认 false
// - 敏感项：仅环境变量
// - 其他字段：config > 默认
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	explicit := strings.TrimSpace(cli.ConfigPath) != ""
	if explicit {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
	}

	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists && explicit {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}

	envPath := filepath.Join(cwdAbs, ".env")
	env, err := readEnv(envPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: envPath, Err: err}
	}

	// 相对路径以配置文件所在目录为基准；没有配置文件时以 cwd 为基准。
	base := cwdAbs
	if exists {
		base = filepath.Dir(cfgPath)
	} else {
		cfgPath = ""
	}
	eff, err := merge(base, cli, fc, env)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.ConfigFile = cfgPath
	if err := Validate(eff); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	return eff, nil
}

func merge(base string, cli CLIArgs, fc FileConfig, env func(string) string) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		DataDir:       filepath.Join(base, "data"),
		BatchSize:     orInt(fc.BatchSize, DefaultBatchSize),
		MaxHutID:      orInt(fc.MaxHutID, DefaultMaxHutID),
		Stride:        orInt(fc.Stride, DefaultStride),
		WindowDays:    orInt(fc.WindowDays, DefaultWindowDays),
		HorizonDays:   orInt(fc.HorizonDays, DefaultHorizonDays),
		HolidayMonths: orInt(fc.HolidayMonths, DefaultHolidayMonths),
		Listen:        orString(fc.Listen, DefaultListen),
		RedisURL:      env(EnvRedisURL),
	}

	// apply：CLI > config > 默认 false
	if cli.ApplySet {
		eff.Apply = cli.Apply
	} else if fc.Apply != nil {
		eff.Apply = *fc.Apply
	}

	if strings.TrimSpace(fc.DataDir) != "" {
		eff.DataDir = absCleanFrom(base, fc.DataDir)
	}

	var err error
	if eff.Cooldown, err = durationOr("cooldown", fc.Cooldown, DefaultCooldown); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.UnitTimeout, err = durationOr("unit_timeout", fc.UnitTimeout, DefaultUnitTimeout); err != nil {
		return EffectiveConfig{}, err
	}

	eff.HTTP = HTTPConfig{RetryMax: DefaultRetryMax, Backoff: DefaultBackoff}
	if h := fc.HTTP; h != nil {
		if h.RetryMax != nil {
			eff.HTTP.RetryMax = *h.RetryMax
		}
		if eff.HTTP.Backoff, err = durationOr("http.backoff", h.Backoff, DefaultBackoff); err != nil {
			return EffectiveConfig{}, err
		}
		if eff.HTTP.AttemptTimeout, err = durationOr("http.attempt_timeout", h.AttemptTimeout, 0); err != nil {
			return EffectiveConfig{}, err
		}
		if eff.HTTP.Timeout, err = durationOr("http.timeout", h.Timeout, 0); err != nil {
			return EffectiveConfig{}, err
		}
		eff.HTTP.ProxyURL = strings.TrimSpace(h.ProxyURL)
		eff.HTTP.UserAgent = strings.TrimSpace(h.UserAgent)
	}

	eff.Providers = make(map[domain.Source]ProviderConfig, len(fc.Providers))
	for name, p := range fc.Providers {
		src, err := domain.ParseSource(name)
		if err != nil {
			return EffectiveConfig{}, fmt.Errorf("providers：%w", err)
		}
		eff.Providers[src] = ProviderConfig{BaseURL: strings.TrimSpace(p.BaseURL), RPS: p.RPS}
	}

	eff.Schedule = DefaultSchedule()
	for job, expr := range fc.Schedule {
		if job != CleanupJob {
			if _, err := domain.LookupCycle(job); err != nil {
				return EffectiveConfig{}, fmt.Errorf("schedule 中存在未知任务 %q", job)
			}
		}
		eff.Schedule[job] = strings.TrimSpace(expr)
	}

	// 未显式选择存储时：有 DATABASE_URL 用 postgres，否则退化为进程内存储。
	eff.Store = StoreConfig{Driver: "memory", DatabaseURL: env(EnvDatabaseURL)}
	if eff.Store.DatabaseURL != "" {
		eff.Store.Driver = "postgres"
	}
	if s := fc.Store; s != nil {
		eff.Store.Driver = orString(strings.ToLower(s.Driver), eff.Store.Driver)
		eff.Store.MaxConns = s.MaxConns
		eff.Store.ViaBouncer = s.ViaBouncer
	}

	eff.Geo = GeoConfig{AzureMapsKey: env(EnvAzureMapsKey)}
	if g := fc.Geo; g != nil {
		eff.Geo.NominatimURL = strings.TrimSpace(g.NominatimURL)
		eff.Geo.AzureMapsURL = strings.TrimSpace(g.AzureMapsURL)
	}

	eff.SMTP = SMTPConfig{Username: env(EnvSMTPUsername), Password: env(EnvSMTPPassword)}
	if s := fc.SMTP; s != nil {
		eff.SMTP.Host = strings.TrimSpace(s.Host)
		eff.SMTP.Port = s.Port
		eff.SMTP.From = strings.TrimSpace(s.From)
	}

	if l := fc.Log; l != nil {
		eff.Log = LogConfig{Level: strings.ToLower(strings.TrimSpace(l.Level)), Format: strings.ToLower(strings.TrimSpace(l.Format))}
		if strings.TrimSpace(l.File) != "" {
			eff.Log.File = absCleanFrom(base, l.File)
		}
	}
	return eff, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := CronParser.Parse(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate 对合并后的配置做字段校验；失败时把每个字段的问题拼成一条可读错误。
func Validate(eff EffectiveConfig) error {
	err := validate.Struct(eff)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msg := fmt.Sprintf("%s 不满足 %s", strings.TrimPrefix(fe.Namespace(), "EffectiveConfig."), fe.Tag())
		if p := fe.Param(); p != "" {
			msg += "=" + p
		}
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return errors.New(strings.Join(msgs, "；"))
}

// ScheduledJobs 返回启用的任务名（字典序）。
func (c EffectiveConfig) ScheduledJobs() []string {
	out := make([]string, 0, len(c.Schedule))
	for job, expr := range c.Schedule {
		if expr != "" {
			out = append(out, job)
		}
	}
	sort.Strings(out)
	return out
}

// Provider 返回某来源的配置（未配置时为零值，由调用方取默认）。
func (c EffectiveConfig) Provider(src domain.Source) ProviderConfig {
	return c.Providers[src]
}

// ReportsDir 是 apply 模式下周期报告的落盘目录。
func (c EffectiveConfig) ReportsDir() string { return filepath.Join(c.DataDir, "reports") }

// ArchiveDir 是上游原始载荷的存档目录。
func (c EffectiveConfig) ArchiveDir() string { return filepath.Join(c.DataDir, "raw") }

func durationOr(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s 无效：%w", field, err)
	}
	return d, nil
}

func orInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func orString(v, d string) string {
	if strings.TrimSpace(v) == "" {
		return d
	}
	return strings.TrimSpace(v)
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}

// readEnv 返回“进程环境优先、.env 补充”的查找函数。.env 不写回进程环境。
func readEnv(path string) (func(string) string, error) {
	fileEnv := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		m, err := godotenv.Read(path)
		if err != nil {
			return nil, err
		}
		fileEnv = m
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(fileEnv[key])
	}, nil
}
