package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/infra/logx"
	providerx "github.com/John-Robertt/alpinehuts/internal/provider"
)

// ErrMissingAPIKey 表示反向地理编码缺少 API key。属于部署缺陷，使用点立即失败。
var ErrMissingAPIKey = errors.New("geo: azure maps api key missing")

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	DefaultAzureMapsURL = "https://atlas.microsoft.com"

	searchLimit = 5
	maxAttempts = 4
)

// Coordinates 是一次名称检索的结果，总在合理范围框内。
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Region 是反向地理编码结果；任一字段可能为 nil。
type Region struct {
	Country *string
	Region  *string
}

// Options 是 Resolver 的可选配置；零值即可用（但 ResolveRegion 需要 AzureMapsKey）。
type Options struct {
	NominatimURL string
	AzureMapsURL string
	AzureMapsKey string

	// BreakerTimeout 是熔断打开后进入半开状态前的等待时间，默认 60s。
	BreakerTimeout time.Duration

	Logger logrus.FieldLogger
}

// Resolver 组合 Nominatim 名称检索与 Azure Maps 反向地理编码。
//
// 约束：
// - 不合理坐标（范围框外）一律丢弃，并按名称变换策略重试
// - 每个上游各有一个熔断器；熔断打开时返回 nil 结果而不是错误
type Resolver struct {
	client *http.Client
	opts   Options
	log    logrus.FieldLogger

	search  *gobreaker.CircuitBreaker
	reverse *gobreaker.CircuitBreaker
}

func New(c *http.Client, opts Options) *Resolver {
	if c == nil {
		c = http.DefaultClient
	}
	if strings.TrimSpace(opts.NominatimURL) == "" {
		opts.NominatimURL = DefaultNominatimURL
	}
	if strings.TrimSpace(opts.AzureMapsURL) == "" {
		opts.AzureMapsURL = DefaultAzureMapsURL
	}
	opts.NominatimURL = strings.TrimRight(opts.NominatimURL, "/")
	opts.AzureMapsURL = strings.TrimRight(opts.AzureMapsURL, "/")
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}
	lg := opts.Logger
	if lg == nil {
		lg = logx.Discard()
	}

	r := &Resolver{client: c, opts: opts, log: lg}
	r.search = r.newBreaker("nominatim")
	r.reverse = r.newBreaker("azure-maps")
	return r
}

func (r *Resolver) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: r.opts.BreakerTimeout,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("熔断器状态变化")
		},
	})
}

type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Type        string `json:"type"`
}

// ResolveCoordinates 按名称检索坐标；找不到合理结果时依次尝试名称变换，全部失败返回 nil。
func (r *Resolver) ResolveCoordinates(ctx context.Context, name string) (*Coordinates, error) {
	q := searchName(name)
	for attempt := 0; attempt < maxAttempts && q != ""; attempt++ {
		c, err := r.searchOnce(ctx, q)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				r.log.WithField("name", q).Warn("名称检索熔断中，跳过")
				return nil, nil
			}
			return nil, err
		}
		if c != nil {
			return c, nil
		}
		next, ok := NextVariant(q)
		if !ok {
			break
		}
		r.log.WithFields(logrus.Fields{"name": q, "next": next}).Info("坐标检索无合理结果，换名称重试")
		q = next
	}
	return nil, nil
}

func (r *Resolver) searchOnce(ctx context.Context, q string) (*Coordinates, error) {
	u := fmt.Sprintf("%s/search.php?format=json&limit=%d&q=%s", r.opts.NominatimURL, searchLimit, url.QueryEscape(q))
	v, err := r.search.Execute(func() (interface{}, error) {
		body, _, err := providerx.Get(ctx, r.client, u, nil)
		return body, err
	})
	if err != nil {
		return nil, err
	}
	var results []nominatimResult
	if err := json.Unmarshal(v.([]byte), &results); err != nil {
		return nil, fmt.Errorf("nominatim 响应无法解析：%w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	pick := results[0]
	if len(results) > 1 {
		found := false
		for _, res := range results {
			if res.Type == "alpine_hut" || res.Type == "restaurant" {
				pick, found = res, true
				break
			}
		}
		if !found {
			r.log.WithField("name", q).Warn("多个检索结果且无小屋类型，取第一个")
		}
	}

	lat, err1 := strconv.ParseFloat(strings.TrimSpace(pick.Lat), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(pick.Lon), 64)
	if err1 != nil || err2 != nil {
		return nil, nil
	}
	if !domain.PlausibleCoordinates(lat, lon) {
		r.log.WithFields(logrus.Fields{"name": q, "lat": lat, "lon": lon}).Warn("坐标不在合理范围内，丢弃")
		return nil, nil
	}
	return &Coordinates{Latitude: lat, Longitude: lon}, nil
}

type azureReverseResult struct {
	Addresses []struct {
		Address struct {
			Country            string `json:"country"`
			CountrySubdivision string `json:"countrySubdivision"`
		} `json:"address"`
	} `json:"addresses"`
}

// ResolveRegion 反向地理编码。缺 key 返回 ErrMissingAPIKey；没有结果返回 nil。
func (r *Resolver) ResolveRegion(ctx context.Context, lat, lon float64) (*Region, error) {
	key := strings.TrimSpace(r.opts.AzureMapsKey)
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	q := url.Values{}
	q.Set("api-version", "1.0")
	q.Set("language", "de")
	q.Set("subscription-key", key)
	q.Set("query", fmt.Sprintf("%.5f,%.5f", lat, lon))
	u := r.opts.AzureMapsURL + "/search/address/reverse/json?" + q.Encode()

	v, err := r.reverse.Execute(func() (interface{}, error) {
		body, _, err := providerx.Get(ctx, r.client, u, nil)
		return body, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.log.WithFields(logrus.Fields{"lat": lat, "lon": lon}).Warn("反向地理编码熔断中，跳过")
			return nil, nil
		}
		return nil, err
	}
	var res azureReverseResult
	if err := json.Unmarshal(v.([]byte), &res); err != nil {
		return nil, fmt.Errorf("azure maps 响应无法解析：%w", err)
	}
	if len(res.Addresses) == 0 {
		r.log.WithFields(logrus.Fields{"lat": lat, "lon": lon}).Warn("反向地理编码无结果")
		return nil, nil
	}
	a := res.Addresses[0].Address
	return &Region{Country: nonEmpty(a.Country), Region: nonEmpty(a.CountrySubdivision)}, nil
}

// searchName 只取逗号前的部分（逗号后通常是所属协会分部）。
func searchName(name string) string {
	if i := strings.IndexByte(name, ','); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

var (
	acronymRE     = regexp.MustCompile(` [A-ZÖÄÜ]{2,4}`)
	spacedHutRE   = regexp.MustCompile(`(?i) hütte`)
	hutRE         = regexp.MustCompile(`(?i)hütte`)
	hyphenatedHut = regexp.MustCompile(`(?i)-hütte`)
)

// NextVariant 返回下一个检索名称；没有可用变换时 ok=false。
//
// 顺序固定：
// 1) 去掉 2-4 位大写缩写（" SAC"、" DAV"）
// 2) " Hütte" 并写为 "hütte"
// 3) "hütte" 改为连字符写法 "-hütte"
func NextVariant(name string) (string, bool) {
	switch {
	case acronymRE.MatchString(name):
		return strings.TrimSpace(acronymRE.ReplaceAllString(name, "")), true
	case spacedHutRE.MatchString(name):
		return spacedHutRE.ReplaceAllString(name, "hütte"), true
	case hutRE.MatchString(name) && !hyphenatedHut.MatchString(name):
		return hutRE.ReplaceAllString(name, "-hütte"), true
	default:
		return "", false
	}
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
