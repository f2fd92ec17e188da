package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/infra/logx"
)

// DefaultHorizonDays 是可通知的最远日期（相对今天）。
const DefaultHorizonDays = 112

// Message 是一封待发送的空床通知。
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	HutID    int
	Date     domain.Date
}

// Sink 负责投递。返回错误时对应订阅不会被标记，下一轮再试（至少一次）。
type Sink interface {
	Send(ctx context.Context, m Message) error
}

// Repository 是通知所需的最小存储子集；activity 传入事务内的 Repository。
type Repository interface {
	GetSubscriptions(ctx context.Context, hutID int, date domain.Date) ([]domain.Subscription, error)
	MarkNotified(ctx context.Context, key domain.SubscriptionKey) error
}

type Gate struct {
	Sink        Sink
	HorizonDays int
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

// Result 统计一次 Notify 的投递情况。
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Notify 对每个有空床的日期通知尚未通知过的订阅者。
//
// 约束：
// - 只处理 notified=false 且日期不晚于 今天+视界 的订阅
// - 投递成功后才 MarkNotified；投递失败只记录，不返回错误
// - 存储错误直接返回（由调用方回滚事务）
func (g *Gate) Notify(ctx context.Context, repo Repository, hut domain.Hut, dates []domain.Date) (Result, error) {
	var res Result
	if g == nil || g.Sink == nil || len(dates) == 0 {
		return res, nil
	}
	log := g.Logger
	if log == nil {
		log = logx.Discard()
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	horizon := g.HorizonDays
	if horizon <= 0 {
		horizon = DefaultHorizonDays
	}
	limit := domain.DateOf(now()).AddDays(horizon)

	for _, date := range dates {
		if limit.Before(date) {
			continue
		}
		subs, err := repo.GetSubscriptions(ctx, hut.ID, date)
		if err != nil {
			return res, fmt.Errorf("读取订阅失败：%w", err)
		}
		for _, sub := range subs {
			if sub.Notified {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			m := Compose(hut, sub)
			if err := g.Sink.Send(ctx, m); err != nil {
				res.Failed++
				log.WithFields(logrus.Fields{
					"hut_id": hut.ID,
					"date":   date.String(),
				}).WithError(err).Warn("通知发送失败")
				continue
			}
			if err := repo.MarkNotified(ctx, sub.Key()); err != nil {
				return res, fmt.Errorf("标记订阅失败：%w", err)
			}
			res.Sent++
		}
	}
	return res, nil
}

// Compose 组装通知邮件。
func Compose(hut domain.Hut, sub domain.Subscription) Message {
	return Message{
		To:      sub.EmailAddress,
		Subject: fmt.Sprintf("Freie Plätze in %s!", hut.Name),
		HTMLBody: fmt.Sprintf(
			`Es gibt wieder freie Plätze in %s am %s!<br /><br />Schaue direkt nach: <a href="%s">Online Buchung</a>`,
			html.EscapeString(hut.Name), sub.Date.DMY(), html.EscapeString(hut.Link),
		),
		HutID: hut.ID,
		Date:  sub.Date,
	}
}
