package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSink 通过 SMTP 投递 HTML 邮件。每封邮件独立建连。
type SMTPSink struct {
	from string
	send func(m ...*gomail.Message) error
}

func NewSMTPSink(opts SMTPOptions) (*SMTPSink, error) {
	if opts.Host == "" {
		return nil, errors.New("SMTP host 为空")
	}
	if opts.From == "" {
		return nil, errors.New("发件人为空")
	}
	if opts.Port <= 0 {
		opts.Port = 587
	}
	d := gomail.NewDialer(opts.Host, opts.Port, opts.Username, opts.Password)
	return &SMTPSink{from: opts.From, send: d.DialAndSend}, nil
}

func (s *SMTPSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.send(s.message(m)); err != nil {
		return fmt.Errorf("发送邮件到 %s 失败：%w", m.To, err)
	}
	return nil
}

func (s *SMTPSink) message(m Message) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/html", m.HTMLBody)
	return msg
}

// LogSink 只记录日志（未配置 SMTP 时使用）。
type LogSink struct {
	Logger logrus.FieldLogger
}

func (s LogSink) Send(_ context.Context, m Message) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.WithFields(logrus.Fields{
		"hut_id":  m.HutID,
		"date":    m.Date.String(),
		"to":      m.To,
		"subject": m.Subject,
	}).Info("通知（未配置 SMTP，仅记录）")
	return nil
}
