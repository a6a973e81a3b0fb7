// Package email 通过 SMTP 发送通知邮件
package email

import (
	"errors"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/recordbridge/recordbridge/src/configs"
)

// NewMessage 按配置构造邮件
func NewMessage(cfg configs.Email, subject, body string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", cfg.SenderEmail)
	m.SetHeader("To", cfg.RecipientEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m
}

// SendEmail 使用当前配置发送邮件
func SendEmail(subject, body string) error {
	cfg := configs.GetCurrentConfig()
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	return Send(cfg.Notify.Email, subject, body)
}

// Send 使用指定的 SMTP 配置发送邮件
func Send(cfg configs.Email, subject, body string) error {
	if cfg.SMTPHost == "" || cfg.SenderEmail == "" || cfg.RecipientEmail == "" {
		return errors.New("email notification is not fully configured")
	}
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SenderEmail, cfg.SenderPassword)
	if err := d.DialAndSend(NewMessage(cfg, subject, body)); err != nil {
		return fmt.Errorf("failed to send email via %s:%d: %w", cfg.SMTPHost, cfg.SMTPPort, err)
	}
	return nil
}
