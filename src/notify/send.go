// Package notify 在迁移进入终态时发送通知
package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recordbridge/recordbridge/src/configs"
	"github.com/recordbridge/recordbridge/src/notify/email"
	"github.com/recordbridge/recordbridge/src/pipeline"
	rbsentry "github.com/recordbridge/recordbridge/src/pkg/sentry"
)

// SendFunc 发送一条通知
type SendFunc func(subject, body string) error

// Notifier 迁移终态通知，实现 pipeline.Observer
// 发送在独立协程中进行，不阻塞迁移循环
type Notifier struct {
	send SendFunc
	wg   sync.WaitGroup
}

var _ pipeline.Observer = (*Notifier)(nil)

// New 按配置创建通知器，未开启任何通知渠道时返回 nil
func New(cfg *configs.Config) *Notifier {
	if cfg == nil || !cfg.Notify.Email.Enable {
		return nil
	}
	emailCfg := cfg.Notify.Email
	return NewWithSender(func(subject, body string) error {
		return email.Send(emailCfg, subject, body)
	})
}

// NewWithSender 使用自定义发送函数创建通知器
func NewWithSender(send SendFunc) *Notifier {
	return &Notifier{send: send}
}

func (n *Notifier) OnStatusChange(job *pipeline.MigrationJob, from pipeline.Status) {
	if !job.Status.IsTerminal() || from == pipeline.StatusDraft {
		return
	}
	subject, body := Compose(job)
	n.wg.Add(1)
	rbsentry.Go(func() {
		defer n.wg.Done()
		if err := n.send(subject, body); err != nil {
			logrus.WithError(err).WithField("migration_id", job.ID).Error("Failed to send migration notification")
		}
	})
}

func (n *Notifier) OnBatch(*pipeline.MigrationJob, pipeline.BatchStats) {}

// Wait 等待已发出的通知发送结束
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Compose 生成通知的主题与正文
func Compose(job *pipeline.MigrationJob) (string, string) {
	subject := fmt.Sprintf("[recordbridge] migration %q %s", job.Name, job.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "Migration: %s (%s)\n", job.Name, job.ID)
	fmt.Fprintf(&b, "Status: %s\n", job.Status)
	if job.DryRun {
		b.WriteString("Mode: dry run\n")
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
	}
	total := job.Counters.Total
	fmt.Fprintf(&b, "Records: %d processed, %d succeeded, %d failed\n", total.Processed, total.Succeeded, total.Failed)
	if job.Counters.Simulated > 0 {
		fmt.Fprintf(&b, "Simulated: %d\n", job.Counters.Simulated)
	}
	for _, s := range job.Counters.Steps {
		fmt.Fprintf(&b, "  %s: %d processed, %d succeeded, %d failed\n", s.Step, s.Counts.Processed, s.Counts.Succeeded, s.Counts.Failed)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", job.ErrorMessage)
	}
	return subject, b.String()
}
