package interfaces

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Module 可启动、可关闭的长生命周期组件
type Module interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}

// Logger 包装全局 logrus Logger
type Logger struct {
	*logrus.Logger
}
