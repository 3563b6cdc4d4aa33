package worker

import (
	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/mq"
	"go.uber.org/zap"
)

// StartAllWorkers 启动应用中所有定义的后台 Worker
func StartAllWorkers(
	cfg *config.Config,
	mqClient *mq.RabbitMQClient,
	appender MessageAppender,
) error {
	// --- 启动消息历史 Worker ---
	messageWorker := NewMessageLogWorker(mqClient, appender, cfg.Notify.QueueName, cfg.Notify.DeliverTimeout)
	if err := messageWorker.Start(); err != nil {
		logger.Error("启动消息历史 Worker 失败", zap.Error(err))
		return err
	}

	logger.Info("所有后台工作进程已启动。")
	return nil
}
