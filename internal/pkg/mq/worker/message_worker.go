package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Consumer 由 mq.RabbitMQClient 实现
type Consumer interface {
	DeclareQueue(queueName string) (amqp.Queue, error)
	Consume(queueName string, handler func(msg amqp.Delivery)) error
}

// MessageAppender 把文件消息写入消息历史
type MessageAppender interface {
	Append(ctx context.Context, msg *models.FileMessage) error
}

// MessageLogWorker 消费文件消息队列并写入消息历史
type MessageLogWorker struct {
	consumer Consumer
	appender MessageAppender
	queue    string
	timeout  time.Duration
}

func NewMessageLogWorker(consumer Consumer, appender MessageAppender, queue string, timeout time.Duration) *MessageLogWorker {
	return &MessageLogWorker{consumer: consumer, appender: appender, queue: queue, timeout: timeout}
}

func (w *MessageLogWorker) Start() error {
	if _, err := w.consumer.DeclareQueue(w.queue); err != nil {
		return err
	}
	if err := w.consumer.Consume(w.queue, w.Handle); err != nil {
		return err
	}
	logger.Info("Message log worker started...", zap.String("queue", w.queue))
	return nil
}

// Handle 解析失败直接丢弃; 写库失败重新入队一次, 再次失败则丢弃
func (w *MessageLogWorker) Handle(msg amqp.Delivery) {
	var fileMsg models.FileMessage
	if err := json.Unmarshal(msg.Body, &fileMsg); err != nil {
		logger.Error("Failed to unmarshal file message", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.appender.Append(ctx, &fileMsg); err != nil {
		logger.Error("Failed to save file message",
			zap.Uint64("userID", fileMsg.UserID),
			zap.String("fileName", fileMsg.FileName),
			zap.Bool("redelivered", msg.Redelivered),
			zap.Error(err))
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}
