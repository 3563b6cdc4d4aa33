package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher 消息队列的发布端, 由 mq.RabbitMQClient 实现
type Publisher interface {
	Publish(queueName string, body []byte) error
}

// MQSink 把消息以 JSON 发布到队列, 由 worker 异步写入消息历史
type MQSink[T any] struct {
	pub   Publisher
	queue string
}

func NewMQSink[T any](pub Publisher, queue string) *MQSink[T] {
	return &MQSink[T]{pub: pub, queue: queue}
}

func (s *MQSink[T]) Deliver(ctx context.Context, msg T) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.pub.Publish(s.queue, body); err != nil {
		return fmt.Errorf("publish to %s: %w", s.queue, err)
	}
	return nil
}
