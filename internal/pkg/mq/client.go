package mq

import (
	"fmt"
	"sync"

	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitMQClient 封装了 RabbitMQ 的连接和通道
type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	pubMu   sync.Mutex // amqp.Channel 不支持并发发布
}

// NewRabbitMQClient 创建一个新的 RabbitMQ 客户端实例
func NewRabbitMQClient(amqpURL string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

// DeclareQueue 声明一个持久化队列
func (c *RabbitMQClient) DeclareQueue(queueName string) (amqp.Queue, error) {
	return c.channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
}

// Publish 发布一条持久化的 JSON 消息到指定队列
func (c *RabbitMQClient) Publish(queueName string, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.channel.Publish(
		"",        // exchange (default)
		queueName, // routing key (queue name)
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Consume 手动 ack 模式消费队列, handler 在单独的协程中顺序调用
func (c *RabbitMQClient) Consume(queueName string, handler func(msg amqp.Delivery)) error {
	msgs, err := c.channel.Consume(
		queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	go func() {
		for msg := range msgs {
			handler(msg)
		}
		logger.Warn("RabbitMQ delivery channel closed", zap.String("queue", queueName))
	}()

	logger.Info("Waiting for messages", zap.String("queue", queueName))
	return nil
}

// Close the channel and connection
func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
