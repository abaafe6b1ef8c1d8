package mq

import (
	"context"
	"fmt"
	"log/slog"

	"tradeboard/internal/config"

	"github.com/IBM/sarama"
)

// Publisher 事件投递接口，OutboxSender 依赖它而不是具体的 Kafka 客户端
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string) error
	Close() error
}

// KafkaPublisher 基于 sarama SyncProducer
type KafkaPublisher struct {
	producer sarama.SyncProducer
	log      *slog.Logger
}

// NewProducerConfig 生产者配置
func NewProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	return kafkaConfig
}

func NewKafkaPublisher(cfg *config.KafkaConfig, log *slog.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	log.Info("Kafka 生产者创建成功", slog.Any("brokers", cfg.Brokers))
	return NewKafkaPublisherWithProducer(producer, log), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, log *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	p.log.Debug("kafka 消息已写入",
		slog.String("topic", topic),
		slog.String("key", key),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// LogPublisher kafka 未启用时使用，只记录日志，消息照常标记为已发送
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, topic, key, value string) error {
	p.log.Info("事件", slog.String("topic", topic), slog.String("key", key), slog.String("payload", value))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
