package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/craftvote/config"
	"github.com/lvdashuaibi/craftvote/internal/model"
	"github.com/segmentio/kafka-go"
)

// Producer 奖励事件生产者
type Producer struct {
	writer *kafka.Writer
}

func NewProducer() *Producer {
	// 使用Hash分区器，同一服务器的事件进入同一分区
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:                  config.AppConfig.Kafka.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}

	return &Producer{writer: writer}
}

// EncodeRewardEvent 序列化奖励事件为Kafka消息
func EncodeRewardEvent(event *model.RewardEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化奖励事件失败: %w", err)
	}

	return kafka.Message{
		Key:   []byte(event.Payload.ServerSlug),
		Value: data,
		Time:  time.UnixMilli(event.Payload.Timestamp),
	}, nil
}

// SendRewardEvent 发送奖励事件到Kafka
func (p *Producer) SendRewardEvent(ctx context.Context, event *model.RewardEvent) error {
	msg, err := EncodeRewardEvent(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送奖励事件失败: %w", err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
