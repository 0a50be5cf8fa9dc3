package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/craftvote/config"
	"github.com/lvdashuaibi/craftvote/internal/logger"
	"github.com/lvdashuaibi/craftvote/internal/model"
	"github.com/segmentio/kafka-go"
)

// Consumer 奖励事件消费者。每个实例使用独立的消费者组，保证每个实例都能收到全部事件。
type Consumer struct {
	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type MessageHandler func(event *model.RewardEvent) error

func NewConsumer(instanceID string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.AppConfig.Kafka.Brokers,
		Topic:       config.AppConfig.Kafka.Topic,
		GroupID:     fmt.Sprintf("%s-%s", config.AppConfig.Kafka.GroupID, instanceID),
		StartOffset: kafka.LastOffset, // 历史奖励没有意义，只处理新事件
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     500 * time.Millisecond,
	})

	return &Consumer{
		reader: reader,
		ctx:    ctx,
		cancel: cancel,
	}
}

// DecodeRewardEvent 解析Kafka消息中的奖励事件
func DecodeRewardEvent(m kafka.Message) (*model.RewardEvent, error) {
	var event model.RewardEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return nil, fmt.Errorf("解析奖励事件失败: %w", err)
	}
	if event.Payload.ServerSlug == "" {
		return nil, fmt.Errorf("奖励事件缺少服务器slug")
	}
	return &event, nil
}

// StartConsuming 开始消费消息
func (c *Consumer) StartConsuming(handler MessageHandler) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeMessages(handler)
	}()
	logger.S().Infof("奖励事件消费者已启动，主题: %s", config.AppConfig.Kafka.Topic)
}

func (c *Consumer) consumeMessages(handler MessageHandler) {
	for {
		m, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			logger.S().Warnf("读取奖励事件失败: %v", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		event, err := DecodeRewardEvent(m)
		if err != nil {
			logger.S().Warnf("丢弃无效奖励事件: 分区=%d, 偏移量=%d, %v", m.Partition, m.Offset, err)
			continue
		}

		if err := handler(event); err != nil {
			logger.S().Warnf("处理奖励事件失败: %v", err)
		}
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.reader.Close()
}
