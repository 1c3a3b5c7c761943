package queue

import (
	"fmt"
	"strings"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// New connects to the backend named by cfg.Type (nats when empty). consumer
// identifies this instance to the broker; it becomes the durable consumer,
// consumer group or reader group name so that every instance sees every event.
func New(cfg config.QueueConfig, consumer string) (Queue, error) {
	if consumer == "" {
		return nil, fmt.Errorf("queue consumer name is required")
	}

	queueType := utils.QueueType(strings.ToLower(cfg.Type))
	if queueType == "" {
		queueType = utils.QueueTypeNATS
	}

	switch queueType {
	case utils.QueueTypeNATS:
		return newNATSQueue(NATSConfig{
			URL:      cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			Consumer: consumer,
		})

	case utils.QueueTypeRedis:
		return newRedisQueue(RedisConfig{
			URL:      cfg.URL,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: firstNonEmpty(cfg.RedisConsumer, consumer),
		})

	case utils.QueueTypeKafka:
		return newKafkaQueue(KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			GroupID:  cfg.KafkaGroupID,
			Consumer: consumer,
		})

	case utils.QueueTypeMemory:
		return NewMemoryBroker().Client(consumer), nil

	default:
		return nil, fmt.Errorf("unsupported queue type: %s (supported: nats, redis, kafka, memory)", queueType)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
