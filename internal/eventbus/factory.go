package eventbus

import (
	"fmt"
	"os"
	"strings"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/utils"
)

// New creates a Bus for the configured backend. NATS is the default.
func New(cfg config.QueueConfig) (Bus, error) {
	queueType := utils.QueueType(strings.ToLower(cfg.Type))
	if queueType == "" {
		queueType = utils.QueueTypeNATS
	}

	opts := Options{
		Name:  cfg.RedisConsumer,
		Group: cfg.RedisGroup,
	}
	if opts.Name == "" {
		if hostname, err := os.Hostname(); err == nil {
			opts.Name = "searchcoord-" + hostname
		}
	}

	switch queueType {
	case utils.QueueTypeNATS:
		return NewNATSBus(cfg.URL, cfg.Username, cfg.Password, opts)

	case utils.QueueTypeRedis:
		addr := cfg.URL
		if addr == "" {
			addr = "localhost:6379"
		}
		return NewRedisBus(addr, cfg.Password, cfg.RedisDB, cfg.RedisStream, opts)

	case utils.QueueTypeKafka:
		if cfg.KafkaGroupID != "" {
			opts.Group = cfg.KafkaGroupID
		}
		return NewKafkaBus(cfg.KafkaBrokers, opts)

	case utils.QueueTypeMemory:
		return NewMemoryBus(opts), nil

	default:
		return nil, fmt.Errorf("unsupported queue type: %s (supported: nats, redis, kafka, memory)", queueType)
	}
}
