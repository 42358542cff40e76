package bus

import (
	"fmt"
	"strings"

	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. When an
// event log path is configured the bus is wrapped so events on AuditTopics
// are also appended to that file.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeConfiguration, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "livelab"
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "livelab-bus",
		}, log)
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.New(errors.CodeConfiguration, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog == "" {
		return b, nil
	}

	eventLogger, err := NewEventLogger(cfg.EventLog, true)
	if err != nil {
		_ = b.Close()
		return nil, errors.Wrap(errors.CodeConfiguration, "opening event log", err)
	}
	return NewLoggedBus(b, eventLogger, log, AuditTopics...), nil
}
