package queue

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unclebandit/rallymail-backend/internal/config"
)

// New builds the queue selected by cfg.Driver.
func New(cfg config.QueueConfig, log zerolog.Logger) (Queue, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewInMemoryQueue(cfg.Buffer, log), nil
	case "amqp":
		return NewAMQPQueue(cfg.URL, cfg.Name, log)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
