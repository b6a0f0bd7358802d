package cmd

import (
	"fmt"

	"github.com/flowmail/journey/pkg/counter"
)

// NewCounterService backs rate-limit and throttle counters with Redis when
// a URL is configured; the in-memory service only suits a single process.
func NewCounterService(redisURL string) (counter.Service, error) {
	if redisURL == "" {
		return counter.NewMemoryService(), nil
	}

	service, err := counter.NewRedisServiceFromURL(redisURL, "journey:counter")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis counter service: %w", err)
	}

	return service, nil
}
