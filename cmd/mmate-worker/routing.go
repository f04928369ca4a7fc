package main

import (
	"strings"

	"github.com/glimte/mmate-worker/internal/config"
)

// defaultRoutingKey picks a key the worker's own binding accepts. Without an
// exchange the default exchange routes by queue name. With one, each wildcard
// word of the binding pattern is replaced by the message type, so "mmate.#"
// publishes "demo" as "mmate.demo".
func defaultRoutingKey(cfg config.RabbitMQConfig, messageType string) string {
	if cfg.ExchangeName == "" {
		return cfg.QueueName
	}
	if cfg.RoutingKey == "" {
		return messageType
	}

	words := strings.Split(cfg.RoutingKey, ".")
	for i, word := range words {
		if word == "#" || word == "*" {
			words[i] = messageType
		}
	}
	return strings.Join(words, ".")
}
