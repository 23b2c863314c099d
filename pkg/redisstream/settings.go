package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Settings holds the Redis Streams transport configuration for the cache control bus.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" glazed.default:"false" glazed.help:"Carry cache control messages over Redis Streams"`
	Addr     string `glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Group    string `glazed:"redis-group" glazed.default:"murmur-cache" glazed.help:"Redis consumer group of the cache worker"`
	Consumer string `glazed:"redis-consumer" glazed.default:"cache-worker-1" glazed.help:"Redis consumer name of the cache worker"`
}

// NewSection returns the section definition for Redis Streams settings.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis Streams transport for the cache control bus",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Carry cache control messages over Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379"), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault("murmur-cache"), fields.WithHelp("Redis consumer group of the cache worker")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault("cache-worker-1"), fields.WithHelp("Redis consumer name of the cache worker")),
		),
	)
}
