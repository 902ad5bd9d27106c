package realtime

import (
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/config"
)

// NewRedis creates the shared redis client. It does not dial until first use.
func NewRedis(cfg config.Config, log logrus.FieldLogger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.WithField("addr", cfg.RedisAddr).Info("redis client created")
	return rdb
}
