// cmd/relay/main.go
package main

import (
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/duelink/duelink/internal/middleware"
	"github.com/duelink/duelink/internal/relay"
	"github.com/duelink/duelink/internal/session"
)

func main() {
	logger := logrus.New()
	if os.Getenv("DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}

	ttl := session.DefaultTTL
	if v := os.Getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("bad SESSION_TTL %q: %v", v, err)
		}
		ttl = d
	}

	var store session.Store
	switch os.Getenv("SESSION_BACKEND") {
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		store = session.NewRedisStore(rdb)
		logger.Infof("session backend: redis (%s)", addr)
	default:
		ms := session.NewMemoryStore(logger)
		ms.StartJanitor(time.Minute)
		defer ms.Close()
		store = ms
		logger.Info("session backend: memory")
	}

	srv := relay.NewServer(logger, store, ttl)

	mux := http.NewServeMux()
	mux.Handle("/", middleware.LogMiddleware(logger)(srv.Handler()))
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
