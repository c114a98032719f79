package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total notification messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	pushDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_push_delivered_total",
		Help: "Total notifications delivered to every device of the user",
	})
	pushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_push_errors_total",
		Help: "Total notifications that failed after all attempts",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pushDelivered, pushErrors)
}

var errInvalidMessage = errors.New("invalid message")

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	push := &notify.Push{Tokens: notify.NewRedisTokens(rc), Pusher: notify.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey)}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics_server_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.NotifyTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer_started", "topic", cfg.NotifyTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, push, cfg.Attempts, cfg.RetryDelay, logger)
}

// MessageReader is the subset of *kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends, backing off on broker errors. Messages that
// cannot be delivered are logged and skipped.
func consume(ctx context.Context, r MessageReader, n notify.Notifier, attempts int, delay time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_stopped")
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		switch err := deliver(ctx, n, m.Value, attempts, delay); {
		case errors.Is(err, errInvalidMessage):
			msgsInvalid.Inc()
			logger.Warn("invalid_message", "key", string(m.Key), "error", err)
		case err != nil:
			pushErrors.Inc()
			logger.Error("push_failed", "key", string(m.Key), "error", err)
		default:
			pushDelivered.Inc()
		}
	}
}

// deliver decodes one queued notification and pushes it with retries.
func deliver(ctx context.Context, n notify.Notifier, value []byte, attempts int, delay time.Duration) error {
	var note models.Notification
	if err := json.Unmarshal(value, &note); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if note.UserID == "" {
		return fmt.Errorf("%w: missing user_id", errInvalidMessage)
	}
	return notify.Retry(ctx, attempts, delay, func(ctx context.Context) error {
		return n.Notify(ctx, note)
	})
}
