// Command event-replay повторно отправляет reconciler-у платёжные события,
// обработка которых завершилась ошибкой (payment.reconcile_failed).
//
// По умолчанию работает в режиме dry-run: читает топик и печатает кандидатов.
// С -execute каждое событие передаётся в POST /admin/events/replay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/app"
	"github.com/vladislavdragonenkov/payrecon/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	defaultAdminURL    = "http://localhost:8080"
	defaultGroupID     = "payrecon-event-replay"
	defaultRetryDelay  = time.Second
	defaultHTTPTimeout = 15 * time.Second
	envKafkaBrokers    = "PAYRECON_KAFKA_BROKERS"
	envAdminURL        = "PAYRECON_ADMIN_URL"
	envAdminToken      = "PAYRECON_ADMIN_TOKEN"
)

type config struct {
	brokers     []string
	topic       string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration

	adminURL   string
	adminToken string

	follow     bool
	groupID    string
	dlqTopic   string
	maxRetries int
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newScanDependencies = func(cfg config) (offsetClient, partitionConsumerSource, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = "payrecon-event-replay"
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return client, saramaConsumerAdapter{consumer: rawConsumer}, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fail("event replay failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("event-replay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.topic, "topic", kafka.TopicPaymentEvents, "topic with payment.reconcile_failed envelopes or dead letters")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "submit events to the admin API; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	fs.StringVar(&cfg.adminURL, "admin-url", "", "payment-reconciler base URL (fallback: "+envAdminURL+")")
	fs.StringVar(&cfg.adminToken, "admin-token", "", "admin bearer token (fallback: "+envAdminToken+")")
	fs.BoolVar(&cfg.follow, "follow", false, "keep consuming as a consumer group instead of a bounded scan")
	fs.StringVar(&cfg.groupID, "group", defaultGroupID, "consumer group for -follow")
	fs.StringVar(&cfg.dlqTopic, "dlq-topic", "", "topic for messages that could not be replayed in -follow mode")
	fs.IntVar(&cfg.maxRetries, "max-retries", 3, "attempts per message in -follow mode")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv(envKafkaBrokers)
	}
	if strings.TrimSpace(cfg.adminURL) == "" {
		cfg.adminURL = getenv(envAdminURL)
	}
	if strings.TrimSpace(cfg.adminURL) == "" {
		cfg.adminURL = defaultAdminURL
	}
	cfg.adminURL = strings.TrimRight(strings.TrimSpace(cfg.adminURL), "/")
	if strings.TrimSpace(cfg.adminToken) == "" {
		cfg.adminToken = getenv(envAdminToken)
	}
	cfg.adminToken = strings.TrimSpace(cfg.adminToken)

	cfg.brokers = app.SplitList(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	}
	if strings.TrimSpace(cfg.topic) == "" {
		return config{}, fmt.Errorf("topic is required")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	if cfg.execute && cfg.adminToken == "" {
		return config{}, fmt.Errorf("admin token is required with -execute (-admin-token or %s)", envAdminToken)
	}
	if cfg.follow && !cfg.execute {
		return config{}, errors.New("follow mode requires -execute")
	}
	if cfg.follow && strings.TrimSpace(cfg.groupID) == "" {
		return config{}, fmt.Errorf("group is required with -follow")
	}

	return cfg, nil
}

func newSink(cfg config) replaySink {
	if !cfg.execute {
		return nil
	}
	return newAdminClient(cfg.adminURL, cfg.adminToken, nil)
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"topic":       cfg.topic,
		"limit":       cfg.limit,
		"execute":     cfg.execute,
		"from_newest": cfg.fromNewest,
		"follow":      cfg.follow,
		"admin_url":   cfg.adminURL,
	}).Info("starting event replay")

	if cfg.follow {
		return runFollow(ctx, cfg, newSink(cfg))
	}

	client, consumer, err := newScanDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	_, err = runReplay(ctx, cfg, client, consumer, newSink(cfg))
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
