package main

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/payrecon/internal/version"
)

// followHandler - обработчик consumer group: ошибка отправки возвращается,
// чтобы Consumer повторил попытку и затем переложил сообщение в DLQ.
func followHandler(sink replaySink) kafka.MessageHandler {
	r := newReplayer(sink)
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		evt, ok, err := extractReplayEvent(msg)
		if err != nil {
			return fmt.Errorf("extract event: %w", err)
		}
		if !ok {
			return nil
		}
		if !r.firstSight(evt.ID) {
			return nil
		}

		res, err := sink.Replay(ctx, evt)
		if err != nil {
			r.forget(evt.ID)
			return err
		}
		log.WithFields(log.Fields{
			"event_id": evt.ID,
			"offset":   msg.Offset,
			"outcome":  res.Outcome,
		}).Info("event replayed")
		return nil
	}
}

func runFollow(ctx context.Context, cfg config, sink replaySink) error {
	if sink == nil {
		return fmt.Errorf("replay sink is required in follow mode")
	}
	logger := log.WithField("component", "event-replay")

	options := []kafka.ConsumerOption{
		kafka.WithConsumerLogger(logger),
		kafka.WithMaxRetries(cfg.maxRetries),
		kafka.WithRetryDelay(defaultRetryDelay),
		kafka.WithOffsetOldest(),
	}

	var producer *kafka.Producer
	if cfg.dlqTopic != "" {
		var err error
		producer, err = kafka.NewProducer(cfg.brokers, version.ClientID()+"-replay")
		if err != nil {
			return fmt.Errorf("create dlq producer: %w", err)
		}
		defer func() { _ = producer.Close() }()
		options = append(options, kafka.WithDLQ(producer, cfg.dlqTopic))
	}

	consumer, err := kafka.NewConsumer(cfg.brokers, cfg.groupID, []string{cfg.topic}, followHandler(sink), options...)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	logger.WithFields(log.Fields{"group": cfg.groupID, "topic": cfg.topic}).Info("following topic")

	<-ctx.Done()
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop consumer")
	}
	return ctx.Err()
}
