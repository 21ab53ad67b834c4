package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

type replayStats struct {
	processed  int
	replayed   int
	duplicates int
	skipped    int
	failed     int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.duplicates += other.duplicates
	s.skipped += other.skipped
	s.failed += other.failed
}

// replayer переиграет каждое событие не более одного раза за запуск:
// для одного event_id может быть несколько reconcile_failed.
type replayer struct {
	sink replaySink

	mu   sync.Mutex
	seen map[string]struct{}
}

func newReplayer(sink replaySink) *replayer {
	return &replayer{sink: sink, seen: make(map[string]struct{})}
}

// firstSight отмечает eventID и сообщает, встречался ли он раньше.
func (r *replayer) firstSight(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[eventID]; ok {
		return false
	}
	r.seen[eventID] = struct{}{}
	return true
}

func (r *replayer) forget(eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, eventID)
}

func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage, stats *replayStats) {
	stats.processed++
	logger := log.WithFields(log.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	evt, ok, err := extractReplayEvent(msg)
	if err != nil {
		stats.skipped++
		logger.WithError(err).Warn("skip unsupported message")
		return
	}
	if !ok {
		stats.skipped++
		return
	}
	if !r.firstSight(evt.ID) {
		stats.duplicates++
		return
	}

	logger = logger.WithFields(log.Fields{
		"event_id":   evt.ID,
		"event_type": evt.Type,
		"order_id":   evt.OrderID(),
	})
	if r.sink == nil {
		logger.Info("replay candidate")
		stats.replayed++
		return
	}

	res, err := r.sink.Replay(ctx, evt)
	if err != nil {
		stats.failed++
		logger.WithError(err).Error("replay failed")
		return
	}
	stats.replayed++
	logger.WithFields(log.Fields{
		"outcome":  res.Outcome,
		"accepted": res.Accepted,
	}).Info("event replayed")
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, sink replaySink) (replayStats, error) {
	var total replayStats
	if client == nil || consumer == nil {
		return total, fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && sink == nil {
		return total, fmt.Errorf("replay sink is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.topic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.topic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.topic).Warn("topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	r := newReplayer(sink)
	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}

		stats, err := processPartition(ctx, consumer, client, r, cfg, partition, cfg.limit-total.processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":       mode,
		"processed":  total.processed,
		"replayed":   total.replayed,
		"duplicates": total.duplicates,
		"skipped":    total.skipped,
		"failed":     total.failed,
	}).Info("event replay finished")

	if total.failed > 0 {
		return total, fmt.Errorf("%d events could not be replayed", total.failed)
	}
	return total, nil
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	r *replayer,
	cfg config,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.topic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.topic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	pc, err := consumer.ConsumePartition(cfg.topic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			idleTimer.Reset(cfg.idleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}
			r.handle(ctx, msg, &stats)
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}
