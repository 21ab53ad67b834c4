package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/payrecon/internal/service/outbox"
	"github.com/vladislavdragonenkov/payrecon/internal/service/reconciler"
	"github.com/vladislavdragonenkov/payrecon/internal/transport/webhook"
)

func failedEvent(id string) domain.InboundPaymentEvent {
	return domain.InboundPaymentEvent{
		ID:              id,
		Type:            domain.EventTypePaymentSucceeded,
		PaymentIntentID: "pi_" + id,
		Amount:          1500,
		Currency:        "usd",
		Metadata:        map[string]string{domain.EventMetadataOrderID: "ord_" + id},
	}
}

func reconcileFailedMessage(t *testing.T, id string) domain.OutboxMessage {
	t.Helper()
	payload, err := json.Marshal(reconciler.ReconcileFailedPayload{
		Event:      failedEvent(id),
		OrderID:    "ord_" + id,
		Error:      "order version conflict",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return domain.OutboxMessage{
		ID:            "outbox_" + id,
		AggregateType: domain.OutboxAggregateEvent,
		AggregateID:   id,
		EventType:     domain.OutboxEventPaymentReconcileFailed,
		Payload:       payload,
	}
}

func envelopeValue(t *testing.T, msg domain.OutboxMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(kafka.NewEnvelope(msg, time.Now().UTC()))
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func reconcileFailedValue(t *testing.T, id string) []byte {
	return envelopeValue(t, reconcileFailedMessage(t, id))
}

func TestExtractReplayEvent_ReconcileFailedEnvelope(t *testing.T) {
	evt, ok, err := extractReplayEvent(&sarama.ConsumerMessage{Value: reconcileFailedValue(t, "evt_1")})
	if err != nil || !ok {
		t.Fatalf("expected replay candidate, ok=%v err=%v", ok, err)
	}
	if evt.ID != "evt_1" || evt.Type != domain.EventTypePaymentSucceeded || evt.OrderID() != "ord_evt_1" || evt.Amount != 1500 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestExtractReplayEvent_OutboxDeadLetter(t *testing.T) {
	original := reconcileFailedMessage(t, "evt_2")
	letter, err := json.Marshal(outbox.DeadLetter{
		OutboxID:      original.ID,
		AggregateType: original.AggregateType,
		AggregateID:   original.AggregateID,
		EventType:     original.EventType,
		Payload:       original.Payload,
		PublishError:  "kafka: broker not available",
	})
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	dlq := original
	dlq.Payload = letter

	evt, ok, err := extractReplayEvent(&sarama.ConsumerMessage{Value: envelopeValue(t, dlq)})
	if err != nil || !ok {
		t.Fatalf("expected replay candidate, ok=%v err=%v", ok, err)
	}
	if evt.ID != "evt_2" {
		t.Fatalf("unexpected event id %s", evt.ID)
	}
}

func TestExtractReplayEvent_ConsumerDeadLetter(t *testing.T) {
	value := reconcileFailedValue(t, "evt_3")

	for name, original := range map[string]json.RawMessage{
		"object": json.RawMessage(value),
		"string": json.RawMessage(mustJSON(t, string(value))),
	} {
		t.Run(name, func(t *testing.T) {
			raw := mustJSON(t, kafka.ConsumerDeadLetter{
				OriginalTopic: kafka.TopicPaymentEvents,
				OriginalKey:   "evt_3",
				OriginalValue: original,
				ErrorMessage:  "admin api unavailable",
			})
			evt, ok, err := extractReplayEvent(&sarama.ConsumerMessage{Value: raw})
			if err != nil || !ok {
				t.Fatalf("expected replay candidate, ok=%v err=%v", ok, err)
			}
			if evt.ID != "evt_3" {
				t.Fatalf("unexpected event id %s", evt.ID)
			}
		})
	}
}

func TestExtractReplayEvent_Skips(t *testing.T) {
	captured := domain.OutboxMessage{
		ID:          "outbox_c",
		AggregateID: "ord_1",
		EventType:   domain.OutboxEventPaymentCaptured,
		Payload:     []byte(`{"order_id":"ord_1"}`),
	}

	cases := map[string][]byte{
		"empty":         nil,
		"not json":      []byte("garbage"),
		"other event":   envelopeValue(t, captured),
		"no event type": []byte(`{"id":"x","payload":{}}`),
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok, err := extractReplayEvent(&sarama.ConsumerMessage{Value: value})
			if err != nil || ok {
				t.Fatalf("expected skip, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestExtractReplayEvent_Errors(t *testing.T) {
	noID := reconcileFailedMessage(t, "evt_x")
	noID.Payload = []byte(`{"event":{"event_type":"payment_succeeded"},"error":"boom"}`)

	badType := reconcileFailedMessage(t, "evt_y")
	badType.Payload = []byte(`{"event":{"event_id":"evt_y","event_type":"refund"},"error":"boom"}`)

	emptyLetter := reconcileFailedMessage(t, "evt_z")
	emptyLetter.Payload = []byte(`{"outbox_id":"outbox_z","publish_error":"timeout"}`)

	for name, msg := range map[string]domain.OutboxMessage{
		"missing event id":    noID,
		"invalid event type":  badType,
		"letter without body": emptyLetter,
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := extractReplayEvent(&sarama.ConsumerMessage{Value: envelopeValue(t, msg)})
			if err == nil || ok {
				t.Fatalf("expected error, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestReadConfig(t *testing.T) {
	env := map[string]string{
		envKafkaBrokers: "k1:9092, k2:9092",
		envAdminURL:     "http://reconciler:8080/",
		envAdminToken:   "env-token",
	}
	getenv := func(key string) string { return env[key] }

	cfg, err := readConfig([]string{"-limit=10", "-execute", "-from-newest", "-idle-timeout=3s"}, getenv, io.Discard)
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if len(cfg.brokers) != 2 || cfg.limit != 10 || !cfg.execute || !cfg.fromNewest || cfg.idleTimeout != 3*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.adminURL != "http://reconciler:8080" || cfg.adminToken != "env-token" {
		t.Fatalf("unexpected admin settings: %q %q", cfg.adminURL, cfg.adminToken)
	}
	if cfg.topic != kafka.TopicPaymentEvents {
		t.Fatalf("unexpected default topic %s", cfg.topic)
	}

	cfg, err = readConfig([]string{"-brokers=b:9092"}, func(string) string { return "" }, io.Discard)
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if cfg.adminURL != defaultAdminURL || cfg.execute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	none := func(string) string { return "" }
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-brokers="}, "kafka brokers are required"},
		{[]string{"-brokers=b:9092", "-topic="}, "topic is required"},
		{[]string{"-brokers=b:9092", "-limit=0"}, "limit must be > 0"},
		{[]string{"-brokers=b:9092", "-idle-timeout=0s"}, "idle-timeout must be > 0"},
		{[]string{"-brokers=b:9092", "-execute"}, "admin token is required"},
		{[]string{"-brokers=b:9092", "-follow"}, "follow mode requires -execute"},
		{[]string{"-brokers=b:9092", "-follow", "-execute", "-admin-token=t", "-group="}, "group is required"},
		{[]string{"-unknown-flag"}, "flag provided but not defined"},
	}
	for _, tc := range cases {
		_, err := readConfig(tc.args, none, io.Discard)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("args %v: expected %q, got %v", tc.args, tc.want, err)
		}
	}
}

func TestAdminClient_Replay(t *testing.T) {
	var gotAuth, gotPath string
	var gotEvent domain.InboundPaymentEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotEvent)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(webhook.Response{Received: true, Accepted: true, OrderID: "ord_evt_1", Outcome: "captured"})
	}))
	defer srv.Close()

	client := newAdminClient(srv.URL, "secret", srv.Client())
	res, err := client.Replay(context.Background(), failedEvent("evt_1"))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if gotAuth != "Bearer secret" || gotPath != replayPath {
		t.Fatalf("unexpected request: auth=%q path=%q", gotAuth, gotPath)
	}
	if gotEvent.ID != "evt_1" || gotEvent.OrderID() != "ord_evt_1" {
		t.Fatalf("unexpected submitted event: %+v", gotEvent)
	}
	if !res.Accepted || res.Outcome != "captured" {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestAdminClient_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	_, err := newAdminClient(srv.URL, "wrong", srv.Client()).Replay(context.Background(), failedEvent("evt_1"))
	if err == nil || !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: reconcileFailedValue(t, "evt_1")},
				{Partition: 0, Offset: 1, Value: reconcileFailedValue(t, "evt_1")},
				{Partition: 0, Offset: 2, Value: []byte(`{"foo":"bar"}`)},
			}),
		},
	}
	cfg := config{topic: kafka.TopicPaymentEvents, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, newReplayer(nil), cfg, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.processed != 3 || stats.replayed != 1 || stats.duplicates != 1 || stats.skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestProcessPartition_ExecuteAndFromNewest(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 10}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 8, Value: reconcileFailedValue(t, "evt_8")},
				{Partition: 0, Offset: 9, Value: reconcileFailedValue(t, "evt_9")},
			}),
		},
	}
	sink := &stubSink{failFor: map[string]bool{"evt_9": true}}
	cfg := config{topic: kafka.TopicPaymentEvents, execute: true, fromNewest: true, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, newReplayer(sink), cfg, 0, 2)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if consumer.calls[0].offset != 8 {
		t.Fatalf("expected scan from newest-limit, got offset %d", consumer.calls[0].offset)
	}
	if stats.replayed != 1 || stats.failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := sink.ids(); len(got) != 2 || got[0] != "evt_8" {
		t.Fatalf("unexpected submitted events %v", got)
	}
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := config{topic: kafka.TopicPaymentEvents, idleTimeout: 20 * time.Millisecond}
	r := newReplayer(nil)

	clientOffsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := processPartition(context.Background(), &stubPartitionConsumerSource{}, clientOffsetErr, r, cfg, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumerErr := &stubPartitionConsumerSource{consumeErr: errors.New("consume")}
	if _, err := processPartition(context.Background(), consumerErr, client, r, cfg, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	if _, err := processPartition(context.Background(), consumer, client, r, cfg, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}

	empty := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 5, newest: 5}}}
	stats, err := processPartition(context.Background(), &stubPartitionConsumerSource{}, empty, r, cfg, 0, 1)
	if err != nil || stats.processed != 0 {
		t.Fatalf("empty partition must be a no-op: %+v %v", stats, err)
	}
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := config{topic: kafka.TopicPaymentEvents, idleTimeout: 10 * time.Millisecond}

	idle := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}
	stats, err := processPartition(context.Background(), consumer, client, newReplayer(nil), cfg, 0, 1)
	if err != nil || stats.processed != 0 {
		t.Fatalf("expected idle return, got %+v %v", stats, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	canceled := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: canceled}}
	if _, err := processPartition(ctx, consumer, client, newReplayer(nil), cfg, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestRunReplay(t *testing.T) {
	cfg := config{topic: kafka.TopicPaymentEvents, limit: 1, idleTimeout: 20 * time.Millisecond}

	if _, err := runReplay(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 1},
			2: {oldest: 0, newest: 1},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: reconcileFailedValue(t, "evt_a")}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Offset: 0, Value: reconcileFailedValue(t, "evt_b")}}),
		},
	}
	stats, err := runReplay(context.Background(), cfg, client, consumer, nil)
	if err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].partition != 0 {
		t.Fatalf("expected only sorted partition 0 due to limit=1, got %+v", consumer.calls)
	}
	if stats.replayed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if _, err := runReplay(context.Background(), executeCfg, client, consumer, nil); err == nil {
		t.Fatal("expected execute mode to require a sink")
	}

	if _, err := runReplay(context.Background(), cfg, &stubOffsetClient{}, consumer, nil); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRunReplay_ReportsFailedSubmissions(t *testing.T) {
	cfg := config{topic: kafka.TopicPaymentEvents, limit: 10, execute: true, idleTimeout: 20 * time.Millisecond}
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: reconcileFailedValue(t, "evt_f")}}),
		},
	}

	_, err := runReplay(context.Background(), cfg, client, consumer, &stubSink{failFor: map[string]bool{"evt_f": true}})
	if err == nil || !strings.Contains(err.Error(), "1 events could not be replayed") {
		t.Fatalf("expected failure summary, got %v", err)
	}
}

func TestRun_UsesScanDependencies(t *testing.T) {
	oldDeps := newScanDependencies
	defer func() { newScanDependencies = oldDeps }()

	cfg := config{topic: kafka.TopicPaymentEvents, limit: 1, idleTimeout: 20 * time.Millisecond}

	newScanDependencies = func(config) (offsetClient, partitionConsumerSource, error) {
		return nil, nil, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: reconcileFailedValue(t, "evt_1")}}),
		},
	}
	newScanDependencies = func(config) (offsetClient, partitionConsumerSource, error) {
		return client, consumer, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !consumer.closed {
		t.Fatalf("expected deps to be closed: client=%v consumer=%v", client.closed, consumer.closed)
	}
}

func TestFollowHandler(t *testing.T) {
	sink := &stubSink{failFor: map[string]bool{"evt_bad": true}}
	handler := followHandler(sink)
	ctx := context.Background()

	if err := handler(ctx, &sarama.ConsumerMessage{Value: reconcileFailedValue(t, "evt_ok")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := handler(ctx, &sarama.ConsumerMessage{Value: reconcileFailedValue(t, "evt_ok")}); err != nil {
		t.Fatalf("duplicate must be ignored: %v", err)
	}
	if err := handler(ctx, &sarama.ConsumerMessage{Value: []byte(`{"foo":"bar"}`)}); err != nil {
		t.Fatalf("unrelated message must be ignored: %v", err)
	}
	if err := handler(ctx, &sarama.ConsumerMessage{Value: reconcileFailedValue(t, "evt_bad")}); err == nil {
		t.Fatal("sink error must propagate to trigger consumer retry")
	}
	if err := handler(ctx, &sarama.ConsumerMessage{Value: reconcileFailedValue(t, "evt_bad")}); err == nil {
		t.Fatal("failed event must be retried, not treated as duplicate")
	}

	if got := sink.ids(); strings.Join(got, ",") != "evt_ok,evt_bad,evt_bad" {
		t.Fatalf("unexpected submissions %v", got)
	}
}

func TestRunFollow_RequiresSink(t *testing.T) {
	if err := runFollow(context.Background(), config{}, nil); err == nil {
		t.Fatal("expected error without sink")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

type stubSink struct {
	mu      sync.Mutex
	failFor map[string]bool
	seen    []string
}

func (s *stubSink) Replay(_ context.Context, evt domain.InboundPaymentEvent) (webhook.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, evt.ID)
	if s.failFor[evt.ID] {
		return webhook.Response{}, fmt.Errorf("replay %s rejected", evt.ID)
	}
	return webhook.Response{Received: true, Accepted: true, Outcome: "captured"}, nil
}

func (s *stubSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions []int32
	offsets    map[int32]offsetRange
	offsetErr  map[int32]error
	closed     bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}
	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                            { return nil }

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}
