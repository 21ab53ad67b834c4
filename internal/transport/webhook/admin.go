package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// LedgerReader - чтение записей idempotency ledger-а.
type LedgerReader interface {
	Get(ctx context.Context, eventID string) (domain.IdempotencyRecord, error)
}

// OrderReader - чтение заказа.
type OrderReader interface {
	Get(ctx context.Context, id string) (domain.Order, error)
}

// TimelineReader - чтение платёжной истории заказа.
type TimelineReader interface {
	List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
}

// Admin обслуживает служебные эндпоинты /admin/*.
type Admin struct {
	token     string
	ledger    LedgerReader
	orders    OrderReader
	timeline  TimelineReader
	processor Processor
	logger    *log.Entry
	maxBody   int64
}

// NewAdmin создаёт admin API. timeline может быть nil.
func NewAdmin(token string, ledger LedgerReader, orders OrderReader, timeline TimelineReader, processor Processor, logger *log.Entry) *Admin {
	if logger == nil {
		logger = log.WithField("component", "admin")
	}
	return &Admin{
		token:     strings.TrimSpace(token),
		ledger:    ledger,
		orders:    orders,
		timeline:  timeline,
		processor: processor,
		logger:    logger,
		maxBody:   DefaultMaxBodyBytes,
	}
}

// Enabled сообщает, задан ли токен.
func (a *Admin) Enabled() bool {
	return a != nil && a.token != ""
}

type ledgerRecordResponse struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	OrderID      string    `json:"order_id,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

type orderPaymentResponse struct {
	OrderID     string                 `json:"order_id"`
	Version     int64                  `json:"version"`
	AmountMinor int64                  `json:"amount_minor"`
	Currency    string                 `json:"currency"`
	Payment     map[string]string      `json:"payment"`
	Timeline    []domain.TimelineEvent `json:"timeline"`
}

func (a *Admin) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetEvent возвращает запись ledger-а по event_id.
func (a *Admin) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimSpace(chi.URLParam(r, "eventID"))
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "missing event id")
		return
	}

	record, err := a.ledger.Get(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		a.logger.WithError(err).WithField("event_id", eventID).Error("failed to load ledger record")
		writeError(w, http.StatusInternalServerError, "get event failed")
		return
	}

	writeJSON(w, http.StatusOK, ledgerRecordResponse{
		EventID:      record.EventID,
		EventType:    string(record.EventType),
		Status:       string(record.Status),
		AttemptCount: record.AttemptCount,
		OrderID:      record.OrderID,
		LastError:    record.LastError,
		ProcessedAt:  record.ProcessedAt,
		CreatedAt:    record.CreatedAt,
	})
}

// GetOrderPayment возвращает платёжные метаданные заказа и его историю.
func (a *Admin) GetOrderPayment(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := a.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		a.logger.WithError(err).WithField("order_id", orderID).Error("failed to load order")
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}

	timeline := []domain.TimelineEvent{}
	if a.timeline != nil {
		events, err := a.timeline.List(r.Context(), orderID)
		if err != nil {
			a.logger.WithError(err).WithField("order_id", orderID).Warn("failed to load payment timeline")
		} else if events != nil {
			timeline = events
		}
	}

	writeJSON(w, http.StatusOK, orderPaymentResponse{
		OrderID:     order.ID,
		Version:     order.Version,
		AmountMinor: order.AmountMinor,
		Currency:    order.Currency,
		Payment:     order.PaymentMetadata().ToMap(),
		Timeline:    timeline,
	})
}

// ReplayEvent повторно передаёт сохранённое событие reconciler-у.
// Ledger применяется как обычно: завершённое событие вернёт already_done.
func (a *Admin) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	var evt domain.InboundPaymentEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBody)).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(evt.ID) == "" {
		writeError(w, http.StatusBadRequest, "missing event id")
		return
	}
	if !evt.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported event type")
		return
	}

	logger := a.logger.WithFields(log.Fields{
		"event_id":   evt.ID,
		"event_type": evt.Type,
	})
	res, err := a.processor.ProcessEvent(r.Context(), evt)
	if err != nil {
		logger.WithError(err).Error("replay rejected")
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	logger.WithField("outcome", res.Outcome).Info("gateway event replayed")

	writeJSON(w, http.StatusOK, Response{
		Received: true,
		Accepted: res.Accepted,
		OrderID:  res.OrderID,
		Warning:  res.Warning,
		Outcome:  string(res.Outcome),
	})
}
