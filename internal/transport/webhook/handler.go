// Package webhook - HTTP-вход для вебхуков платёжного шлюза и admin API.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/service/reconciler"
)

const (
	// DefaultPath - путь вебхука Stripe по умолчанию.
	DefaultPath = "/webhooks/stripe"
	// DefaultMaxBodyBytes - предел размера тела вебхука.
	DefaultMaxBodyBytes int64 = 1 << 20
	// SignatureHeader - заголовок с подписью Stripe.
	SignatureHeader = "Stripe-Signature"

	defaultProcessTimeout = 10 * time.Second
)

var webhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payrecon_webhook_requests_total",
	Help: "Количество запросов к вебхуку по HTTP-статусу ответа и признаку проверки подписи",
}, []string{"code", "verified"})

// Processor обрабатывает нормализованное событие.
type Processor interface {
	ProcessEvent(ctx context.Context, evt domain.InboundPaymentEvent) (reconciler.Result, error)
}

// Options - параметры Handler.
type Options struct {
	Logger *log.Entry
	// Secret - секрет подписи вебхука. Пустой секрет даёт 500 на каждый запрос.
	Secret string
	// AllowUnverified разрешает обрабатывать структурно корректные события с непрошедшей подписью.
	AllowUnverified bool
	MaxBodyBytes    int64
	ProcessTimeout  time.Duration
}

// Option настраивает Handler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithSecret задаёт секрет подписи.
func WithSecret(secret string) Option {
	return func(opts *Options) { opts.Secret = secret }
}

// WithAllowUnverified включает режим пониженного доверия.
func WithAllowUnverified(allow bool) Option {
	return func(opts *Options) { opts.AllowUnverified = allow }
}

// WithMaxBodyBytes задаёт предел размера тела.
func WithMaxBodyBytes(n int64) Option {
	return func(opts *Options) { opts.MaxBodyBytes = n }
}

// WithProcessTimeout ограничивает время обработки одного события.
func WithProcessTimeout(d time.Duration) Option {
	return func(opts *Options) { opts.ProcessTimeout = d }
}

// Handler принимает вебхуки шлюза и передаёт события reconciler-у.
type Handler struct {
	gateway         domain.PaymentGateway
	processor       Processor
	logger          *log.Entry
	secret          string
	allowUnverified bool
	maxBodyBytes    int64
	processTimeout  time.Duration
}

// NewHandler создаёт обработчик вебхука.
func NewHandler(gateway domain.PaymentGateway, processor Processor, options ...Option) *Handler {
	opts := Options{
		MaxBodyBytes:   DefaultMaxBodyBytes,
		ProcessTimeout: defaultProcessTimeout,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "webhook")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = defaultProcessTimeout
	}

	return &Handler{
		gateway:         gateway,
		processor:       processor,
		logger:          opts.Logger,
		secret:          strings.TrimSpace(opts.Secret),
		allowUnverified: opts.AllowUnverified,
		maxBodyBytes:    opts.MaxBodyBytes,
		processTimeout:  opts.ProcessTimeout,
	}
}

// Response - тело ответа на принятый вебхук.
type Response struct {
	Received bool   `json:"received"`
	Accepted bool   `json:"accepted"`
	OrderID  string `json:"order_id,omitempty"`
	Warning  string `json:"warning,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// ServeHTTP проверяет подпись, разбирает событие и отвечает 200 на любой бизнес-исход.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("request_id", middleware.GetReqID(r.Context()))

	if h.secret == "" || h.gateway == nil || h.processor == nil {
		logger.Error("webhook secret is not configured")
		h.reply(w, http.StatusInternalServerError, false, errorBody("webhook is not configured"))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		logger.WithError(err).Warn("failed to read webhook body")
		h.reply(w, http.StatusBadRequest, false, errorBody("unreadable body"))
		return
	}

	evt, err := h.gateway.VerifyAndParse(payload, r.Header.Get(SignatureHeader), h.secret)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSignatureInvalid):
		if !h.allowUnverified {
			logger.WithError(err).Warn("webhook signature rejected")
			h.reply(w, http.StatusBadRequest, false, errorBody("invalid signature"))
			return
		}
		evt, err = h.gateway.ParseUnverified(payload)
		if err != nil {
			logger.WithError(err).Warn("unverified webhook body is not an event")
			h.reply(w, http.StatusBadRequest, false, errorBody("invalid signature"))
			return
		}
		logger.WithFields(log.Fields{
			"event_id":   evt.ID,
			"event_type": evt.GatewayType,
		}).Warn("processing webhook with unverified signature")
	case errors.Is(err, domain.ErrGatewayNotConfigured):
		logger.WithError(err).Error("payment gateway is not configured")
		h.reply(w, http.StatusInternalServerError, false, errorBody("webhook is not configured"))
		return
	default:
		logger.WithError(err).Warn("malformed webhook event")
		h.reply(w, http.StatusBadRequest, false, errorBody("malformed event"))
		return
	}

	resp, status := h.process(r.Context(), evt, logger)
	h.reply(w, status, evt.Verified, resp)
}

func (h *Handler) process(ctx context.Context, evt domain.InboundPaymentEvent, logger *log.Entry) (any, int) {
	ctx, cancel := context.WithTimeout(ctx, h.processTimeout)
	defer cancel()

	res, err := h.processor.ProcessEvent(ctx, evt)
	if err != nil {
		if errors.Is(err, domain.ErrEventIDRequired) {
			return errorBody("event id is required"), http.StatusBadRequest
		}
		logger.WithError(err).Error("reconciler rejected event")
		return errorBody("reconciler is not configured"), http.StatusInternalServerError
	}
	return Response{
		Received: true,
		Accepted: res.Accepted,
		OrderID:  res.OrderID,
		Warning:  res.Warning,
		Outcome:  string(res.Outcome),
	}, http.StatusOK
}

func (h *Handler) reply(w http.ResponseWriter, status int, verified bool, body any) {
	webhookRequestsTotal.WithLabelValues(strconv.Itoa(status), strconv.FormatBool(verified)).Inc()
	writeJSON(w, status, body)
}
