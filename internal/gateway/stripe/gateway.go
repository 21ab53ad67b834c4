// Package stripe - клиент платёжного шлюза Stripe поверх официального SDK.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// GatewayType - значение, которым помечаются события этого шлюза.
const GatewayType = "stripe"

// Options задаёт параметры клиента.
type Options struct {
	Logger *log.Entry
	// Backends переопределяет HTTP-бэкенды SDK (например, для тестового сервера).
	Backends *stripe.Backends
	// Tolerance - допустимый возраст подписи вебхука.
	Tolerance time.Duration
	Clock     func() time.Time
}

// Option настраивает Gateway.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithBackends подменяет бэкенды stripe-go.
func WithBackends(backends *stripe.Backends) Option {
	return func(opts *Options) { opts.Backends = backends }
}

// WithTolerance задаёт допустимый возраст подписи.
func WithTolerance(d time.Duration) Option {
	return func(opts *Options) { opts.Tolerance = d }
}

// WithClock подменяет источник времени для ReceivedAt.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) { opts.Clock = clock }
}

// Gateway реализует domain.PaymentGateway.
type Gateway struct {
	api       *client.API
	logger    *log.Entry
	tolerance time.Duration
	now       func() time.Time
}

// New создаёт клиент. Без apiKey доступен только разбор вебхуков:
// RetrieveIntent и CaptureIntent возвращают ErrGatewayNotConfigured.
func New(apiKey string, options ...Option) *Gateway {
	opts := Options{Tolerance: webhook.DefaultTolerance}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "stripe-gateway")
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = webhook.DefaultTolerance
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	g := &Gateway{
		logger:    opts.Logger,
		tolerance: opts.Tolerance,
		now:       opts.Clock,
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		g.api = client.New(key, opts.Backends)
	}
	return g
}

// VerifyAndParse проверяет заголовок Stripe-Signature и нормализует событие.
func (g *Gateway) VerifyAndParse(payload []byte, signature, secret string) (domain.InboundPaymentEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.InboundPaymentEvent{}, domain.ErrGatewayNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return domain.InboundPaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
		}
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrEventMalformed, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: event %s has no data.object", domain.ErrEventMalformed, event.ID)
	}

	evt, err := g.normalize(event.ID, string(event.Type), event.Data.Raw)
	if err != nil {
		return domain.InboundPaymentEvent{}, err
	}
	evt.Verified = true
	return evt, nil
}

// envelope - минимальная структура события для проверки без подписи.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseUnverified разбирает тело без подписи. Тело должно содержать id, type и data.object.
func (g *Gateway) ParseUnverified(payload []byte) (domain.InboundPaymentEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrEventMalformed, err)
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" || !isJSONObject(env.Data.Object) {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: id, type and data.object are required", domain.ErrEventMalformed)
	}

	evt, err := g.normalize(env.ID, env.Type, env.Data.Object)
	if err != nil {
		return domain.InboundPaymentEvent{}, err
	}
	evt.Verified = false
	return evt, nil
}

// RetrieveIntent запрашивает payment intent у Stripe.
func (g *Gateway) RetrieveIntent(ctx context.Context, id string) (domain.Intent, error) {
	if g.api == nil {
		return domain.Intent{}, domain.ErrGatewayNotConfigured
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return domain.Intent{}, mapError(err)
	}
	return toIntent(pi), nil
}

// CaptureIntent списывает авторизованные средства.
func (g *Gateway) CaptureIntent(ctx context.Context, id string) (domain.Intent, error) {
	if g.api == nil {
		return domain.Intent{}, domain.ErrGatewayNotConfigured
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Capture(id, params)
	if err != nil {
		return domain.Intent{}, mapError(err)
	}
	g.logger.WithFields(log.Fields{
		"payment_intent_id": pi.ID,
		"status":            pi.Status,
	}).Info("payment intent captured")
	return toIntent(pi), nil
}

func (g *Gateway) normalize(eventID, gatewayType string, raw json.RawMessage) (domain.InboundPaymentEvent, error) {
	evt := domain.InboundPaymentEvent{
		ID:          eventID,
		GatewayType: gatewayType,
		Type:        domain.EventTypeUnhandled,
		ReceivedAt:  g.now(),
	}

	switch gatewayType {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated":
		return fromPaymentIntent(evt, domain.EventTypePaymentSucceeded, raw)
	case "payment_intent.payment_failed":
		return fromPaymentIntent(evt, domain.EventTypePaymentFailed, raw)
	case "payment_intent.canceled":
		return fromPaymentIntent(evt, domain.EventTypePaymentCanceled, raw)
	case "payment_intent.requires_action":
		return fromPaymentIntent(evt, domain.EventTypePaymentRequiresAction, raw)
	case "charge.succeeded":
		return fromCharge(evt, raw)
	case "checkout.session.completed":
		return fromCheckoutSession(evt, raw)
	default:
		return evt, nil
	}
}

func fromPaymentIntent(evt domain.InboundPaymentEvent, eventType domain.EventType, raw json.RawMessage) (domain.InboundPaymentEvent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: payment_intent object: %v", domain.ErrEventMalformed, err)
	}

	evt.Type = eventType
	evt.PaymentIntentID = pi.ID
	evt.Amount = pi.Amount
	if pi.AmountReceived > 0 {
		evt.Amount = pi.AmountReceived
	}
	evt.Currency = string(pi.Currency)
	evt.Metadata = domain.CloneMetadata(pi.Metadata)
	evt.IntentStatus = string(pi.Status)

	if pi.LastPaymentError != nil {
		evt.FailureCode = string(pi.LastPaymentError.Code)
		if pi.LastPaymentError.DeclineCode != "" {
			evt.FailureCode = string(pi.LastPaymentError.DeclineCode)
		}
		evt.FailureMessage = pi.LastPaymentError.Msg
	}
	if eventType == domain.EventTypePaymentCanceled && pi.CancellationReason != "" {
		evt.FailureMessage = string(pi.CancellationReason)
	}
	return evt, nil
}

func fromCharge(evt domain.InboundPaymentEvent, raw json.RawMessage) (domain.InboundPaymentEvent, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: charge object: %v", domain.ErrEventMalformed, err)
	}

	evt.Type = domain.EventTypeChargeSucceeded
	if ch.PaymentIntent != nil {
		evt.PaymentIntentID = ch.PaymentIntent.ID
	}
	evt.Amount = ch.Amount
	if ch.AmountCaptured > 0 {
		evt.Amount = ch.AmountCaptured
	}
	evt.Currency = string(ch.Currency)
	evt.Metadata = domain.CloneMetadata(ch.Metadata)
	// Неперехваченный charge - только авторизация.
	if ch.Captured {
		evt.IntentStatus = domain.IntentStatusSucceeded
	} else {
		evt.IntentStatus = domain.IntentStatusRequiresCapture
	}
	return evt, nil
}

func fromCheckoutSession(evt domain.InboundPaymentEvent, raw json.RawMessage) (domain.InboundPaymentEvent, error) {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: checkout session object: %v", domain.ErrEventMalformed, err)
	}

	evt.Type = domain.EventTypeCheckoutCompleted
	if cs.PaymentIntent != nil {
		evt.PaymentIntentID = cs.PaymentIntent.ID
	}
	evt.Amount = cs.AmountTotal
	evt.Currency = string(cs.Currency)
	evt.Metadata = domain.CloneMetadata(cs.Metadata)
	if evt.Metadata[domain.EventMetadataOrderID] == "" && cs.ClientReferenceID != "" {
		evt.Metadata[domain.EventMetadataOrderID] = cs.ClientReferenceID
	}
	if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" && evt.Metadata[domain.EventMetadataEmail] == "" {
		evt.Metadata[domain.EventMetadataEmail] = cs.CustomerDetails.Email
	}

	switch cs.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		evt.IntentStatus = domain.IntentStatusSucceeded
	default:
		// Отложенные методы оплаты: деньги ещё не поступили.
		evt.IntentStatus = domain.IntentStatusProcessing
	}
	return evt, nil
}

func toIntent(pi *stripe.PaymentIntent) domain.Intent {
	amount := pi.Amount
	if pi.AmountReceived > 0 {
		amount = pi.AmountReceived
	}
	return domain.Intent{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   amount,
		Currency: string(pi.Currency),
		Metadata: domain.CloneMetadata(pi.Metadata),
	}
}

func mapError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", domain.ErrIntentNotFound, stripeErr.Msg)
		}
		return fmt.Errorf("stripe %s: %s", stripeErr.Type, stripeErr.Msg)
	}
	return fmt.Errorf("stripe request: %w", err)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && trimmed != "{}"
}

var _ domain.PaymentGateway = (*Gateway)(nil)
