// Package mock содержит конфигурируемую заглушку платёжного шлюза для тестов и локального запуска.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// ValidSignature - подпись, которую Gateway считает корректной.
const ValidSignature = "mock-valid"

// Gateway принимает тело в формате domain.InboundPaymentEvent (JSON)
// и отвечает на запросы intent-ов из заранее заданной таблицы.
type Gateway struct {
	mu sync.Mutex

	Intents     map[string]domain.Intent
	RetrieveErr error
	CaptureErr  error

	VerifyCalls   int
	RetrieveCalls int
	CaptureCalls  int
	Captured      []string
}

// NewGateway возвращает mock с пустой таблицей intent-ов.
func NewGateway() *Gateway {
	return &Gateway{Intents: make(map[string]domain.Intent)}
}

// SetIntent регистрирует intent, который вернёт RetrieveIntent.
func (g *Gateway) SetIntent(intent domain.Intent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Intents[intent.ID] = intent
}

// VerifyAndParse проверяет подпись на равенство ValidSignature.
func (g *Gateway) VerifyAndParse(payload []byte, signature, secret string) (domain.InboundPaymentEvent, error) {
	g.mu.Lock()
	g.VerifyCalls++
	g.mu.Unlock()

	if strings.TrimSpace(secret) == "" {
		return domain.InboundPaymentEvent{}, domain.ErrGatewayNotConfigured
	}
	if signature != ValidSignature {
		return domain.InboundPaymentEvent{}, domain.ErrSignatureInvalid
	}
	evt, err := decode(payload)
	if err != nil {
		return domain.InboundPaymentEvent{}, err
	}
	evt.Verified = true
	return evt, nil
}

// ParseUnverified разбирает тело без проверки подписи.
func (g *Gateway) ParseUnverified(payload []byte) (domain.InboundPaymentEvent, error) {
	evt, err := decode(payload)
	if err != nil {
		return domain.InboundPaymentEvent{}, err
	}
	evt.Verified = false
	return evt, nil
}

// RetrieveIntent возвращает intent из таблицы или ErrIntentNotFound.
func (g *Gateway) RetrieveIntent(_ context.Context, id string) (domain.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RetrieveCalls++
	if g.RetrieveErr != nil {
		return domain.Intent{}, g.RetrieveErr
	}
	intent, ok := g.Intents[id]
	if !ok {
		return domain.Intent{}, domain.ErrIntentNotFound
	}
	return intent, nil
}

// CaptureIntent переводит intent в succeeded.
func (g *Gateway) CaptureIntent(_ context.Context, id string) (domain.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CaptureCalls++
	if g.CaptureErr != nil {
		return domain.Intent{}, g.CaptureErr
	}
	intent, ok := g.Intents[id]
	if !ok {
		intent = domain.Intent{ID: id}
	}
	intent.Status = domain.IntentStatusSucceeded
	g.Intents[id] = intent
	g.Captured = append(g.Captured, id)
	return intent, nil
}

func decode(payload []byte) (domain.InboundPaymentEvent, error) {
	var evt domain.InboundPaymentEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrEventMalformed, err)
	}
	if strings.TrimSpace(evt.ID) == "" || evt.Type == "" {
		return domain.InboundPaymentEvent{}, fmt.Errorf("%w: event_id and event_type are required", domain.ErrEventMalformed)
	}
	if !evt.Type.Valid() {
		evt.GatewayType = string(evt.Type)
		evt.Type = domain.EventTypeUnhandled
	}
	return evt, nil
}

var _ domain.PaymentGateway = (*Gateway)(nil)
