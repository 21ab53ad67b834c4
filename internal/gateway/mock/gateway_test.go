package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

func TestGatewayVerify(t *testing.T) {
	gw := NewGateway()
	body := []byte(`{"event_id":"evt_1","event_type":"payment_succeeded","payment_intent_id":"pi_1","amount":100}`)

	evt, err := gw.VerifyAndParse(body, ValidSignature, "secret")
	if err != nil {
		t.Fatalf("VerifyAndParse failed: %v", err)
	}
	if !evt.Verified || evt.ID != "evt_1" || evt.PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if _, err := gw.VerifyAndParse(body, "bogus", "secret"); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if _, err := gw.VerifyAndParse(body, ValidSignature, ""); !errors.Is(err, domain.ErrGatewayNotConfigured) {
		t.Fatalf("expected ErrGatewayNotConfigured, got %v", err)
	}
	if gw.VerifyCalls != 3 {
		t.Fatalf("expected 3 verify calls, got %d", gw.VerifyCalls)
	}

	unverified, err := gw.ParseUnverified([]byte(`{"event_id":"evt_2","event_type":"customer.created"}`))
	if err != nil {
		t.Fatalf("ParseUnverified failed: %v", err)
	}
	if unverified.Verified || unverified.Type != domain.EventTypeUnhandled || unverified.GatewayType != "customer.created" {
		t.Fatalf("unexpected event: %+v", unverified)
	}
	if _, err := gw.ParseUnverified([]byte(`{}`)); !errors.Is(err, domain.ErrEventMalformed) {
		t.Fatalf("expected ErrEventMalformed, got %v", err)
	}
}

func TestGatewayIntents(t *testing.T) {
	gw := NewGateway()
	gw.SetIntent(domain.Intent{ID: "pi_1", Status: domain.IntentStatusRequiresCapture, Amount: 100})

	if _, err := gw.RetrieveIntent(context.Background(), "pi_2"); !errors.Is(err, domain.ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
	intent, err := gw.CaptureIntent(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("CaptureIntent failed: %v", err)
	}
	if intent.Status != domain.IntentStatusSucceeded || intent.Amount != 100 {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if len(gw.Captured) != 1 || gw.CaptureCalls != 1 {
		t.Fatalf("expected one capture, got %v", gw.Captured)
	}

	gw.CaptureErr = errors.New("gateway down")
	if _, err := gw.CaptureIntent(context.Background(), "pi_1"); err == nil {
		t.Fatal("expected capture error")
	}
}
