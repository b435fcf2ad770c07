package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	yookassawebhook "github.com/angelmondragon/membergate-backend/internal/webhooks/yookassa"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

const succeededBody = `{"type":"notification","event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded"}}`

type stubWebhookService struct {
	handled []yookassawebhook.Notification
	err     error
}

func (s *stubWebhookService) Handle(_ context.Context, n yookassawebhook.Notification) error {
	s.handled = append(s.handled, n)
	return s.err
}

type memoryGuard struct {
	seen    map[string]bool
	deleted []string
}

func (g *memoryGuard) CheckAndMark(_ context.Context, key string) (bool, error) {
	if g.seen == nil {
		g.seen = map[string]bool{}
	}
	if g.seen[key] {
		return true, nil
	}
	g.seen[key] = true
	return false, nil
}

func (g *memoryGuard) Delete(_ context.Context, key string) error {
	delete(g.seen, key)
	g.deleted = append(g.deleted, key)
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func post(handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	handler(resp, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	return resp
}

func TestYooKassaWebhookDeduplicatesDeliveries(t *testing.T) {
	svc := &stubWebhookService{}
	handler := YooKassaWebhook(svc, &memoryGuard{}, "", testLogger())

	for i := 0; i < 2; i++ {
		if resp := post(handler, "/api/v1/webhooks/yookassa", succeededBody); resp.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, resp.Code)
		}
	}
	if len(svc.handled) != 1 || svc.handled[0].Object.ID != "pay-1" {
		t.Fatalf("expected one handled notification, got %+v", svc.handled)
	}
}

func TestYooKassaWebhookForgetsKeyOnFailure(t *testing.T) {
	svc := &stubWebhookService{err: errors.New("provider unreachable")}
	guard := &memoryGuard{}
	handler := YooKassaWebhook(svc, guard, "", testLogger())

	if resp := post(handler, "/api/v1/webhooks/yookassa", succeededBody); resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if len(guard.deleted) != 1 || guard.deleted[0] != "pay-1:payment.succeeded" {
		t.Fatalf("expected key to be forgotten, got %v", guard.deleted)
	}

	svc.err = nil
	if resp := post(handler, "/api/v1/webhooks/yookassa", succeededBody); resp.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d", resp.Code)
	}
	if len(svc.handled) != 2 {
		t.Fatalf("expected redelivery to be handled, got %d", len(svc.handled))
	}
}

func TestYooKassaWebhookChecksToken(t *testing.T) {
	svc := &stubWebhookService{}
	handler := YooKassaWebhook(svc, &memoryGuard{}, "s3cret", testLogger())

	if resp := post(handler, "/api/v1/webhooks/yookassa?token=wrong", succeededBody); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp := post(handler, "/api/v1/webhooks/yookassa?token=s3cret", succeededBody); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(svc.handled) != 1 {
		t.Fatalf("expected one handled notification, got %d", len(svc.handled))
	}
}

func TestYooKassaWebhookRejectsMalformedBody(t *testing.T) {
	svc := &stubWebhookService{}
	handler := YooKassaWebhook(svc, &memoryGuard{}, "", testLogger())

	if resp := post(handler, "/api/v1/webhooks/yookassa", `{"event":""}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if len(svc.handled) != 0 {
		t.Fatal("malformed body should not reach the service")
	}
}
