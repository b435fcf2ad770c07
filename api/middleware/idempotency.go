package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/membergate-backend/api/responses"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

const (
	idempotencyHeader   = "Idempotency-Key"
	replayedHeader      = "Idempotent-Replayed"
	maxIdempotencyKey   = 128
	inFlightTTL         = 2 * time.Minute
	defaultReplayTTL    = 24 * time.Hour
	checkoutReplayTTL   = 7 * 24 * time.Hour
	inFlightRecordState = "in_flight"
)

type idempotencyRule struct {
	method string
	match  func(pattern string) bool
	ttl    time.Duration
}

var idempotencyRules = []idempotencyRule{
	{method: http.MethodPost, match: exactRoute("/api/v1/invite"), ttl: defaultReplayTTL},
	{method: http.MethodPost, match: exactRoute("/api/v1/referrals"), ttl: defaultReplayTTL},
	{method: http.MethodPost, match: accountRoute("/grant"), ttl: defaultReplayTTL},
	{method: http.MethodPost, match: accountRoute("/revoke"), ttl: defaultReplayTTL},
	{method: http.MethodPost, match: exactRoute("/api/v1/checkout"), ttl: checkoutReplayTTL},
}

// responseStore persists replayable responses. *redis.Client satisfies it.
type responseStore interface {
	IdempotencyKey(scope, id string) string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

type idempotencyRecord struct {
	State       string `json:"state,omitempty"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
	RequestHash string `json:"request_hash"`
}

// Idempotency guards the listed routes with an Idempotency-Key. The key is
// reserved before the handler runs so a double-submitted checkout executes
// once; the finished response is replayed for later requests with the same
// key and body. Retryable failures (429 and 5xx) release the key.
func Idempotency(store responseStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, routePattern(r))
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			id := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			switch {
			case id == "":
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			case len(id) > maxIdempotencyKey:
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key too long").
					WithDetails(map[string]any{"max": maxIdempotencyKey}))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))

			hash := hashBody(body)
			key := store.IdempotencyKey(requestScope(r), id)

			reservation, _ := json.Marshal(idempotencyRecord{State: inFlightRecordState, RequestHash: hash})
			reserved, err := store.SetNX(ctx, key, string(reservation), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replay(ctx, store, logg, w, key, hash)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.statusCode()
			if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
				if err := store.Del(context.WithoutCancel(ctx), key); err != nil {
					logError(ctx, logg, "release idempotency key", err)
				}
				return
			}
			payload, _ := json.Marshal(idempotencyRecord{
				Status:      status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        base64.StdEncoding.EncodeToString(rec.body),
				RequestHash: hash,
			})
			if err := store.Set(context.WithoutCancel(ctx), key, string(payload), ttl); err != nil {
				logError(ctx, logg, "persist idempotency record", err)
			}
		})
	}
}

func replay(ctx context.Context, store responseStore, logg *logger.Logger, w http.ResponseWriter, key, hash string) {
	stored, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "request with this key is being retried, try again"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read idempotency record"))
		return
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record"))
		return
	}
	switch {
	case record.RequestHash != hash:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
	case record.State == inFlightRecordState:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "request with this key is still in progress"))
	default:
		body, _ := base64.StdEncoding.DecodeString(record.Body)
		if record.ContentType != "" {
			w.Header().Set("Content-Type", record.ContentType)
		}
		w.Header().Set(replayedHeader, "true")
		w.WriteHeader(record.Status)
		_, _ = w.Write(body)
	}
}

// requestScope binds a key to the caller and the concrete resource.
func requestScope(r *http.Request) string {
	return strings.Join([]string{
		strconv.FormatInt(AccountIDFromContext(r.Context()), 10),
		r.Method,
		r.URL.Path,
	}, "|")
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// routePattern prefers the chi pattern; group middleware runs before the
// final route is matched, when the pattern still ends in "*".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return pattern
		}
	}
	return r.URL.Path
}

func routeTTL(method, pattern string) (time.Duration, bool) {
	for _, rule := range idempotencyRules {
		if rule.method == method && rule.match(pattern) {
			return rule.ttl, true
		}
	}
	return 0, false
}

func exactRoute(path string) func(string) bool {
	return func(pattern string) bool { return pattern == path }
}

// accountRoute matches /api/admin/v1/accounts/{id}<action> as a pattern or a
// concrete path.
func accountRoute(action string) func(string) bool {
	const prefix = "/api/admin/v1/accounts/"
	return func(pattern string) bool {
		if !strings.HasPrefix(pattern, prefix) || !strings.HasSuffix(pattern, action) {
			return false
		}
		id := strings.TrimSuffix(strings.TrimPrefix(pattern, prefix), action)
		return id != "" && !strings.Contains(id, "/")
	}
}

type responseCapture struct {
	http.ResponseWriter
	body   []byte
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
