package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgAuth "github.com/angelmondragon/membergate-backend/pkg/auth"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "membergate", ExpirationMinutes: 10}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: io.Discard})
}

func mintToken(t *testing.T, accountID int64, role enums.Role) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(testJWT, time.Now(), pkgAuth.AccessTokenPayload{AccountID: accountID, Role: role})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestAuthRejectsMissingToken(t *testing.T) {
	called := false
	handler := Auth(testJWT, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/account", nil))

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if called {
		t.Fatal("handler should not run without a token")
	}
}

func TestAuthRejectsForeignSignature(t *testing.T) {
	other := testJWT
	other.Secret = "other"
	token, err := pkgAuth.MintAccessToken(other, time.Now(), pkgAuth.AccessTokenPayload{AccountID: 5, Role: enums.RoleMember})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	handler := Auth(testJWT, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthSeedsIdentity(t *testing.T) {
	var (
		gotID   int64
		gotRole enums.Role
	)
	handler := Auth(testJWT, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = AccountIDFromContext(r.Context())
		gotRole = RoleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, 77, enums.RoleMember))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if gotID != 77 || gotRole != enums.RoleMember {
		t.Fatalf("unexpected identity %d/%s", gotID, gotRole)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(enums.RoleMember, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), 1, enums.RoleOperator))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator on member route, got %d", resp.Code)
	}

	req = req.WithContext(WithIdentity(req.Context(), 1, enums.RoleMember))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for member, got %d", resp.Code)
	}
}

func TestRequireOperatorChecksAllowList(t *testing.T) {
	isAdmin := func(id int64) bool { return id == 42 }
	handler := RequireOperator(isAdmin, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	cases := []struct {
		name string
		id   int64
		role enums.Role
		want int
	}{
		{name: "listed operator", id: 42, role: enums.RoleOperator, want: http.StatusOK},
		{name: "delisted operator", id: 43, role: enums.RoleOperator, want: http.StatusForbidden},
		{name: "listed id with member role", id: 42, role: enums.RoleMember, want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/resync", nil)
			req = req.WithContext(WithIdentity(req.Context(), tc.id, tc.role))
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.Code)
			}
		})
	}
}
