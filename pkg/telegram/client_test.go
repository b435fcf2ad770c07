package telegram

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient("123:abc", WithBaseURL("http://tg.test"), WithHTTPClient(&http.Client{Transport: rt}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func formBody(t *testing.T, req *http.Request) url.Values {
	t.Helper()
	body, _ := io.ReadAll(req.Body)
	values, err := url.ParseQuery(string(body))
	if err != nil {
		t.Fatalf("decode form: %v", err)
	}
	return values
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient("  "); err == nil {
		t.Fatal("expected empty token to fail")
	}
}

func TestGetChatMember(t *testing.T) {
	var capturedURL string
	var payload url.Values
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		capturedURL = req.URL.String()
		payload = formBody(t, req)
		return jsonResponse(http.StatusOK, `{"ok":true,"result":{"status":"restricted","is_member":true,"user":{"id":77}}}`), nil
	})

	member, err := client.GetChatMember(context.Background(), -100500, 77)
	if err != nil {
		t.Fatalf("get chat member: %v", err)
	}
	if capturedURL != "http://tg.test/bot123:abc/getChatMember" {
		t.Fatalf("unexpected url %q", capturedURL)
	}
	if payload.Get("chat_id") != "-100500" || payload.Get("user_id") != "77" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if member.UserID != 77 {
		t.Fatalf("unexpected user id %d", member.UserID)
	}
	if !member.Present() || member.Privileged() {
		t.Fatalf("restricted member with is_member should be present and unprivileged: %+v", member)
	}
}

func TestChatMemberPresence(t *testing.T) {
	cases := []struct {
		member     ChatMember
		present    bool
		privileged bool
	}{
		{ChatMember{Status: StatusCreator}, true, true},
		{ChatMember{Status: StatusAdministrator}, true, true},
		{ChatMember{Status: StatusMember}, true, false},
		{ChatMember{Status: StatusRestricted, IsMember: false}, false, false},
		{ChatMember{Status: StatusLeft}, false, false},
		{ChatMember{Status: StatusKicked}, false, false},
	}
	for _, tc := range cases {
		if tc.member.Present() != tc.present || tc.member.Privileged() != tc.privileged {
			t.Fatalf("status %s: present=%v privileged=%v", tc.member.Status, tc.member.Present(), tc.member.Privileged())
		}
	}
}

func TestBanAndUnbanPayloads(t *testing.T) {
	until := time.Unix(1_800_000_000, 0)
	var calls []url.Values
	var methods []string
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		methods = append(methods, req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:])
		calls = append(calls, formBody(t, req))
		return jsonResponse(http.StatusOK, `{"ok":true,"result":true}`), nil
	})

	if err := client.BanChatMember(context.Background(), -1, 9, until); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := client.UnbanChatMember(context.Background(), -1, 9, true); err != nil {
		t.Fatalf("unban: %v", err)
	}

	if methods[0] != "banChatMember" || methods[1] != "unbanChatMember" {
		t.Fatalf("unexpected methods %v", methods)
	}
	if calls[0].Get("until_date") != "1800000000" || calls[0].Get("user_id") != "9" {
		t.Fatalf("unexpected ban payload %v", calls[0])
	}
	if calls[1].Get("only_if_banned") != "true" {
		t.Fatalf("expected only_if_banned, got %v", calls[1])
	}
}

func TestCreateChatInviteLink(t *testing.T) {
	expire := time.Unix(1_800_000_000, 0)
	var payload url.Values
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		payload = formBody(t, req)
		return jsonResponse(http.StatusOK, `{"ok":true,"result":{"invite_link":"https://t.me/+abc"}}`), nil
	})

	link, err := client.CreateChatInviteLink(context.Background(), -1, InviteLinkParams{Name: "acct-9", ExpireDate: expire, MemberLimit: 1})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if link != "https://t.me/+abc" {
		t.Fatalf("unexpected link %q", link)
	}
	if payload.Get("member_limit") != "1" || payload.Get("expire_date") != "1800000000" || payload.Get("name") != "acct-9" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		code   pkgerrors.Code
	}{
		{http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`, pkgerrors.CodeRateLimit},
		{http.StatusBadGateway, `bad gateway`, pkgerrors.CodeDependency},
		{http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, pkgerrors.CodeForbidden},
		{http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: user not found"}`, pkgerrors.CodeNotFound},
		{http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: not enough rights to create invite link"}`, pkgerrors.CodeForbidden},
		{http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: message text is empty"}`, pkgerrors.CodeValidation},
	}

	for _, tc := range cases {
		client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
			return jsonResponse(tc.status, tc.body), nil
		})
		_, err := client.GetChatMember(context.Background(), -1, 1)
		typed := pkgerrors.As(err)
		if typed == nil || typed.Code() != tc.code {
			t.Fatalf("status %d body %s: expected %s, got %v", tc.status, tc.body, tc.code, err)
		}
	}
}

func TestTransportTimeoutIsTyped(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})
	err := client.SendMessage(context.Background(), 1, "hi")
	if !pkgerrors.IsCode(err, pkgerrors.CodeTimeout) {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if !pkgerrors.IsTransient(err) {
		t.Fatal("timeouts must be transient")
	}
}

func TestRequestsCarryCallerContext(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "sweep")
	var seen any
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		seen = req.Context().Value(ctxKey{})
		return jsonResponse(http.StatusOK, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`), nil
	})
	if err := client.SendMessage(ctx, 1, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if seen != "sweep" {
		t.Fatalf("request lost the caller context, got %v", seen)
	}
}

func TestRateLimitKeepsRetryAfter(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`), nil
	})
	err := client.BanChatMember(context.Background(), -1, 9, time.Time{})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeRateLimit {
		t.Fatalf("expected rate limit, got %v", err)
	}
	details, ok := typed.Details().(map[string]any)
	if !ok || details["retry_after_seconds"] != 7 {
		t.Fatalf("unexpected details %v", typed.Details())
	}
	if !strings.Contains(typed.Unwrap().Error(), "banChatMember") {
		t.Fatalf("method missing from cause %q", typed.Unwrap().Error())
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
