package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Allenskoo856/mydocmost/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func authorizeWith(t *testing.T, tokens *stubTokenAuthority, logger *zap.Logger) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/databases/info", http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	ctx.Request = request

	handler := &httpHandler{tokens: tokens, logger: logger}
	handler.authorizeRequest(ctx)
	return recorder
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	recorder := authorizeWith(testContext, &stubTokenAuthority{validateErr: auth.ErrExpiredToken}, zap.New(core))

	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		testContext.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		testContext.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	if entries[0].Message != "api token validation failed" {
		testContext.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	recorder := authorizeWith(testContext, &stubTokenAuthority{validateErr: errStubFailure}, zap.New(core))

	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		testContext.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		testContext.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestRejectsMissingHeaderWithoutLogging(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/databases/info", http.NoBody)

	handler := &httpHandler{tokens: &stubTokenAuthority{}, logger: zap.New(core)}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	if len(logs.All()) != 0 {
		testContext.Fatalf("header absence should not log, got %d entries", len(logs.All()))
	}
}
