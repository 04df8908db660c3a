package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-llm-chat/internal/services"
)

// envelopeRouter serves err through failService at GET /err and captures the
// request-scoped log output.
func envelopeRouter(err error, buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	lg := zerolog.New(buf).Level(zerolog.DebugLevel)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-1")
		c.Set("logger", &lg)
		c.Next()
	})
	r.GET("/err", func(c *gin.Context) { failService(c, err) })
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v (%s)", err, w.Body.String())
	}
	return resp
}

func Test_failService_ChatCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		code     string
		logLevel string
	}{
		{"busy", services.ErrBusy, http.StatusConflict, ErrCodeBusy, "debug"},
		{"wrapped busy", fmt.Errorf("send: %w", services.ErrBusy), http.StatusConflict, ErrCodeBusy, "debug"},
		{"nothing to regenerate", services.ErrNothingToRegenerate, http.StatusConflict, ErrCodeNothingToRegenerate, "debug"},
		{"no pending error", services.ErrNoPendingError, http.StatusConflict, ErrCodeNoPendingError, "debug"},
		{"session closed", services.ErrSessionClosed, http.StatusGone, ErrCodeSessionClosed, "debug"},
		{"not editable", services.ErrNotEditable, http.StatusUnprocessableEntity, ErrCodeNotEditable, ""},
		{"message missing", services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"empty prompt", services.ErrEmptyPrompt, http.StatusBadRequest, ErrCodeEmptyPrompt, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := httptest.NewRecorder()
			envelopeRouter(tc.err, &buf).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/err", nil))

			if w.Code != tc.status {
				t.Fatalf("status=%d want %d", w.Code, tc.status)
			}
			resp := decodeEnvelope(t, w)
			if resp.RequestID != "rid-1" || resp.Code != tc.code || resp.Message != tc.err.Error() {
				t.Fatalf("unexpected envelope %+v", resp)
			}
			logged := buf.String()
			switch tc.logLevel {
			case "":
				if logged != "" {
					t.Fatalf("expected no log, got %s", logged)
				}
			default:
				if !strings.Contains(logged, `"level":"`+tc.logLevel+`"`) || !strings.Contains(logged, tc.code) {
					t.Fatalf("expected %s log with code, got %s", tc.logLevel, logged)
				}
			}
		})
	}
}

func Test_failService_UnknownIs500AndMasked(t *testing.T) {
	var buf bytes.Buffer
	w := httptest.NewRecorder()
	envelopeRouter(errors.New("disk on fire"), &buf).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/err", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	resp := decodeEnvelope(t, w)
	if resp.Code != ErrCodeInternal || strings.Contains(resp.Message, "disk") {
		t.Fatalf("internal error text must not leak: %+v", resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got %s", buf.String())
	}
}

func Test_Fail_And_SuccessWriters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/limited", func(c *gin.Context) {
		Fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, "slow down")
	})
	r.GET("/copy", func(c *gin.Context) {
		ok(c, http.StatusOK, CopyMessageResponse{Content: "hello"})
	})
	r.DELETE("/edit", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != ErrCodeRateLimited || resp.RequestID != "" {
		t.Fatalf("unexpected envelope %+v", resp)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/copy", nil))
	var cp CopyMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &cp); err != nil || w.Code != http.StatusOK || cp.Content != "hello" {
		t.Fatalf("copy: code=%d body=%s err=%v", w.Code, w.Body.String(), err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/edit", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("expected empty 204, got %d %q", w.Code, w.Body.String())
	}
}
