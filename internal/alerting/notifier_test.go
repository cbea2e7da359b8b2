package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Kind: KindJobFinished, At: time.Now(), JobID: "job-1", JobStatus: "PARTIAL", Succeeded: 3, Skipped: 1}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "PARTIAL") || !strings.Contains(received["text"], "skipped: 1") {
		t.Fatalf("text 内容不完整: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Kind: KindBreakerOpened, Breaker: "provider"}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderReadinessMessage(t *testing.T) {
	msg := renderMessage(Notification{
		Kind:         KindReadinessCritical,
		Keyword:      "water-bottle",
		Period:       "2024-05-06",
		Readiness:    "CRITICAL",
		Ready:        4,
		TopK:         10,
		MissingASINs: []string{"B000000005", "B000000006"},
	})
	for _, want := range []string{"water-bottle", "4/10", "B000000005, B000000006"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
