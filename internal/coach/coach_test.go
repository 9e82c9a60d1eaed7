package coach

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newCoach(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL, FallbackPrompt: "Du bist Gizmo. Der Nutzer fragt:"})
}

func TestGetContext(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		wantPrompt  string
		wantEmotion string
	}{
		{
			name:        "string emotion",
			reply:       `{"id":1,"result":{"prompt":"Du bist Gizmo, heute verspielt.","emotion":"happy"}}`,
			wantPrompt:  "Du bist Gizmo, heute verspielt.",
			wantEmotion: "happy",
		},
		{
			name:        "hormone object",
			reply:       `{"id":1,"result":{"prompt":"p","emotion":{ "dopamine": 0.7, "cortisol": 0.1 }}}`,
			wantPrompt:  "p",
			wantEmotion: `{"dopamine":0.7,"cortisol":0.1}`,
		},
		{
			name:        "empty prompt falls back",
			reply:       `{"id":1,"result":{"prompt":"","emotion":"calm"}}`,
			wantPrompt:  "Du bist Gizmo. Der Nutzer fragt:",
			wantEmotion: "calm",
		},
		{
			name:        "missing emotion",
			reply:       `{"id":1,"result":{"prompt":"p"}}`,
			wantPrompt:  "p",
			wantEmotion: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq map[string]any
			c := newCoach(t, func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				json.Unmarshal(body, &gotReq)
				w.Write([]byte(tt.reply))
			})

			got, err := c.GetContext(context.Background())
			if err != nil {
				t.Fatalf("GetContext: %v", err)
			}
			if got.Prompt != tt.wantPrompt || got.Emotion != tt.wantEmotion {
				t.Errorf("context = %+v, want prompt %q emotion %q", got, tt.wantPrompt, tt.wantEmotion)
			}
			if gotReq["method"] != "get_prompt_context" || gotReq["id"] != 1.0 {
				t.Errorf("request = %v", gotReq)
			}
		})
	}
}

func TestGetContext_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}, "503"},
		{"remote error", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":1,"error":{"message":"Fehler beim Lesen der Hormonwerte"}}`))
		}, "Hormonwerte"},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCoach(t, tt.handler).GetContext(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestGetContext_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: 30 * time.Millisecond})
	_, err := c.GetContext(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestApplyReward(t *testing.T) {
	var got map[string]any
	c := newCoach(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"id":1,"result":{"status":"ok"}}`))
	})

	if err := c.ApplyReward(context.Background(), "positive", 0.8); err != nil {
		t.Fatalf("ApplyReward: %v", err)
	}
	params := got["params"].(map[string]any)
	if got["method"] != "apply_reward" || params["feedback"] != "positive" || params["intensity"] != 0.8 {
		t.Errorf("request = %v", got)
	}
}

func TestPing(t *testing.T) {
	c := newCoach(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	down := New(Config{URL: "http://127.0.0.1:1"})
	if err := down.Ping(context.Background()); err == nil {
		t.Error("Ping to closed port succeeded")
	}
}
