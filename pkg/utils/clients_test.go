package utils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientDo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"method":       r.Method,
			"header":       r.Header.Get("X-Test"),
			"content_type": r.Header.Get("Content-Type"),
			"body":         string(body),
		})
	}))
	defer server.Close()

	client := NewHTTPClient(5 * time.Second)
	status, raw, err := client.Do(context.Background(), http.MethodPut, server.URL, map[string]string{"X-Test": "yes"}, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)

	decoded, ok := DecodeBody(raw).(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "PUT", decoded["method"])
	assert.Equal(t, "yes", decoded["header"])
	assert.Equal(t, "application/json", decoded["content_type"])
	assert.Equal(t, `{"a":1}`, decoded["body"])
}

func TestHTTPClientTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, _, err := NewHTTPClient(time.Second).Do(context.Background(), "", url, nil, nil)
	assert.Error(t, err)
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, "plain text", DecodeBody([]byte("plain text")))
	assert.Equal(t, "", DecodeBody(nil))
	assert.Equal(t, []interface{}{float64(1), float64(2)}, DecodeBody([]byte(" [1,2] ")))
}

func TestLLMClientOpenAI(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"id":"c1","model":"gpt-test","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer server.Close()

	client := NewLLMClient(NewHTTPClient(5 * time.Second))
	res, err := client.Generate(context.Background(), Credential{Provider: ProviderOpenAI, APIKey: "sk-test", BaseURL: server.URL}, "say hi", "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "gpt-test", res.Meta["model"])
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-test", gotBody["model"])
}

func TestLLMClientAnthropic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		w.Write([]byte(`{"id":"m1","model":"claude-test","content":[{"type":"text","text":"hi "},{"type":"text","text":"there"}],"stop_reason":"end_turn","usage":{"input_tokens":2,"output_tokens":2}}`))
	}))
	defer server.Close()

	client := NewLLMClient(NewHTTPClient(5 * time.Second))
	res, err := client.Generate(context.Background(), Credential{Provider: ProviderAnthropic, APIKey: "ak-test", BaseURL: server.URL}, "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Text)
	assert.Equal(t, "end_turn", res.Meta["finish_reason"])
}

func TestLLMClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer server.Close()

	client := NewLLMClient(NewHTTPClient(5 * time.Second))
	_, err := client.Generate(context.Background(), Credential{Provider: ProviderOpenAI, APIKey: "sk-test", BaseURL: server.URL}, "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.NotContains(t, err.Error(), "sk-test")

	_, err = client.Generate(context.Background(), Credential{Provider: "mystery", APIKey: "k"}, "x", "")
	assert.Error(t, err)

	_, err = client.Generate(context.Background(), Credential{Provider: ProviderOpenAI}, "x", "")
	assert.Error(t, err)
}

func TestSMTPCompose(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := &SMTPSender{now: func() time.Time { return fixed }}
	raw := string(s.compose(EmailMessage{
		From: "a@example.com", To: []string{"b@example.com", "c@example.com"},
		Subject: "Hi", Body: "line1\nline2",
	}))
	assert.Contains(t, raw, "To: b@example.com, c@example.com\r\n")
	assert.Contains(t, raw, "Subject: Hi\r\n")
	assert.Contains(t, raw, fixed.Format(time.RFC1123Z))
	assert.True(t, strings.HasSuffix(raw, "line1\r\nline2"))
}

func TestSMTPSendValidation(t *testing.T) {
	s := NewSMTPSender(time.Second)
	assert.Error(t, s.Send(context.Background(), EmailMessage{To: []string{"x@example.com"}}))
	assert.Error(t, s.Send(context.Background(), EmailMessage{Host: "localhost"}))
}
