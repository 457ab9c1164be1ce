package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/utils"
)

var (
	errNoHTTPClient  = errors.New("no HTTP client configured")
	errNoCredentials = errors.New("no credential resolver configured")
)

// httpNode calls an arbitrary endpoint. Any status code is a result; only transport failures are errors.
type httpNode struct {
	config map[string]interface{}
}

func newHTTPNode(config map[string]interface{}) (*httpNode, error) {
	if stringValue(config["url"]) == "" {
		return nil, fmt.Errorf("http node requires url")
	}
	if _, err := intValue(config["timeout_ms"], 0); err != nil {
		return nil, fmt.Errorf("timeout_ms: %w", err)
	}
	return &httpNode{config: config}, nil
}

func (n *httpNode) Kind() string { return models.KindHTTP }

func (n *httpNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	client := nc.exec.deps.HTTP
	if client == nil {
		return Outcome{}, errNoHTTPClient
	}
	cfg := nc.Render(n.config)

	method := strings.ToUpper(stringValue(cfg["method"]))
	if method == "" {
		method = http.MethodGet
	}
	body, err := encodeBody(cfg["body"])
	if err != nil {
		return Outcome{}, err
	}

	timeout := nc.exec.cfg.HTTPTimeout
	if ms, _ := intValue(cfg["timeout_ms"], 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, raw, err := client.Do(ctx, method, stringValue(cfg["url"]), stringMap(cfg["headers"]), body)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Output: map[string]interface{}{
		"status": status,
		"body":   utils.DecodeBody(raw),
	}}, nil
}

func encodeBody(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		return data, nil
	}
}

// webhookNode posts a JSON payload; slack nodes are webhooks whose default payload is {text}
type webhookNode struct {
	kind   string
	config map[string]interface{}
}

func newWebhookNode(kind string, config map[string]interface{}) (*webhookNode, error) {
	if stringValue(config["url"]) == "" && stringValue(config["webhook_url"]) == "" {
		return nil, fmt.Errorf("%s node requires url", kind)
	}
	return &webhookNode{kind: kind, config: config}, nil
}

func (n *webhookNode) Kind() string { return n.kind }

func (n *webhookNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	client := nc.exec.deps.HTTP
	if client == nil {
		return Outcome{}, errNoHTTPClient
	}
	cfg := nc.Render(n.config)

	url := stringValue(cfg["url"])
	if url == "" {
		url = stringValue(cfg["webhook_url"])
	}
	payload, ok := cfg["payload"].(map[string]interface{})
	if !ok {
		text := stringValue(cfg["text"])
		if text == "" {
			text = stringValue(cfg["message"])
		}
		if text == "" {
			return Outcome{}, fmt.Errorf("%s node has nothing to send", n.kind)
		}
		payload = map[string]interface{}{"text": text}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, nc.exec.cfg.HTTPTimeout)
	defer cancel()

	status, _, err := client.Do(ctx, http.MethodPost, url, stringMap(cfg["headers"]), body)
	if err != nil {
		return Outcome{}, err
	}
	if status >= 400 {
		return Outcome{}, fmt.Errorf("%s endpoint returned status %d", n.kind, status)
	}
	return Outcome{Output: map[string]interface{}{
		"status": status,
		"sent":   true,
	}}, nil
}

// emailNode sends a plain-text message over SMTP. Login comes from credential_id.
type emailNode struct {
	config map[string]interface{}
}

func (n *emailNode) Kind() string { return models.KindEmail }

func (n *emailNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	sender := nc.exec.deps.Email
	if sender == nil {
		return Outcome{}, errors.New("no email sender configured")
	}
	cfg := nc.Render(n.config)

	port, err := intValue(cfg["port"], 587)
	if err != nil {
		return Outcome{}, fmt.Errorf("port: %w", err)
	}
	useTLS, _ := cfg["use_tls"].(bool)
	msg := utils.EmailMessage{
		Host:    stringValue(cfg["host"]),
		Port:    port,
		UseTLS:  useTLS,
		From:    stringValue(cfg["from"]),
		To:      stringList(cfg["to"]),
		Subject: stringValue(cfg["subject"]),
		Body:    stringValue(cfg["body"]),
	}
	if len(msg.To) == 0 {
		return Outcome{}, errors.New("email node requires at least one recipient")
	}

	if credID := stringValue(cfg["credential_id"]); credID != "" {
		resolver := nc.exec.deps.Credentials
		if resolver == nil {
			return Outcome{}, errNoCredentials
		}
		cred, err := resolver.Resolve(ctx, nc.WorkspaceID, credID)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to resolve credential: %w", err)
		}
		msg.Username = cred.Username
		msg.Password = cred.Password
		if msg.From == "" {
			msg.From = cred.Username
		}
	}

	ctx, cancel := context.WithTimeout(ctx, nc.exec.cfg.HTTPTimeout)
	defer cancel()

	if err := sender.Send(ctx, msg); err != nil {
		return Outcome{}, err
	}
	return Outcome{Output: map[string]interface{}{
		"sent":       true,
		"recipients": len(msg.To),
	}}, nil
}

// llmNode resolves a credential and hands the prompt to the adapter for its provider
type llmNode struct {
	config map[string]interface{}
}

func newLLMNode(config map[string]interface{}) (*llmNode, error) {
	if stringValue(config["provider_id"]) == "" && stringValue(config["credential_id"]) == "" {
		return nil, fmt.Errorf("llm node requires provider_id")
	}
	return &llmNode{config: config}, nil
}

func (n *llmNode) Kind() string { return models.KindLLM }

func (n *llmNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	resolver := nc.exec.deps.Credentials
	if resolver == nil {
		return Outcome{}, errNoCredentials
	}
	cfg := nc.Render(n.config)

	credID := stringValue(cfg["provider_id"])
	if credID == "" {
		credID = stringValue(cfg["credential_id"])
	}
	cred, err := resolver.Resolve(ctx, nc.WorkspaceID, credID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to resolve credential: %w", err)
	}
	adapter, ok := nc.exec.deps.LLM[strings.ToLower(cred.Provider)]
	if !ok {
		return Outcome{}, fmt.Errorf("no adapter for LLM provider %q", cred.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, nc.exec.cfg.LLMTimeout)
	defer cancel()

	res, err := adapter.Generate(ctx, cred, stringValue(cfg["prompt"]), stringValue(cfg["model"]))
	if err != nil {
		return Outcome{}, err
	}
	meta := res.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return Outcome{Output: map[string]interface{}{
		"text": res.Text,
		"meta": meta,
	}}, nil
}
