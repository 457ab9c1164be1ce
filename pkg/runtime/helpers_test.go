package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/utils"
)

// recordingSink keeps every published event in order
type recordingSink struct {
	mu     sync.Mutex
	events []models.RunLog
}

func (s *recordingSink) Publish(ctx context.Context, event models.RunLog) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true, "", nil
}

func (s *recordingSink) all() []models.RunLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RunLog(nil), s.events...)
}

// started returns node ids in the order their started events were published
func (s *recordingSink) started() []string {
	var ids []string
	for _, e := range s.all() {
		if e.Kind == models.EventKindNode && e.Message["event"] == "started" {
			ids = append(ids, e.NodeID)
		}
	}
	return ids
}

func (s *recordingSink) statuses() []string {
	var out []string
	for _, e := range s.all() {
		if e.Kind == models.EventKindStatus {
			out = append(out, e.Message["status"].(string))
		}
	}
	return out
}

type httpCall struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// fakeHTTP answers with respond, or 200 {"ok":true} when respond is nil
type fakeHTTP struct {
	mu      sync.Mutex
	calls   []httpCall
	respond func(method, url string, body []byte) (int, []byte, error)
	delay   time.Duration

	inFlight    int32
	maxInFlight int32
}

func (f *fakeHTTP) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, httpCall{Method: method, URL: url, Headers: headers, Body: string(body)})
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	if f.respond != nil {
		return f.respond(method, url, body)
	}
	return 200, []byte(`{"ok":true}`), nil
}

func (f *fakeHTTP) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeHTTP) call(i int) httpCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Generate(ctx context.Context, cred utils.Credential, prompt, model string) (utils.LLMResult, error) {
	args := m.Called(cred, prompt, model)
	return args.Get(0).(utils.LLMResult), args.Error(1)
}

type fakeEmail struct {
	sent []utils.EmailMessage
	err  error
}

func (f *fakeEmail) Send(ctx context.Context, msg utils.EmailMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type mapWorkflows map[string]*models.Workflow

func (m mapWorkflows) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, ok := m[id]
	if !ok {
		return nil, errors.New("workflow not found")
	}
	return wf, nil
}

func node(kind string, config map[string]interface{}) models.Node {
	return models.Node{Kind: kind, Config: config}
}

func graphOf(nodes map[string]models.Node, edges ...models.Edge) models.WorkflowGraph {
	return models.WorkflowGraph{Nodes: nodes, Edges: edges}
}

func edge(src, dst string) models.Edge {
	return models.Edge{Source: src, Target: dst}
}

func outputOf(t interface {
	Helper()
	Fatalf(string, ...interface{})
}, outputs map[string]interface{}, id string) map[string]interface{} {
	t.Helper()
	out, ok := outputs[id].(map[string]interface{})
	if !ok {
		t.Fatalf("no output for node %s", id)
	}
	return out
}
