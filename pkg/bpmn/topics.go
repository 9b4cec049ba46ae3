package bpmn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/itchyny/gojq"
)

// VariableAccess is the view of process variables a topic handler works
// against. The engine backs it with the token's scope chain; the test
// operation backs it with an in-memory bag.
type VariableAccess interface {
	Get(name string) (any, bool)
	Set(name string, value any) error
	All() map[string]any
}

// ProcessContext is handed to in-process handlers.
type ProcessContext struct {
	InstanceID string
	NodeID     string
	Vars       VariableAccess
}

// HandlerFunc is an in-process topic handler.
type HandlerFunc func(ctx context.Context, pc *ProcessContext) error

// HTTPHandler describes an outbound HTTP call bound to a topic.
// Template placeholders `${name}` in URL, headers and body are replaced
// with the instance's variable values; the response body is mined with
// jq expressions into variables.
type HTTPHandler struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method" yaml:"method"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`

	// Extract maps variable name -> jq expression over the response JSON.
	Extract map[string]string `json:"extract,omitempty" yaml:"extract,omitempty"`

	Async      bool          `json:"async,omitempty" yaml:"async,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	Backoff    time.Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Handler is a registered topic: exactly one of Func or HTTP is set.
type Handler struct {
	Topic string
	Func  HandlerFunc
	HTTP  *HTTPHandler
}

// TopicRegistry maps topic names to handlers. Registration is expected
// at startup but is safe at any time.
type TopicRegistry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler

	client         *http.Client
	defaultTimeout time.Duration
	defaultRetries int
	logger         hclog.Logger
}

func NewTopicRegistry(defaultTimeout time.Duration, defaultRetries int, logger hclog.Logger) *TopicRegistry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &TopicRegistry{
		handlers:       map[string]*Handler{},
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
		defaultRetries: defaultRetries,
		logger:         logger.Named("topics"),
	}
}

// Register binds an in-process handler to a topic, replacing any
// previous binding.
func (r *TopicRegistry) Register(topic string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = &Handler{Topic: topic, Func: fn}
}

// RegisterHTTP binds an HTTP descriptor to a topic.
func (r *TopicRegistry) RegisterHTTP(topic string, spec *HTTPHandler) error {
	if spec.URL == "" {
		return newEngineErrorf(ErrHandlerConfig, "topic %s: http handler without url", topic)
	}
	if spec.Method == "" {
		spec.Method = http.MethodPost
	}
	for name, expr := range spec.Extract {
		if _, err := gojq.Parse(expr); err != nil {
			return newEngineErrorf(ErrHandlerConfig, "topic %s: extract %s: %s", topic, name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = &Handler{Topic: topic, HTTP: spec}
	return nil
}

// Unregister removes the topic binding.
func (r *TopicRegistry) Unregister(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, topic)
}

// Lookup returns the handler bound to a topic.
func (r *TopicRegistry) Lookup(topic string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics lists the registered topic names.
func (r *TopicRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, topic)
	}
	return out
}

// Invoke runs the topic's handler synchronously. Async HTTP handlers are
// not dispatched here; the executor parks the token first and calls
// InvokeHTTP from its callback goroutine.
func (r *TopicRegistry) Invoke(ctx context.Context, topic string, pc *ProcessContext) error {
	h, ok := r.Lookup(topic)
	if !ok {
		return newEngineErrorf(ErrHandlerConfig, "no handler registered for topic %q", topic)
	}
	if h.Func != nil {
		if err := h.Func(ctx, pc); err != nil {
			if KindOf(err) == ErrHandlerFatal && asEngineError(err) == nil {
				return errors.Join(newEngineErrorf(ErrHandlerFatal, "topic %s handler failed", topic), err)
			}
			return err
		}
		return nil
	}
	return r.InvokeHTTP(ctx, h.HTTP, pc)
}

var templateRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expand substitutes `${name}` placeholders from the variable view; an
// unresolved name is a configuration error.
func expand(tmpl string, vars VariableAccess) (string, error) {
	var missing string
	out := templateRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := vars.Get(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return fmt.Sprintf("%v", v)
	})
	if missing != "" {
		return "", newEngineErrorf(ErrHandlerConfig, "unresolved template variable %q", missing)
	}
	return out, nil
}

// InvokeHTTP performs the templated request with the descriptor's retry
// policy and writes extracted response values back as variables.
func (r *TopicRegistry) InvokeHTTP(ctx context.Context, spec *HTTPHandler, pc *ProcessContext) error {
	url, err := expand(spec.URL, pc.Vars)
	if err != nil {
		return err
	}
	body, err := expand(spec.Body, pc.Vars)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	for k, v := range spec.Headers {
		hv, err := expand(v, pc.Vars)
		if err != nil {
			return err
		}
		headers[k] = hv
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	retries := spec.MaxRetries
	if retries < 0 {
		retries = r.defaultRetries
	}
	backoff := spec.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(newEngineErrorf(ErrHandlerTransient, "http call to %s cancelled", url), ctx.Err())
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		payload, retry, err := r.doRequest(ctx, spec.Method, url, headers, body, timeout)
		if err == nil {
			return r.extract(spec, payload, pc)
		}
		lastErr = err
		r.logger.Warn("http handler attempt failed", "url", url, "attempt", attempt+1, "error", err)
		if !retry {
			return err
		}
	}
	return errors.Join(newEngineErrorf(ErrHandlerFatal, "http call to %s exhausted %d retries", url, retries), lastErr)
}

// doRequest returns the response body; retry reports whether the failure
// is transient (timeout or 5xx).
func (r *TopicRegistry) doRequest(ctx context.Context, method, url string, headers map[string]string, body string, timeout time.Duration) (payload []byte, retry bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, false, newEngineErrorf(ErrHandlerConfig, "bad request for %s: %s", url, err)
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, errors.Join(newEngineErrorf(ErrHandlerTransient, "http call to %s failed", url), err)
	}
	defer resp.Body.Close()
	payload, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, true, errors.Join(newEngineErrorf(ErrHandlerTransient, "reading response from %s", url), err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, true, newEngineErrorf(ErrHandlerTransient, "http %d from %s", resp.StatusCode, url)
	case resp.StatusCode >= 400:
		return nil, false, newEngineErrorf(ErrHandlerFatal, "http %d from %s", resp.StatusCode, url)
	}
	return payload, false, nil
}

// extract mines the response JSON with the descriptor's jq expressions.
func (r *TopicRegistry) extract(spec *HTTPHandler, payload []byte, pc *ProcessContext) error {
	if len(spec.Extract) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return errors.Join(newEngineErrorf(ErrHandlerFatal, "response is not JSON"), err)
	}
	for name, expr := range spec.Extract {
		q, err := gojq.Parse(expr)
		if err != nil {
			return newEngineErrorf(ErrHandlerConfig, "extract %s: %s", name, err)
		}
		iter := q.Run(doc)
		v, ok := iter.Next()
		if !ok || v == nil {
			continue // expression matched nothing, variable stays unset
		}
		if qerr, isErr := v.(error); isErr {
			return errors.Join(newEngineErrorf(ErrHandlerFatal, "extract %s failed", name), qerr)
		}
		if err := pc.Vars.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// memoryVars is the ephemeral variable bag used by the topic test
// operation and by script execution.
type memoryVars struct {
	mu   sync.Mutex
	vals map[string]any
}

func newMemoryVars(seed map[string]any) *memoryVars {
	vals := map[string]any{}
	for k, v := range seed {
		vals[k] = v
	}
	return &memoryVars{vals: vals}
}

func (m *memoryVars) Get(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[name]
	return v, ok
}

func (m *memoryVars) Set(name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[name] = value
	return nil
}

func (m *memoryVars) All() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.vals))
	for k, v := range m.vals {
		out[k] = v
	}
	return out
}

// TopicTrace is the would-be side effect report of a topic test run.
type TopicTrace struct {
	Topic     string         `json:"topic"`
	Variables map[string]any `json:"variables"`
	Err       string         `json:"error,omitempty"`
}

// Test runs a registered handler against an ephemeral variable bag and
// reports the resulting variables without touching any instance.
func (r *TopicRegistry) Test(ctx context.Context, topic string, vars map[string]any) (*TopicTrace, error) {
	if _, ok := r.Lookup(topic); !ok {
		return nil, newEngineErrorf(ErrNotFound, "topic %q is not registered", topic)
	}
	bag := newMemoryVars(vars)
	pc := &ProcessContext{InstanceID: "test", NodeID: "test", Vars: bag}
	trace := &TopicTrace{Topic: topic}
	if err := r.Invoke(ctx, topic, pc); err != nil {
		trace.Err = err.Error()
	}
	trace.Variables = bag.All()
	return trace, nil
}

var _ VariableAccess = (*memoryVars)(nil)
