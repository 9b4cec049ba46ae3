// Package bpmn implements the process engine: token execution over
// deployed definitions, with all runtime state held in the RDF graph
// store and routing decisions evaluated as SPARQL against it.
package bpmn

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/bpmn/store"
	"github.com/spear-bpm/spear/pkg/rdf"
)

// Config is the engine's frozen startup configuration.
type Config struct {
	ScriptTasksEnabled    bool          `yaml:"script_tasks_enabled" env:"SPEAR_SCRIPT_TASKS_ENABLED" env-default:"false"`
	TimerPollInterval     time.Duration `yaml:"timer_poll_interval" env:"SPEAR_TIMER_POLL_INTERVAL" env-default:"1s"`
	TimerLeaseTTL         time.Duration `yaml:"timer_lease_ttl" env:"SPEAR_TIMER_LEASE_TTL" env-default:"60s"`
	TimerMaxAttempts      int           `yaml:"timer_max_attempts" env:"SPEAR_TIMER_MAX_ATTEMPTS" env-default:"3"`
	HandlerHTTPTimeout    time.Duration `yaml:"handler_http_default_timeout" env:"SPEAR_HANDLER_HTTP_TIMEOUT" env-default:"30s"`
	HandlerHTTPMaxRetries int           `yaml:"handler_http_max_retries" env:"SPEAR_HANDLER_HTTP_MAX_RETRIES" env-default:"0"`
	VariableMaxBytes      int           `yaml:"variable_max_bytes" env:"SPEAR_VARIABLE_MAX_BYTES" env-default:"1048576"`
	LockFairness          string        `yaml:"instance_lock_fairness" env:"SPEAR_LOCK_FAIRNESS" env-default:"fifo"`
	MaxConcurrentWorkers  int           `yaml:"max_concurrent_workers" env:"SPEAR_MAX_WORKERS" env-default:"8"`
}

// DefaultConfig returns the configuration the engine runs with when no
// options override it.
func DefaultConfig() Config {
	return Config{
		TimerPollInterval:    time.Second,
		TimerLeaseTTL:        time.Minute,
		TimerMaxAttempts:     3,
		HandlerHTTPTimeout:   30 * time.Second,
		VariableMaxBytes:     store.DefaultVariableMaxBytes,
		LockFairness:         "fifo",
		MaxConcurrentWorkers: 8,
	}
}

type Option func(*Engine)

func WithLogger(logger hclog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithConfig(conf Config) Option {
	return func(e *Engine) { e.conf = conf }
}

func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metricsReg = reg }
}

// WithClock replaces the engine's time source; tests use it to drive
// timers without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine wires the repositories, the topic registry, the condition
// evaluator and the timer poller into one process engine.
type Engine struct {
	logger     hclog.Logger
	conf       Config
	metricsReg prometheus.Registerer
	metrics    *engineMetrics
	now        func() time.Time

	store  *rdf.Store
	defs   *store.DefinitionRepo
	insts  *store.InstanceRepo
	vars   *store.VariableRepo
	tasks  *store.TaskRepo
	audit  *store.AuditRepo
	timers *store.TimerRepo
	subs   *store.SubscriptionRepo

	topics  *TopicRegistry
	cond    *conditionEvaluator
	scripts *scriptRunner

	seq      *snowflake.Node
	locks    *lockManager
	workerID string

	timerMgr *timerManager

	mu      sync.Mutex
	started bool
}

// NewEngine builds an engine on top of an opened graph store. Expired
// timer leases left over from a previous run are released immediately.
func NewEngine(st *rdf.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		conf:  DefaultConfig(),
		now:   time.Now,
		store: st,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = hclog.New(&hclog.LoggerOptions{Name: "spear", Level: hclog.Info})
	} else {
		e.logger = e.logger.Named("engine")
	}

	seq, err := snowflake.NewNode(int64(os.Getpid() % 1024))
	if err != nil {
		return nil, fmt.Errorf("sequence generator: %w", err)
	}
	e.seq = seq

	defs, err := store.NewDefinitionRepo(st)
	if err != nil {
		return nil, err
	}
	e.defs = defs
	e.insts = store.NewInstanceRepo(st)
	e.vars = store.NewVariableRepo(st, e.conf.VariableMaxBytes)
	e.tasks = store.NewTaskRepo(st)
	e.audit = store.NewAuditRepo(st)
	e.timers = store.NewTimerRepo(st)
	e.subs = store.NewSubscriptionRepo(st)

	e.topics = NewTopicRegistry(e.conf.HandlerHTTPTimeout, e.conf.HandlerHTTPMaxRetries, e.logger)
	e.cond = &conditionEvaluator{store: st}
	if e.conf.ScriptTasksEnabled {
		e.scripts = newScriptRunner(e.logger)
		e.logger.Warn("script task execution is enabled; scripts run with access to instance variables")
	}
	e.locks = newLockManager(e.conf.LockFairness != "unfair")
	e.metrics = newEngineMetrics(e.metricsReg)

	hostname, _ := os.Hostname()
	e.workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())

	if released, err := e.timers.ReleaseExpiredLeases(e.now()); err != nil {
		return nil, err
	} else if released > 0 {
		e.logger.Info("released stale timer leases from previous run", "count", released)
	}

	e.timerMgr = newTimerManager(e)
	return e, nil
}

// Topics exposes the topic handler registry.
func (e *Engine) Topics() *TopicRegistry { return e.topics }

// Store exposes the graph store for read-only query surfaces.
func (e *Engine) Store() *rdf.Store { return e.store }

// Start launches the timer poller. Safe to call once.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.timerMgr.start()
	e.logger.Info("engine started", "worker", e.workerID,
		"timer_poll", e.conf.TimerPollInterval, "lease_ttl", e.conf.TimerLeaseTTL)
}

// Stop halts the timer poller and snapshots every named graph.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		e.timerMgr.stop()
		e.started = false
	}
	if err := e.store.SaveAll(); err != nil {
		return err
	}
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) newID() string { return uuid.NewString() }

func (e *Engine) nextSeq() int64 { return e.seq.Generate().Int64() }

// emit appends one audit event under the caller-held instance lock.
func (e *Engine) emit(instanceID, nodeID, eventType, actor, details string) {
	if actor == "" {
		actor = runtime.SystemActor
	}
	ev := &runtime.AuditEvent{
		ID:         e.newID(),
		Seq:        e.nextSeq(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		Type:       eventType,
		Timestamp:  e.now(),
		Actor:      actor,
		Details:    details,
	}
	if err := e.audit.Append(ev); err != nil {
		e.logger.Error("audit append failed", "instance", instanceID, "event", eventType, "error", err)
	}
}

// definitionFor loads the definition an instance executes.
func (e *Engine) definitionFor(pi *runtime.ProcessInstance) (*model.ProcessDefinition, error) {
	return e.defs.Get(pi.DefinitionID)
}

// scopeChain computes the token's variable visibility, innermost first:
// the MI-local scope when the token is a loop iteration, then every
// enclosing subprocess that declares its own variable scope, then the
// instance scope.
func (e *Engine) scopeChain(def *model.ProcessDefinition, tok *runtime.Token) []rdf.Term {
	var chain []rdf.Term
	if tok.LoopIndex > 0 {
		chain = append(chain, store.TokenIRI(tok.ID))
	}
	for i := len(tok.ScopePath) - 1; i >= 0; i-- {
		scopeNode := def.NodeByID(tok.ScopePath[i])
		if scopeNode != nil && scopeNode.OwnVariableScope {
			chain = append(chain, store.ScopeIRI(tok.InstanceID, tok.ScopePath[i]))
		}
	}
	return append(chain, store.InstanceIRI(tok.InstanceID))
}

// writeScope picks where a plain variable write of this token lands: the
// innermost scope that isolates variables, or the instance scope.
func (e *Engine) writeScope(def *model.ProcessDefinition, tok *runtime.Token) rdf.Term {
	return e.scopeChain(def, tok)[0]
}

// tokenVars adapts a token's scope chain to the VariableAccess interface
// handlers and scripts work against.
type tokenVars struct {
	engine *Engine
	chain  []rdf.Term
	write  rdf.Term
}

func (e *Engine) varsFor(def *model.ProcessDefinition, tok *runtime.Token) *tokenVars {
	chain := e.scopeChain(def, tok)
	return &tokenVars{engine: e, chain: chain, write: chain[0]}
}

func (v *tokenVars) Get(name string) (any, bool) {
	t, ok, err := v.engine.vars.Get(v.chain, name)
	if err != nil || !ok {
		return nil, false
	}
	return t.Native(), true
}

func (v *tokenVars) Set(name string, value any) error {
	return v.engine.vars.Set(v.write, name, rdf.FromNative(value))
}

func (v *tokenVars) All() map[string]any {
	merged, err := v.engine.vars.All(v.chain)
	if err != nil {
		return nil
	}
	out := make(map[string]any, len(merged))
	for name, t := range merged {
		out[name] = t.Native()
	}
	return out
}

var _ VariableAccess = (*tokenVars)(nil)
