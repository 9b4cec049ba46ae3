package bpmn

import (
	"fmt"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/bpmn/store"
	"github.com/spear-bpm/spear/pkg/rdf"
	"github.com/spear-bpm/spear/pkg/rdf/sparql"
)

// DeployDefinition validates and stores a new process version, returning
// its definition key.
func (e *Engine) DeployDefinition(def *model.ProcessDefinition) (string, error) {
	key, err := e.defs.Deploy(def)
	if err != nil {
		return "", newEngineErrorf(ErrBadDefinition, "%s", err)
	}
	e.logger.Info("definition deployed", "key", key, "nodes", len(def.Nodes))
	return key, nil
}

// GetDefinition loads one deployed version by key.
func (e *Engine) GetDefinition(key string) (*model.ProcessDefinition, error) {
	def, err := e.defs.Get(key)
	if err != nil {
		return nil, newEngineErrorf(ErrNotFound, "%s", err)
	}
	return def, nil
}

// ListDefinitions returns every deployed version.
func (e *Engine) ListDefinitions() ([]store.DefinitionInfo, error) {
	return e.defs.List()
}

// RetireDefinition marks every version of a process retired; running
// instances continue, new starts are rejected.
func (e *Engine) RetireDefinition(processID string) error {
	if err := e.defs.Retire(processID); err != nil {
		return newEngineErrorf(ErrNotFound, "%s", err)
	}
	e.logger.Info("definition retired", "process", processID)
	return nil
}

func definitionKey(def *model.ProcessDefinition) string {
	return fmt.Sprintf("%s:%d", def.ID, def.Version)
}

// parentRef links a child instance back to the call activity that
// spawned it.
type parentRef struct {
	Instance string
	Token    string
	Node     string
}

// StartInstance creates and runs an instance of a deployed definition.
// startEventID selects a specific start event; empty picks the unique
// none start event at process root.
func (e *Engine) StartInstance(defKey string, variables map[string]any, startEventID string) (*runtime.ProcessInstance, error) {
	return e.startInstance(defKey, variables, startEventID, nil)
}

func (e *Engine) startInstance(defKey string, variables map[string]any, startEventID string, parent *parentRef) (*runtime.ProcessInstance, error) {
	def, err := e.defs.Get(defKey)
	if err != nil {
		return nil, newEngineErrorf(ErrNotFound, "%s", err)
	}
	if def.Status == model.DefinitionRetired {
		return nil, newEngineErrorf(ErrPreconditionFailed, "definition %s is retired", defKey)
	}
	if bad := unsupportedESPStart(def); bad != nil {
		created := e.now()
		pi := &runtime.ProcessInstance{
			ID:           e.newID(),
			DefinitionID: defKey,
			State:        runtime.InstanceError,
			CreatedAt:    created,
			UpdatedAt:    created,
		}
		if err := e.insts.Save(pi); err != nil {
			return nil, err
		}
		e.emit(pi.ID, bad.ID, runtime.AuditUnsupported, "",
			fmt.Sprintf("%s start event in event subprocess %s", bad.Event, bad.Scope))
		return nil, newEngineErrorf(ErrUnsupported, "event subprocess %s has a %s start event", bad.Scope, bad.Event)
	}

	var start *model.FlowNode
	if startEventID != "" {
		start = def.NodeByID(startEventID)
		if start == nil || start.Kind != model.KindStartEvent || start.Scope != "" {
			return nil, newEngineErrorf(ErrBadDefinition, "%s is not a root start event of %s", startEventID, defKey)
		}
	} else {
		starts := def.StartEvents("", model.EventNone)
		if len(starts) != 1 {
			return nil, newEngineErrorf(ErrBadDefinition,
				"definition %s needs exactly one none start event to start without a start event id, has %d", defKey, len(starts))
		}
		start = &starts[0]
	}

	now := e.now()
	pi := &runtime.ProcessInstance{
		ID:           e.newID(),
		DefinitionID: defKey,
		State:        runtime.InstanceRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if parent != nil {
		pi.ParentInstance = parent.Instance
		pi.ParentToken = parent.Token
		pi.ParentNode = parent.Node
	}
	if err := e.insts.Save(pi); err != nil {
		return nil, err
	}

	scope := store.InstanceIRI(pi.ID)
	for name, value := range variables {
		if err := e.vars.Set(scope, name, rdf.FromNative(value)); err != nil {
			return nil, err
		}
	}

	e.emit(pi.ID, start.ID, runtime.AuditStart, "", defKey)
	e.metrics.instancesStarted.Inc()

	tok := e.newToken(pi.ID, start.ID, nil)
	seed := []command{activityCommand(tok)}
	if jobs := rootESPTimerCommands(def); len(jobs) > 0 {
		for _, startNode := range jobs {
			due, err := e.resolveDue(startNode.TimerDuration)
			if err != nil {
				return nil, err
			}
			job := &runtime.TimerJob{
				ID:         e.newID(),
				InstanceID: pi.ID,
				NodeID:     startNode.ID,
				Status:     runtime.TimerDuePending,
				DueAt:      due,
				CreatedAt:  now,
			}
			if err := e.timers.Save(job); err != nil {
				return nil, err
			}
		}
	}
	if err := e.runInstance(pi.ID, seed); err != nil {
		return nil, err
	}
	return e.insts.Get(pi.ID)
}

// unsupportedESPStart scans every scope for an event subprocess start
// variant no router arms: signal, escalation and conditional starts have
// no trigger path, so an instance carrying one must not begin at all.
func unsupportedESPStart(def *model.ProcessDefinition) *model.FlowNode {
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Kind != model.KindStartEvent || n.Scope == "" {
			continue
		}
		owner := def.NodeByID(n.Scope)
		if owner == nil || owner.Kind != model.KindEventSubProcess {
			continue
		}
		switch n.Event {
		case model.EventSignal, model.EventEscalation, model.EventConditional:
			return n
		}
	}
	return nil
}

// rootESPTimerCommands lists the timer start events of root-level event
// subprocesses; they are armed when the instance starts.
func rootESPTimerCommands(def *model.ProcessDefinition) []model.FlowNode {
	var out []model.FlowNode
	for _, esp := range def.EventSubProcesses("") {
		out = append(out, def.StartEvents(esp.ID, model.EventTimer)...)
	}
	return out
}

// InstanceView is the external read model of one instance.
type InstanceView struct {
	Instance     *runtime.ProcessInstance `json:"instance"`
	CurrentNodes []string                 `json:"currentNodes,omitempty"`
	Variables    map[string]any           `json:"variables,omitempty"`
}

// GetInstance returns the instance with its live node positions and
// root-scope variables.
func (e *Engine) GetInstance(instanceID string) (*InstanceView, error) {
	pi, err := e.insts.Get(instanceID)
	if err != nil {
		return nil, newEngineErrorf(ErrNotFound, "%s", err)
	}
	live, err := e.insts.LiveTokens(instanceID)
	if err != nil {
		return nil, err
	}
	view := &InstanceView{Instance: pi}
	for _, tok := range live {
		view.CurrentNodes = append(view.CurrentNodes, tok.NodeID)
	}
	bound, err := e.vars.Scope(store.InstanceIRI(instanceID))
	if err != nil {
		return nil, err
	}
	if len(bound) > 0 {
		view.Variables = make(map[string]any, len(bound))
		for name, t := range bound {
			view.Variables[name] = t.Native()
		}
	}
	return view, nil
}

// ListInstances filters instances by state and definition key; empty
// filters match everything.
func (e *Engine) ListInstances(state runtime.InstanceState, definitionID string) ([]*runtime.ProcessInstance, error) {
	return e.insts.List(state, definitionID)
}

// StopInstance terminates a running instance: every live token is
// cancelled and the state goes to TERMINATED. Stopping a terminal
// instance is a no-op.
func (e *Engine) StopInstance(instanceID, reason string) error {
	return e.haltInstance(instanceID, reason, runtime.InstanceTerminated)
}

// CancelInstance is StopInstance with a CANCELLED end state, used when
// the halt is a business-level withdrawal rather than an operator stop.
func (e *Engine) CancelInstance(instanceID, reason string) error {
	return e.haltInstance(instanceID, reason, runtime.InstanceCancelled)
}

func (e *Engine) haltInstance(instanceID, reason string, state runtime.InstanceState) error {
	e.locks.Lock(instanceID)
	r, err := e.haltLocked(instanceID, reason, state)
	e.locks.Unlock(instanceID)
	if err != nil {
		return err
	}
	if r != nil {
		for _, fn := range r.outbox {
			fn(e)
		}
	}
	return nil
}

func (e *Engine) haltLocked(instanceID, reason string, state runtime.InstanceState) (*run, error) {
	pi, err := e.insts.Get(instanceID)
	if err != nil {
		return nil, newEngineErrorf(ErrNotFound, "%s", err)
	}
	if pi.State.Terminal() {
		return nil, nil // idempotent
	}
	def, err := e.definitionFor(pi)
	if err != nil {
		return nil, err
	}
	r := &run{e: e, pi: pi, def: def}
	if err := r.cancelScopeTokens("", nil); err != nil {
		return nil, err
	}
	e.emit(instanceID, "", runtime.AuditTerminate, "", reason)
	if err := e.insts.SetState(instanceID, state, e.now()); err != nil {
		return nil, err
	}
	pi.State = state
	r.notifyParent(state)
	return r, nil
}

// ThrowError injects a process error into a running instance at its
// first live token; escalation routes it like any activity failure.
func (e *Engine) ThrowError(instanceID, code, message string) error {
	pi, err := e.insts.Get(instanceID)
	if err != nil {
		return newEngineErrorf(ErrNotFound, "%s", err)
	}
	if pi.State.Terminal() {
		return newEngineErrorf(ErrPreconditionFailed, "instance %s is %s", instanceID, pi.State)
	}
	live, err := e.insts.LiveTokens(instanceID)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return newEngineErrorf(ErrPreconditionFailed, "instance %s has no live token", instanceID)
	}
	// deepest scope first so the innermost handler sees the error
	target := live[0]
	for _, tok := range live[1:] {
		if len(tok.ScopePath) > len(target.ScopePath) {
			target = tok
		}
	}
	return e.runInstance(instanceID, []command{errorCommand(target, newProcessErrorf(code, "%s", message))})
}

// SetVariable writes one instance-scope variable.
func (e *Engine) SetVariable(instanceID, name string, value any) error {
	if _, err := e.insts.Get(instanceID); err != nil {
		return newEngineErrorf(ErrNotFound, "%s", err)
	}
	return e.vars.Set(store.InstanceIRI(instanceID), name, rdf.FromNative(value))
}

// GetVariable reads one instance-scope variable.
func (e *Engine) GetVariable(instanceID, name string) (any, bool, error) {
	v, ok, err := e.vars.Get([]rdf.Term{store.InstanceIRI(instanceID)}, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return v.Native(), true, nil
}

// GetAuditTrail returns the instance's audit events in sequence order.
func (e *Engine) GetAuditTrail(instanceID string) ([]*runtime.AuditEvent, error) {
	return e.audit.ByInstance(instanceID)
}

// QueryResult carries the outcome of an ad-hoc read query; exactly one
// of the fields is populated, matching the query form.
type QueryResult struct {
	Bindings []sparql.Binding `json:"bindings,omitempty"`
	Ask      *bool            `json:"ask,omitempty"`
	Triples  []rdf.Triple     `json:"triples,omitempty"`
}

// QueryGraph runs a read-only SELECT, ASK or CONSTRUCT against one named
// graph.
func (e *Engine) QueryGraph(graph rdf.GraphName, text string) (*QueryResult, error) {
	q, err := sparql.Parse(text)
	if err != nil {
		return nil, newEngineErrorf(ErrPreconditionFailed, "query: %s", err)
	}
	out := &QueryResult{}
	err = e.store.View(graph, func(g *rdf.Graph) error {
		switch q.Form {
		case sparql.FormAsk:
			ok, askErr := sparql.Ask(g, q)
			if askErr != nil {
				return askErr
			}
			out.Ask = &ok
		case sparql.FormConstruct:
			triples, cErr := sparql.Construct(g, q)
			if cErr != nil {
				return cErr
			}
			out.Triples = triples
		default:
			bindings, sErr := sparql.Select(g, q)
			if sErr != nil {
				return sErr
			}
			out.Bindings = bindings
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
