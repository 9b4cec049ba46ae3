package bpmn

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// run is one locked execution pass over a single instance. Commands
// drain FIFO; anything that must touch another instance (message
// delivery, child start, parent notification) is deferred to the outbox
// and performed after the instance lock is released, which keeps lock
// acquisition strictly one-instance-at-a-time.
type run struct {
	e   *Engine
	pi  *runtime.ProcessInstance
	def *model.ProcessDefinition
	q   commandQueue

	outbox []func(e *Engine)
}

func (r *run) defer_(fn func(e *Engine)) {
	r.outbox = append(r.outbox, fn)
}

// runInstance drains the given seed commands (nil seeds every ACTIVE
// token) under the instance lock, then executes the deferred
// cross-instance work.
func (e *Engine) runInstance(instanceID string, seed []command) error {
	e.locks.Lock(instanceID)
	r, err := e.runLocked(instanceID, seed)
	e.locks.Unlock(instanceID)
	if err != nil {
		return err
	}
	for _, fn := range r.outbox {
		fn(e)
	}
	return nil
}

func (e *Engine) runLocked(instanceID string, seed []command) (*run, error) {
	pi, err := e.insts.Get(instanceID)
	if err != nil {
		return nil, newEngineErrorf(ErrNotFound, "instance %s", instanceID)
	}
	def, err := e.definitionFor(pi)
	if err != nil {
		return nil, err
	}
	r := &run{e: e, pi: pi, def: def}
	if seed == nil {
		active, err := e.insts.Tokens(instanceID, runtime.TokenActive)
		if err != nil {
			return nil, err
		}
		for _, tok := range active {
			r.q.push(activityCommand(tok))
		}
	} else {
		r.q.push(seed...)
	}
	r.drain()
	return r, r.settle()
}

func (r *run) drain() {
	for {
		cmd, ok := r.q.pop()
		if !ok {
			return
		}
		if r.pi.State.Terminal() {
			return
		}
		// a queued command may refer to a token that was cancelled in the
		// meantime (interrupting boundary, completion condition)
		if cmd.token != nil && cmd.kind != cmdError {
			current, err := r.e.insts.GetToken(cmd.token.ID)
			if err != nil || current.State == runtime.TokenConsumed {
				continue
			}
		}
		var err error
		switch cmd.kind {
		case cmdActivity:
			err = r.handleActivity(cmd.token)
		case cmdFlow:
			err = r.handleFlow(cmd.token, cmd.flow)
		case cmdComplete:
			err = r.handleComplete(cmd.token)
		case cmdBoundary:
			err = r.handleBoundary(cmd.token, cmd.nodeID)
		case cmdEventSub:
			err = r.handleEventSub(cmd.espID, cmd.nodeID, cmd.payload)
		case cmdError:
			r.escalate(cmd.token, cmd.err)
			continue
		}
		if err != nil {
			r.escalate(cmd.token, err)
		}
	}
}

// settle recomputes the instance state after the queue drained: WAITING
// when parked tokens remain, RUNNING only transiently, COMPLETED when an
// end event consumed the last token.
func (r *run) settle() error {
	if r.pi.State.Terminal() {
		return nil
	}
	live, err := r.e.insts.LiveTokens(r.pi.ID)
	if err != nil {
		return err
	}
	state := runtime.InstanceWaiting
	if len(live) == 0 {
		state = runtime.InstanceCompleted
	}
	if state == runtime.InstanceCompleted && r.pi.State != runtime.InstanceCompleted {
		r.e.metrics.instancesCompleted.Inc()
	}
	if err := r.e.insts.SetState(r.pi.ID, state, r.e.now()); err != nil {
		return err
	}
	r.pi.State = state
	if state == runtime.InstanceCompleted {
		r.notifyParent(runtime.InstanceCompleted)
	}
	return nil
}

// notifyParent defers the call-activity completion callback when this
// instance was started by one.
func (r *run) notifyParent(state runtime.InstanceState) {
	if r.pi.ParentInstance == "" {
		return
	}
	parent, tokID, child := r.pi.ParentInstance, r.pi.ParentToken, r.pi.ID
	r.defer_(func(e *Engine) {
		if err := e.childFinished(parent, tokID, child, state); err != nil {
			e.logger.Error("child completion callback failed",
				"parent", parent, "child", child, "error", err)
		}
	})
}

// handleFlow takes one sequence flow: TAKE audit, take listeners, move.
func (r *run) handleFlow(tok *runtime.Token, flow *model.SequenceFlow) error {
	r.e.emit(r.pi.ID, flow.ID, runtime.AuditTake, "", "")
	if err := r.runListeners(tok, flow.Listeners, model.ListenerTake, flow.ID); err != nil {
		return err
	}
	tok.NodeID = flow.Target
	tok.State = runtime.TokenActive
	if err := r.e.insts.SaveToken(tok); err != nil {
		return err
	}
	r.q.push(activityCommand(tok))
	return nil
}

// handleActivity executes the node the token sits on.
func (r *run) handleActivity(tok *runtime.Token) error {
	started := time.Now()
	defer func() {
		r.e.metrics.tokensExecuted.Inc()
		r.e.metrics.stepDuration.Observe(time.Since(started).Seconds())
	}()

	node := r.def.NodeByID(tok.NodeID)
	if node == nil {
		return newEngineErrorf(ErrBadDefinition, "token %s points at unknown node %s", tok.ID, tok.NodeID)
	}

	// multi-instance activities expand before the body executes
	if node.Loop != nil && node.IsActivity() && tok.MIGroup == "" {
		return r.enterMultiInstance(tok, node)
	}

	switch node.Kind {
	case model.KindStartEvent:
		return r.takeOutgoing(tok, node)

	case model.KindServiceTask, model.KindSendTask:
		return r.executeServiceTask(tok, node)

	case model.KindManualTask:
		if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerStart, node.ID); err != nil {
			return err
		}
		r.e.emit(r.pi.ID, node.ID, runtime.AuditManualComplete, "", "")
		if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerEnd, node.ID); err != nil {
			return err
		}
		return r.completeActivity(tok, node)

	case model.KindScriptTask:
		return r.executeScriptTask(tok, node)

	case model.KindUserTask:
		return r.enterUserTask(tok, node)

	case model.KindReceiveTask:
		return r.parkForMessage(tok, node, false, "")

	case model.KindIntermediateCatchEvent:
		return r.enterCatchEvent(tok, node)

	case model.KindIntermediateThrowEvent:
		return r.executeThrowEvent(tok, node)

	case model.KindExclusiveGateway:
		return r.exclusiveGateway(tok, node)

	case model.KindInclusiveGateway:
		return r.inclusiveGateway(tok, node)

	case model.KindParallelGateway:
		return r.parallelGateway(tok, node)

	case model.KindEventBasedGateway:
		return r.eventBasedGateway(tok, node)

	case model.KindSubProcess:
		return r.enterSubProcess(tok, node)

	case model.KindCallActivity:
		return r.enterCallActivity(tok, node)

	case model.KindEndEvent:
		return r.executeEndEvent(tok, node)

	case model.KindEventSubProcess:
		// only the router places tokens here
		return newEngineErrorf(ErrBadDefinition, "event subprocess %s entered by sequence flow", node.ID)

	case model.KindBoundaryEvent:
		// boundary tokens are spawned directly on the outgoing flow
		return newEngineErrorf(ErrBadDefinition, "boundary event %s entered by sequence flow", node.ID)
	}
	return newEngineErrorf(ErrUnsupported, "node kind %s (%s)", node.Kind, node.ID)
}

// handleComplete finishes the activity the token sits on: end listeners
// run, then the activity completes normally.
func (r *run) handleComplete(tok *runtime.Token) error {
	node := r.def.NodeByID(tok.NodeID)
	if node == nil {
		return newEngineErrorf(ErrBadDefinition, "token %s points at unknown node %s", tok.ID, tok.NodeID)
	}
	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerEnd, node.ID); err != nil {
		return err
	}
	return r.completeActivity(tok, node)
}

// handleBoundary fires a non-error boundary event against its host's
// token.
func (r *run) handleBoundary(tok *runtime.Token, boundaryID string) error {
	boundary := r.def.NodeByID(boundaryID)
	if boundary == nil || boundary.Kind != model.KindBoundaryEvent {
		return newEngineErrorf(ErrBadDefinition, "unknown boundary event %s", boundaryID)
	}
	current, err := r.e.insts.GetToken(tok.ID)
	if err != nil || current.State == runtime.TokenConsumed {
		return nil // activity already finished, trigger is stale
	}
	r.e.emit(r.pi.ID, boundary.ID, runtime.AuditBoundaryFired, "", "")
	_, err = r.fireBoundary(current, boundary)
	return err
}

// handleEventSub routes a trigger into an event subprocess.
func (r *run) handleEventSub(espID, startID string, payload map[string]any) error {
	esp := r.def.NodeByID(espID)
	start := r.def.NodeByID(startID)
	if esp == nil || start == nil {
		return newEngineErrorf(ErrBadDefinition, "unknown event subprocess %s / start %s", espID, startID)
	}
	return r.startEventSubProcess(esp, start, payload)
}

// takeOutgoing leaves a node over all its outgoing flows. A node with
// several unconditional outgoing flows is an implicit parallel split.
func (r *run) takeOutgoing(tok *runtime.Token, node *model.FlowNode) error {
	flows := r.def.OutgoingFlows(node.ID)
	if len(flows) == 0 {
		// implicit end
		return r.finishToken(tok)
	}
	r.forkFlows(tok, flows)
	return nil
}

// forkFlows routes the token down each flow, reusing its identity for
// the first and spawning siblings for the rest.
func (r *run) forkFlows(tok *runtime.Token, flows []model.SequenceFlow) {
	for i := range flows {
		target := tok
		if i > 0 {
			target = r.e.newToken(r.pi.ID, tok.NodeID, tok.ScopePath)
		}
		r.q.push(flowCommand(target, &flows[i]))
	}
}

// completeActivity finishes an activity body: boundary registrations are
// withdrawn, COMPLETE is audited, MI iterations report to their group,
// everything else takes the outgoing flows.
func (r *run) completeActivity(tok *runtime.Token, node *model.FlowNode) error {
	if err := r.cancelTokenRegistrations(tok); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, node.ID, runtime.AuditComplete, "", "")
	if tok.MIGroup != "" && node.Loop != nil {
		return r.completeIteration(tok, node)
	}
	return r.takeOutgoing(tok, node)
}

// finishToken consumes a token outside an end event (implicit end or
// cancelled path).
func (r *run) finishToken(tok *runtime.Token) error {
	tok.State = runtime.TokenConsumed
	return r.e.insts.SaveToken(tok)
}

// newToken mints an ACTIVE token and persists it.
func (e *Engine) newToken(instanceID, nodeID string, scopePath []string) *runtime.Token {
	tok := &runtime.Token{
		ID:         e.newID(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		State:      runtime.TokenActive,
		ScopePath:  slices.Clone(scopePath),
	}
	if err := e.insts.SaveToken(tok); err != nil {
		e.logger.Error("token save failed", "token", tok.ID, "error", err)
	}
	return tok
}

// parkToken persists the token as WAITING with its resume bookkeeping.
func (r *run) parkToken(tok *runtime.Token, kind runtime.ResumeKind, key string) error {
	tok.State = runtime.TokenWaiting
	tok.ResumeKind = kind
	tok.ResumeKey = key
	return r.e.insts.SaveToken(tok)
}

// cancelTokenRegistrations removes the subscriptions and timer jobs
// parked on a token, including boundary registrations of its activity.
func (r *run) cancelTokenRegistrations(tok *runtime.Token) error {
	subs, err := r.e.subs.ByToken(tok.ID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := r.e.subs.Remove(sub.ID); err != nil {
			return err
		}
	}
	jobs, err := r.e.timers.ByToken(tok.ID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := r.e.timers.Cancel(job.ID); err != nil {
			return err
		}
	}
	return nil
}

// cancelToken withdraws a live token: registrations, pending user task,
// then the token itself.
func (r *run) cancelToken(tok *runtime.Token, audit bool) error {
	if tok.State == runtime.TokenConsumed {
		return nil
	}
	if err := r.cancelTokenRegistrations(tok); err != nil {
		return err
	}
	if tok.ResumeKind == runtime.ResumeUserTask && tok.ResumeKey != "" {
		if err := r.e.tasks.Cancel(tok.ResumeKey); err != nil {
			return err
		}
	}
	if audit {
		r.e.emit(r.pi.ID, tok.NodeID, runtime.AuditCancelActivity, "", "")
	}
	return r.finishToken(tok)
}

// cancelScopeTokens cancels every live token inside the given scope.
// An empty scope cancels everything in the instance.
func (r *run) cancelScopeTokens(scope string, except *runtime.Token) error {
	live, err := r.e.insts.LiveTokens(r.pi.ID)
	if err != nil {
		return err
	}
	for _, tok := range live {
		if except != nil && tok.ID == except.ID {
			continue
		}
		if scope != "" && !slices.Contains(tok.ScopePath, scope) {
			continue
		}
		if err := r.cancelToken(tok, true); err != nil {
			return err
		}
	}
	return nil
}

// escalate implements failure escalation: innermost matching error
// boundary or error event subprocess wins; otherwise the instance goes
// to ERROR.
func (r *run) escalate(tok *runtime.Token, failure error) {
	kind := KindOf(failure)
	code := CodeOf(failure)
	r.e.metrics.handlerFailures.WithLabelValues(string(kind)).Inc()
	r.e.logger.Warn("node execution failed", "instance", r.pi.ID,
		"node", tok.NodeID, "kind", kind, "code", code, "error", failure)

	if handled, err := r.routeError(tok, code, failure); err != nil {
		r.failInstance(tok, fmt.Sprintf("error routing failed: %s", err))
		return
	} else if handled {
		return
	}
	r.failInstance(tok, failure.Error())
}

// routeError searches the failing node and its enclosing scopes for an
// error handler. It returns true when a handler took over.
func (r *run) routeError(tok *runtime.Token, code string, failure error) (bool, error) {
	// boundary on the failing activity itself
	if handled, err := r.tryErrorBoundary(tok, tok.NodeID, code, tok.ScopePath); handled || err != nil {
		return handled, err
	}
	// walk enclosing subprocess scopes innermost to outermost
	for i := len(tok.ScopePath) - 1; i >= 0; i-- {
		scopeID := tok.ScopePath[i]
		outerPath := tok.ScopePath[:i]
		if handled, err := r.tryErrorEventSubProcess(tok, scopeID, code); handled || err != nil {
			return handled, err
		}
		if handled, err := r.tryErrorBoundary(tok, scopeID, code, outerPath); handled || err != nil {
			return handled, err
		}
	}
	return r.tryErrorEventSubProcess(tok, "", code)
}

// tryErrorBoundary fires a matching interrupting error boundary attached
// to the given activity: the activity's scope is cancelled and a new
// token leaves through the boundary.
func (r *run) tryErrorBoundary(tok *runtime.Token, activityID, code string, boundaryPath []string) (bool, error) {
	for _, b := range r.def.BoundaryEvents(activityID) {
		if b.Event != model.EventError {
			continue
		}
		if b.ErrorCode != "" && b.ErrorCode != code {
			continue
		}
		r.e.emit(r.pi.ID, b.ID, runtime.AuditBoundaryFired, "", code)
		if activity := r.def.NodeByID(activityID); activity != nil && activity.Kind == model.KindSubProcess {
			if err := r.cancelScopeTokens(activityID, nil); err != nil {
				return false, err
			}
			// the escalation came from inside the scope; the parked host
			// token goes down with it
			if host, err := r.findScopeHost(activityID); err == nil {
				if err := r.cancelToken(host, false); err != nil {
					return false, err
				}
			}
		}
		if err := r.cancelToken(tok, true); err != nil {
			return false, err
		}
		boundaryTok := r.e.newToken(r.pi.ID, b.ID, boundaryPath)
		if err := r.takeOutgoing(boundaryTok, &b); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// tryErrorEventSubProcess routes the failure into an error-start event
// subprocess declared in the given scope.
func (r *run) tryErrorEventSubProcess(tok *runtime.Token, scopeID, code string) (bool, error) {
	for _, esp := range r.def.EventSubProcesses(scopeID) {
		starts := r.def.StartEvents(esp.ID, model.EventError)
		for _, start := range starts {
			if start.ErrorCode != "" && start.ErrorCode != code {
				continue
			}
			r.e.emit(r.pi.ID, esp.ID, runtime.AuditBoundaryFired, "", code)
			if start.Interrupting() {
				if err := r.cancelScopeTokens(scopeID, nil); err != nil {
					return false, err
				}
			}
			if err := r.cancelToken(tok, true); err != nil {
				return false, err
			}
			path := append(slices.Clone(pathOfScope(r.def, scopeID)), esp.ID)
			espTok := r.e.newToken(r.pi.ID, start.ID, path)
			r.q.push(activityCommand(espTok))
			return true, nil
		}
	}
	return false, nil
}

// failInstance cancels everything and parks the instance in ERROR.
func (r *run) failInstance(tok *runtime.Token, detail string) {
	r.e.emit(r.pi.ID, tok.NodeID, runtime.AuditError, "", detail)
	if err := r.cancelScopeTokens("", nil); err != nil {
		r.e.logger.Error("cancel on failure", "instance", r.pi.ID, "error", err)
	}
	if err := r.e.insts.SetState(r.pi.ID, runtime.InstanceError, r.e.now()); err != nil {
		r.e.logger.Error("set ERROR state", "instance", r.pi.ID, "error", err)
	}
	r.pi.State = runtime.InstanceError
	r.e.metrics.instancesFailed.Inc()
	r.notifyParent(runtime.InstanceError)
}

// pathOfScope reconstructs the scope path from process root down to (and
// including) the given scope node.
func pathOfScope(def *model.ProcessDefinition, scopeID string) []string {
	if scopeID == "" {
		return nil
	}
	var path []string
	for id := scopeID; id != ""; {
		path = append([]string{id}, path...)
		node := def.NodeByID(id)
		if node == nil {
			break
		}
		id = node.Scope
	}
	return path
}

// runListeners invokes the listeners registered for one event. Listener
// failure is audited and escalates exactly like a failure of the host
// activity.
func (r *run) runListeners(tok *runtime.Token, listeners []model.Listener, event model.ListenerEvent, nodeID string) error {
	for _, l := range listeners {
		if l.Event != event {
			continue
		}
		name := l.HandlerName()
		if name == "" {
			continue
		}
		if _, ok := r.e.topics.Lookup(name); !ok {
			// class / delegateExpression entries are stored verbatim and
			// only fire when a matching handler is registered
			continue
		}
		pc := &ProcessContext{InstanceID: r.pi.ID, NodeID: nodeID, Vars: r.e.varsFor(r.def, tok)}
		if err := r.e.topics.Invoke(context.Background(), name, pc); err != nil {
			r.e.emit(r.pi.ID, nodeID, runtime.AuditListenerFailed, "", fmt.Sprintf("%s: %s", name, err))
			return err
		}
	}
	return nil
}
