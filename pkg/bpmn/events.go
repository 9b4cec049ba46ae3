package bpmn

import (
	"slices"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// saveSubscription parks a message or signal subscription for a token.
// Boundary subscriptions leave the token where it is; plain ones assume
// the caller parks it.
func (r *run) saveSubscription(tok *runtime.Token, node *model.FlowNode, signal, boundary bool) error {
	name := node.MessageName
	if signal {
		name = node.SignalName
	}
	if name == "" {
		return newEngineErrorf(ErrBadDefinition, "event %s has no message or signal name", node.ID)
	}
	sub := &runtime.MessageSubscription{
		ID:         r.e.newID(),
		InstanceID: r.pi.ID,
		TokenID:    tok.ID,
		NodeID:     node.ID,
		Name:       name,
		Signal:     signal,
		Boundary:   boundary,
		CreatedAt:  r.e.now(),
	}
	if !boundary && !signal {
		sub.CorrelationKey = r.correlationKey(tok)
	}
	return r.e.subs.Save(sub)
}

// correlationKey reads the conventional correlationKey variable; an
// unset variable leaves the subscription matching any key.
func (r *run) correlationKey(tok *runtime.Token) string {
	v, ok := r.e.varsFor(r.def, tok).Get("correlationKey")
	if !ok {
		return ""
	}
	if s, isString := v.(string); isString {
		return s
	}
	return ""
}

// parkForMessage suspends a receive task or message catch event.
func (r *run) parkForMessage(tok *runtime.Token, node *model.FlowNode, signal bool, _ string) error {
	if err := r.registerBoundaryEvents(tok, node); err != nil {
		return err
	}
	if err := r.saveSubscription(tok, node, signal, false); err != nil {
		return err
	}
	kind := runtime.ResumeMessage
	if signal {
		kind = runtime.ResumeSignal
	}
	return r.parkToken(tok, kind, node.ID)
}

// enterCatchEvent parks the token on an intermediate catch event.
func (r *run) enterCatchEvent(tok *runtime.Token, node *model.FlowNode) error {
	switch node.Event {
	case model.EventMessage:
		return r.parkForMessage(tok, node, false, "")
	case model.EventSignal:
		return r.parkForMessage(tok, node, true, "")
	case model.EventTimer:
		due, err := r.e.resolveDue(node.TimerDuration)
		if err != nil {
			return err
		}
		job := &runtime.TimerJob{
			ID:         r.e.newID(),
			InstanceID: r.pi.ID,
			TokenID:    tok.ID,
			NodeID:     node.ID,
			Status:     runtime.TimerDuePending,
			DueAt:      due,
			CreatedAt:  r.e.now(),
		}
		if err := r.e.timers.Save(job); err != nil {
			return err
		}
		return r.parkToken(tok, runtime.ResumeTimer, job.ID)
	}
	return newEngineErrorf(ErrUnsupported, "intermediate catch event %s with %s trigger", node.ID, node.Event)
}

// executeThrowEvent handles intermediate throw events.
func (r *run) executeThrowEvent(tok *runtime.Token, node *model.FlowNode) error {
	switch node.Event {
	case model.EventMessage:
		r.throwMessage(tok, node)
	case model.EventSignal:
		r.throwSignal(tok, node)
	case model.EventNone:
		// a none throw event is a pass-through marker
	default:
		return newEngineErrorf(ErrUnsupported, "intermediate throw event %s with %s trigger", node.ID, node.Event)
	}
	return r.takeOutgoing(tok, node)
}

// throwMessage dispatches the node's message after the instance lock is
// released; correlation uses the conventional correlationKey variable.
func (r *run) throwMessage(tok *runtime.Token, node *model.FlowNode) {
	name := node.MessageName
	key := r.correlationKey(tok)
	payload := r.e.varsFor(r.def, tok).All()
	r.e.emit(r.pi.ID, node.ID, runtime.AuditMessageThrown, "", name)
	r.defer_(func(e *Engine) {
		if err := e.SendMessage(name, key, payload); err != nil {
			e.logger.Warn("thrown message found no receiver", "message", name, "error", err)
		}
	})
}

func (r *run) throwSignal(tok *runtime.Token, node *model.FlowNode) {
	name := node.SignalName
	payload := r.e.varsFor(r.def, tok).All()
	r.e.emit(r.pi.ID, node.ID, runtime.AuditSignalThrown, "", name)
	r.defer_(func(e *Engine) {
		if err := e.BroadcastSignal(name, payload); err != nil {
			e.logger.Warn("signal broadcast failed", "signal", name, "error", err)
		}
	})
}

// executeEndEvent dispatches the end event variants.
func (r *run) executeEndEvent(tok *runtime.Token, node *model.FlowNode) error {
	switch node.Event {
	case model.EventMessage:
		r.throwMessage(tok, node)
		return r.endOfPath(tok, node)
	case model.EventNone:
		return r.endOfPath(tok, node)
	case model.EventError:
		r.e.emit(r.pi.ID, node.ID, runtime.AuditError, "", node.ErrorCode)
		return newProcessErrorf(node.ErrorCode, "error end event %s", node.ID)
	case model.EventTerminate:
		return r.terminate(tok, node)
	case model.EventCancel:
		return r.cancelTransaction(tok, node)
	case model.EventCompensation:
		if err := r.runCompensation(tok); err != nil {
			return err
		}
		return r.endOfPath(tok, node)
	}
	return newEngineErrorf(ErrUnsupported, "end event %s with %s trigger", node.ID, node.Event)
}

// endOfPath consumes the token; inside a subprocess it may complete the
// scope, at process root it may complete the instance.
func (r *run) endOfPath(tok *runtime.Token, node *model.FlowNode) error {
	scope := tok.ScopeID()
	if err := r.finishToken(tok); err != nil {
		return err
	}
	if scope != "" {
		return r.maybeExitScope(tok, scope)
	}
	live, err := r.e.insts.LiveTokens(r.pi.ID)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		r.e.emit(r.pi.ID, node.ID, runtime.AuditEnd, "", "")
	}
	return nil
}

// terminate cancels every token and ends the instance.
func (r *run) terminate(tok *runtime.Token, node *model.FlowNode) error {
	if err := r.finishToken(tok); err != nil {
		return err
	}
	if err := r.cancelScopeTokens("", nil); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, node.ID, runtime.AuditTerminate, "", "")
	if err := r.e.insts.SetState(r.pi.ID, runtime.InstanceTerminated, r.e.now()); err != nil {
		return err
	}
	r.pi.State = runtime.InstanceTerminated
	r.notifyParent(runtime.InstanceTerminated)
	return nil
}

// cancelTransaction handles a cancel end event inside a transaction
// subprocess: compensation handlers run, then the scope is cancelled and
// left through its cancel boundary when one exists.
func (r *run) cancelTransaction(tok *runtime.Token, node *model.FlowNode) error {
	scope := tok.ScopeID()
	scopeNode := r.def.NodeByID(scope)
	if scopeNode == nil || !scopeNode.Transaction {
		return newEngineErrorf(ErrBadDefinition, "cancel end event %s outside a transaction subprocess", node.ID)
	}
	if err := r.runCompensation(tok); err != nil {
		return err
	}
	if err := r.finishToken(tok); err != nil {
		return err
	}
	if err := r.cancelScopeTokens(scope, nil); err != nil {
		return err
	}
	// the cancel came from inside the scope; the parked host token goes
	// down with it
	if host, err := r.findScopeHost(scope); err == nil {
		if err := r.cancelToken(host, false); err != nil {
			return err
		}
	}
	for _, b := range r.def.BoundaryEvents(scope) {
		if b.Event != model.EventCancel {
			continue
		}
		r.e.emit(r.pi.ID, b.ID, runtime.AuditBoundaryFired, "", "")
		boundaryTok := r.e.newToken(r.pi.ID, b.ID, pathOfScope(r.def, scopeNode.Scope))
		return r.takeOutgoing(boundaryTok, &b)
	}
	return nil
}

// runCompensation fires the compensation boundary handlers of completed
// activities in the token's scope, most recently completed first.
func (r *run) runCompensation(tok *runtime.Token) error {
	events, err := r.e.audit.ByInstance(r.pi.ID)
	if err != nil {
		return err
	}
	scope := tok.ScopeID()
	var handlers []*model.FlowNode
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != runtime.AuditComplete {
			continue
		}
		activity := r.def.NodeByID(events[i].NodeID)
		if activity == nil || activity.Scope != scope {
			continue
		}
		for _, b := range r.def.BoundaryEvents(activity.ID) {
			if b.Event == model.EventCompensation {
				boundary := b
				handlers = append(handlers, &boundary)
			}
		}
	}
	for _, b := range handlers {
		r.e.emit(r.pi.ID, b.ID, runtime.AuditBoundaryFired, "", "compensation")
		compTok := r.e.newToken(r.pi.ID, b.ID, tok.ScopePath)
		if err := r.takeOutgoing(compTok, b); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage correlates a message: per matching instance the oldest
// subscription resumes (FIFO); an unmatched message that names a
// message start event creates a fresh instance of that process.
func (e *Engine) SendMessage(name, correlationKey string, payload map[string]any) error {
	subs, err := e.subs.ForMessage(name, correlationKey)
	if err != nil {
		return err
	}
	resumedInstances := map[string]bool{}
	resumed := false
	for _, sub := range subs {
		if resumedInstances[sub.InstanceID] {
			continue
		}
		resumedInstances[sub.InstanceID] = true
		resumed = true
		if err := e.fireSubscription(sub, payload); err != nil {
			e.logger.Error("message delivery failed", "message", name,
				"instance", sub.InstanceID, "error", err)
		}
	}
	if routed, err := e.routeMessageToEventSubProcesses(name, payload); err != nil {
		return err
	} else if routed {
		resumed = true
	}
	if resumed {
		return nil
	}
	return e.startByMessage(name, payload)
}

// routeMessageToEventSubProcesses triggers message-start event
// subprocesses of live instances.
func (e *Engine) routeMessageToEventSubProcesses(name string, payload map[string]any) (bool, error) {
	live, err := e.liveInstances()
	if err != nil {
		return false, err
	}
	routed := false
	for _, pi := range live {
		def, err := e.definitionFor(pi)
		if err != nil {
			continue
		}
		for _, node := range def.Nodes {
			if node.Kind != model.KindEventSubProcess {
				continue
			}
			for _, start := range def.StartEvents(node.ID, model.EventMessage) {
				if start.MessageName != name {
					continue
				}
				routed = true
				seed := []command{eventSubCommand(node.ID, start.ID, payload)}
				if err := e.runInstance(pi.ID, seed); err != nil {
					e.logger.Error("event subprocess trigger failed",
						"instance", pi.ID, "subprocess", node.ID, "error", err)
				}
			}
		}
	}
	return routed, nil
}

func (e *Engine) liveInstances() ([]*runtime.ProcessInstance, error) {
	waiting, err := e.insts.List(runtime.InstanceWaiting, "")
	if err != nil {
		return nil, err
	}
	running, err := e.insts.List(runtime.InstanceRunning, "")
	if err != nil {
		return nil, err
	}
	return append(waiting, running...), nil
}

// BroadcastSignal resumes every subscription listening on the signal.
func (e *Engine) BroadcastSignal(name string, payload map[string]any) error {
	subs, err := e.subs.ForSignal(name)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := e.fireSubscription(sub, payload); err != nil {
			e.logger.Error("signal delivery failed", "signal", name,
				"instance", sub.InstanceID, "error", err)
		}
	}
	return nil
}

// fireSubscription wakes the subscribed token inside its instance run.
func (e *Engine) fireSubscription(sub *runtime.MessageSubscription, payload map[string]any) error {
	tok, err := e.insts.GetToken(sub.TokenID)
	if err != nil || tok.State == runtime.TokenConsumed {
		// stale subscription, drop it
		return e.subs.Remove(sub.ID)
	}
	pi, err := e.insts.Get(sub.InstanceID)
	if err != nil {
		return err
	}
	if pi.State.Terminal() {
		return e.subs.Remove(sub.ID)
	}
	def, err := e.definitionFor(pi)
	if err != nil {
		return err
	}

	if err := e.subs.Remove(sub.ID); err != nil {
		return err
	}
	e.emit(sub.InstanceID, sub.NodeID, runtime.AuditMessageReceived, "", sub.Name)

	if err := e.applyPayload(def, tok, payload); err != nil {
		return err
	}

	var seed []command
	switch {
	case sub.Boundary:
		seed = []command{boundaryCommand(tok, sub.NodeID)}
	case sub.GatewayID != "":
		// first event wins, the rest of the gateway's arms are cancelled
		if err := e.cancelGatewayArms(tok, sub.GatewayID, sub.ID); err != nil {
			return err
		}
		tok.NodeID = sub.NodeID
		tok.State = runtime.TokenActive
		tok.ResumeKind = runtime.ResumeNone
		tok.ResumeKey = ""
		if err := e.insts.SaveToken(tok); err != nil {
			return err
		}
		seed = []command{completeCommand(tok)}
	default:
		tok.State = runtime.TokenActive
		tok.ResumeKind = runtime.ResumeNone
		tok.ResumeKey = ""
		if err := e.insts.SaveToken(tok); err != nil {
			return err
		}
		seed = []command{completeCommand(tok)}
	}
	return e.runInstance(sub.InstanceID, seed)
}

// applyPayload writes a message payload into the token's write scope.
func (e *Engine) applyPayload(def *model.ProcessDefinition, tok *runtime.Token, payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}
	vars := e.varsFor(def, tok)
	for name, value := range payload {
		if err := vars.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// cancelGatewayArms removes the sibling subscriptions and timers of an
// event-based gateway activation after one arm fired.
func (e *Engine) cancelGatewayArms(tok *runtime.Token, gatewayID, winner string) error {
	subs, err := e.subs.ByGateway(tok.ID, gatewayID)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if s.ID == winner {
			continue
		}
		if err := e.subs.Remove(s.ID); err != nil {
			return err
		}
	}
	jobs, err := e.timers.ByToken(tok.ID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := e.timers.Cancel(job.ID); err != nil {
			return err
		}
	}
	return nil
}

// startByMessage creates a new instance for a message start event.
func (e *Engine) startByMessage(name string, payload map[string]any) error {
	infos, err := e.defs.List()
	if err != nil {
		return err
	}
	// newest active version per process id wins
	for i := len(infos) - 1; i >= 0; i-- {
		if infos[i].Status != model.DefinitionActive {
			continue
		}
		def, err := e.defs.Get(infos[i].Key)
		if err != nil {
			continue
		}
		for _, start := range def.StartEvents("", model.EventMessage) {
			if start.MessageName != name {
				continue
			}
			_, err := e.StartInstance(infos[i].Key, payload, start.ID)
			return err
		}
	}
	return newEngineErrorf(ErrNotFound, "message %q matched no subscription and no message start event", name)
}

// startEventSubProcess places a token on the event subprocess start
// event; interrupting starts cancel the enclosing scope first.
func (r *run) startEventSubProcess(esp *model.FlowNode, start *model.FlowNode, payload map[string]any) error {
	if start.Interrupting() {
		if err := r.cancelScopeTokens(esp.Scope, nil); err != nil {
			return err
		}
	}
	path := append(slices.Clone(pathOfScope(r.def, esp.Scope)), esp.ID)
	tok := r.e.newToken(r.pi.ID, start.ID, path)
	if err := r.e.applyPayload(r.def, tok, payload); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, esp.ID, runtime.AuditSubprocessEntered, "", "")
	r.q.push(activityCommand(tok))
	return nil
}
