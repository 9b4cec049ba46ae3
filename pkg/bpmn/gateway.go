package bpmn

import (
	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// exclusiveGateway takes the first outgoing flow whose guard holds, in
// definition order. The default flow is never evaluated; it is taken
// when nothing else matched. No default and no match is a dead end.
func (r *run) exclusiveGateway(tok *runtime.Token, node *model.FlowNode) error {
	chain := r.e.scopeChain(r.def, tok)
	for _, flow := range r.def.OutgoingFlows(node.ID) {
		if flow.Default {
			continue
		}
		ok, err := r.e.cond.evaluate(r.pi.ID, chain, flow.Condition)
		if err != nil {
			return err
		}
		if ok {
			f := flow
			r.q.push(flowCommand(tok, &f))
			return nil
		}
	}
	if def := r.def.DefaultFlow(node.ID); def != nil {
		r.q.push(flowCommand(tok, def))
		return nil
	}
	r.e.emit(r.pi.ID, node.ID, runtime.AuditDeadEnd, "", "")
	return newEngineErrorf(ErrDeadEnd, "gateway %s has no satisfied outgoing flow", node.ID)
}

// inclusiveGateway joins when it has multiple incoming flows, then
// splits down every satisfied outgoing flow.
func (r *run) inclusiveGateway(tok *runtime.Token, node *model.FlowNode) error {
	if len(r.def.IncomingFlows(node.ID)) > 1 {
		merged, joined, err := r.inclusiveJoin(tok, node)
		if err != nil {
			return err
		}
		if !joined {
			return nil // parked, a later arrival completes the join
		}
		tok = merged
	}
	return r.inclusiveSplit(tok, node)
}

func (r *run) inclusiveSplit(tok *runtime.Token, node *model.FlowNode) error {
	chain := r.e.scopeChain(r.def, tok)
	var taken []model.SequenceFlow
	for _, flow := range r.def.OutgoingFlows(node.ID) {
		if flow.Default {
			continue
		}
		ok, err := r.e.cond.evaluate(r.pi.ID, chain, flow.Condition)
		if err != nil {
			return err
		}
		if ok {
			taken = append(taken, flow)
		}
	}
	if len(taken) == 0 {
		if def := r.def.DefaultFlow(node.ID); def != nil {
			taken = append(taken, *def)
		}
	}
	if len(taken) == 0 {
		r.e.emit(r.pi.ID, node.ID, runtime.AuditDeadEnd, "", "")
		return newEngineErrorf(ErrDeadEnd, "inclusive gateway %s has no satisfied outgoing flow", node.ID)
	}
	r.forkFlows(tok, taken)
	return nil
}

// inclusiveJoin parks arrivals until no live token elsewhere in the
// instance can still reach the gateway, then merges the parked tokens
// into one. This is the standard reachability approximation of the
// inclusive merge.
func (r *run) inclusiveJoin(tok *runtime.Token, node *model.FlowNode) (*runtime.Token, bool, error) {
	if err := r.parkToken(tok, runtime.ResumeEventGate, "join:"+node.ID); err != nil {
		return nil, false, err
	}
	live, err := r.e.insts.LiveTokens(r.pi.ID)
	if err != nil {
		return nil, false, err
	}
	var parked []*runtime.Token
	for _, other := range live {
		if other.ResumeKey == "join:"+node.ID && other.NodeID == node.ID {
			parked = append(parked, other)
			continue
		}
		if r.canReach(other.NodeID, node.ID) {
			return nil, false, nil // someone may still arrive
		}
	}
	for _, p := range parked {
		if err := r.finishToken(p); err != nil {
			return nil, false, err
		}
	}
	merged := r.e.newToken(r.pi.ID, node.ID, tok.ScopePath)
	return merged, true, nil
}

// canReach walks the flow graph (iteratively, loops are fine) to decide
// whether target is reachable from the node a token currently occupies.
func (r *run) canReach(from, target string) bool {
	if from == target {
		return true
	}
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, flow := range r.def.OutgoingFlows(next) {
			if flow.Target == target {
				return true
			}
			if !seen[flow.Target] {
				seen[flow.Target] = true
				frontier = append(frontier, flow.Target)
			}
		}
	}
	return false
}

// parallelGateway consumes one token per incoming flow before emitting;
// with a single incoming flow it is a pure split.
func (r *run) parallelGateway(tok *runtime.Token, node *model.FlowNode) error {
	incoming := r.def.IncomingFlows(node.ID)
	if len(incoming) > 1 {
		if err := r.parkToken(tok, runtime.ResumeEventGate, "join:"+node.ID); err != nil {
			return err
		}
		waiting, err := r.e.insts.Tokens(r.pi.ID, runtime.TokenWaiting)
		if err != nil {
			return err
		}
		var parked []*runtime.Token
		for _, other := range waiting {
			if other.NodeID == node.ID && other.ResumeKey == "join:"+node.ID {
				parked = append(parked, other)
			}
		}
		if len(parked) < len(incoming) {
			return nil // join not complete yet
		}
		for _, p := range parked {
			if err := r.finishToken(p); err != nil {
				return err
			}
		}
		tok = r.e.newToken(r.pi.ID, node.ID, tok.ScopePath)
	}
	flows := r.def.OutgoingFlows(node.ID)
	if len(flows) == 0 {
		return newEngineErrorf(ErrDeadEnd, "parallel gateway %s has no outgoing flow", node.ID)
	}
	r.forkFlows(tok, flows)
	return nil
}

// eventBasedGateway registers a one-shot subscription per outgoing event
// and parks the gateway token; the first event to fire wins and the
// router cancels the rest.
func (r *run) eventBasedGateway(tok *runtime.Token, node *model.FlowNode) error {
	flows := r.def.OutgoingFlows(node.ID)
	if len(flows) == 0 {
		return newEngineErrorf(ErrDeadEnd, "event gateway %s has no outgoing flow", node.ID)
	}
	if err := r.parkToken(tok, runtime.ResumeEventGate, node.ID); err != nil {
		return err
	}
	for _, flow := range flows {
		target := r.def.NodeByID(flow.Target)
		if target == nil {
			return newEngineErrorf(ErrBadDefinition, "event gateway %s: flow %s targets unknown node", node.ID, flow.ID)
		}
		switch {
		case target.Kind == model.KindIntermediateCatchEvent && target.Event == model.EventMessage,
			target.Kind == model.KindReceiveTask:
			sub := &runtime.MessageSubscription{
				ID:         r.e.newID(),
				InstanceID: r.pi.ID,
				TokenID:    tok.ID,
				NodeID:     target.ID,
				Name:       target.MessageName,
				GatewayID:  node.ID,
				CreatedAt:  r.e.now(),
			}
			if err := r.e.subs.Save(sub); err != nil {
				return err
			}
		case target.Kind == model.KindIntermediateCatchEvent && target.Event == model.EventSignal:
			sub := &runtime.MessageSubscription{
				ID:         r.e.newID(),
				InstanceID: r.pi.ID,
				TokenID:    tok.ID,
				NodeID:     target.ID,
				Name:       target.SignalName,
				Signal:     true,
				GatewayID:  node.ID,
				CreatedAt:  r.e.now(),
			}
			if err := r.e.subs.Save(sub); err != nil {
				return err
			}
		case target.Kind == model.KindIntermediateCatchEvent && target.Event == model.EventTimer:
			due, err := r.e.resolveDue(target.TimerDuration)
			if err != nil {
				return err
			}
			job := &runtime.TimerJob{
				ID:         r.e.newID(),
				InstanceID: r.pi.ID,
				TokenID:    tok.ID,
				NodeID:     target.ID,
				Status:     runtime.TimerDuePending,
				DueAt:      due,
				CreatedAt:  r.e.now(),
			}
			if err := r.e.timers.Save(job); err != nil {
				return err
			}
		default:
			return newEngineErrorf(ErrBadDefinition,
				"event gateway %s: target %s is not a catch event", node.ID, target.ID)
		}
	}
	return nil
}
