package bpmn

import (
	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/bpmn/store"
)

// enterCallActivity parks the token and starts the called process after
// the lock drops. InVariables filters what the child receives; an empty
// list passes everything visible to the token.
func (r *run) enterCallActivity(tok *runtime.Token, node *model.FlowNode) error {
	if err := r.registerBoundaryEvents(tok, node); err != nil {
		return err
	}
	if fired, err := r.fireDueBoundaryTimers(tok); err != nil || fired {
		return err
	}
	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerStart, node.ID); err != nil {
		return err
	}

	visible := r.e.varsFor(r.def, tok).All()
	payload := visible
	if len(node.InVariables) > 0 {
		payload = make(map[string]any, len(node.InVariables))
		for _, name := range node.InVariables {
			if v, ok := visible[name]; ok {
				payload[name] = v
			}
		}
	}

	if err := r.parkToken(tok, runtime.ResumeChild, node.CalledElement); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, node.ID, runtime.AuditCallStarted, "", node.CalledElement)

	parentInstance, parentToken, parentNode := r.pi.ID, tok.ID, node.ID
	called := node.CalledElement
	r.defer_(func(e *Engine) {
		if err := e.startCalledProcess(called, payload, parentInstance, parentToken, parentNode); err != nil {
			e.logger.Error("called process start failed",
				"parent", parentInstance, "process", called, "error", err)
			if failErr := e.failCallActivity(parentInstance, parentToken, err); failErr != nil {
				e.logger.Error("call activity failure escalation failed",
					"parent", parentInstance, "error", failErr)
			}
		}
	})
	return nil
}

// startCalledProcess launches the latest active version of the called
// process with parent linkage.
func (e *Engine) startCalledProcess(processID string, payload map[string]any, parentInstance, parentToken, parentNode string) error {
	def, err := e.defs.Latest(processID)
	if err != nil {
		return newEngineErrorf(ErrNotFound, "called process %s: %s", processID, err)
	}
	_, err = e.startInstance(definitionKey(def), payload, "", &parentRef{
		Instance: parentInstance,
		Token:    parentToken,
		Node:     parentNode,
	})
	return err
}

// failCallActivity escalates a child-start failure at the parked call
// activity token.
func (e *Engine) failCallActivity(parentInstance, parentToken string, cause error) error {
	tok, err := e.insts.GetToken(parentToken)
	if err != nil || tok.State == runtime.TokenConsumed {
		return err
	}
	tok.State = runtime.TokenActive
	tok.ResumeKind = runtime.ResumeNone
	tok.ResumeKey = ""
	if err := e.insts.SaveToken(tok); err != nil {
		return err
	}
	return e.runInstance(parentInstance, []command{errorCommand(tok, cause)})
}

// childFinished resumes the parent's call activity when a child instance
// reaches a terminal state. A completed child maps its variables back
// through OutVariables; anything else escalates at the call activity.
func (e *Engine) childFinished(parentInstance, parentToken, childInstance string, state runtime.InstanceState) error {
	tok, err := e.insts.GetToken(parentToken)
	if err != nil {
		return newEngineErrorf(ErrNotFound, "call activity token %s: %s", parentToken, err)
	}
	if tok.State == runtime.TokenConsumed || tok.ResumeKind != runtime.ResumeChild {
		return nil // parent moved on (boundary fired, scope cancelled)
	}
	pi, err := e.insts.Get(parentInstance)
	if err != nil {
		return err
	}
	if pi.State.Terminal() {
		return nil
	}
	def, err := e.definitionFor(pi)
	if err != nil {
		return err
	}
	node := def.NodeByID(tok.NodeID)
	if node == nil {
		return newEngineErrorf(ErrBadDefinition, "call activity token %s points at unknown node %s", tok.ID, tok.NodeID)
	}

	if state != runtime.InstanceCompleted {
		tok.State = runtime.TokenActive
		tok.ResumeKind = runtime.ResumeNone
		tok.ResumeKey = ""
		if err := e.insts.SaveToken(tok); err != nil {
			return err
		}
		cause := newEngineErrorf(ErrHandlerFatal, "called process instance %s ended %s", childInstance, state)
		return e.runInstance(parentInstance, []command{errorCommand(tok, cause)})
	}

	dst := e.writeScope(def, tok)
	if err := e.vars.CopyVars(store.InstanceIRI(childInstance), dst, node.OutVariables); err != nil {
		return err
	}
	e.emit(parentInstance, node.ID, runtime.AuditCallCompleted, "", childInstance)

	tok.State = runtime.TokenActive
	tok.ResumeKind = runtime.ResumeNone
	tok.ResumeKey = ""
	if err := e.insts.SaveToken(tok); err != nil {
		return err
	}
	return e.runInstance(parentInstance, []command{completeCommand(tok)})
}
