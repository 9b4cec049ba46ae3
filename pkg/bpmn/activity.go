package bpmn

import (
	"context"
	"time"

	"github.com/senseyeio/duration"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// executeServiceTask runs a service or send task: boundary events are
// armed first, then the topic handler runs synchronously (or the token
// parks for an async HTTP handler), then the activity completes.
func (r *run) executeServiceTask(tok *runtime.Token, node *model.FlowNode) error {
	if err := r.registerBoundaryEvents(tok, node); err != nil {
		return err
	}
	if fired, err := r.fireDueBoundaryTimers(tok); err != nil || fired {
		return err
	}
	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerStart, node.ID); err != nil {
		return err
	}

	if node.Topic != "" {
		h, ok := r.e.topics.Lookup(node.Topic)
		if !ok {
			return newEngineErrorf(ErrHandlerConfig, "no handler registered for topic %q (node %s)", node.Topic, node.ID)
		}
		if h.HTTP != nil && h.HTTP.Async {
			return r.parkForCallback(tok, node, h.HTTP)
		}
		pc := &ProcessContext{InstanceID: r.pi.ID, NodeID: node.ID, Vars: r.e.varsFor(r.def, tok)}
		if err := r.e.topics.Invoke(context.Background(), node.Topic, pc); err != nil {
			return err
		}
	}

	if node.Kind == model.KindSendTask && node.MessageName != "" {
		r.throwMessage(tok, node)
	}

	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerEnd, node.ID); err != nil {
		return err
	}
	return r.completeActivity(tok, node)
}

// parkForCallback suspends the token while an async HTTP handler runs in
// the background; the callback resumes it through CompleteCallback.
func (r *run) parkForCallback(tok *runtime.Token, node *model.FlowNode, spec *HTTPHandler) error {
	callbackID := r.e.newID()
	if err := r.parkToken(tok, runtime.ResumeCallback, callbackID); err != nil {
		return err
	}
	pc := &ProcessContext{InstanceID: r.pi.ID, NodeID: node.ID, Vars: r.e.varsFor(r.def, tok)}
	instanceID := r.pi.ID
	r.defer_(func(e *Engine) {
		go func() {
			err := e.topics.InvokeHTTP(context.Background(), spec, pc)
			if cbErr := e.CompleteCallback(callbackID, err); cbErr != nil {
				e.logger.Error("async callback delivery failed",
					"instance", instanceID, "callback", callbackID, "error", cbErr)
			}
		}()
	})
	return nil
}

// CompleteCallback resumes the token parked on an async handler. A nil
// handlerErr completes the activity; anything else escalates at it.
func (e *Engine) CompleteCallback(callbackID string, handlerErr error) error {
	tok, err := e.findWaitingToken(runtime.ResumeCallback, callbackID)
	if err != nil {
		return err
	}
	tok.State = runtime.TokenActive
	tok.ResumeKind = runtime.ResumeNone
	tok.ResumeKey = ""
	if err := e.insts.SaveToken(tok); err != nil {
		return err
	}
	seed := []command{completeCommand(tok)}
	if handlerErr != nil {
		seed = []command{errorCommand(tok, handlerErr)}
	}
	return e.runInstance(tok.InstanceID, seed)
}

// findWaitingToken scans for the WAITING token carrying a resume key.
func (e *Engine) findWaitingToken(kind runtime.ResumeKind, key string) (*runtime.Token, error) {
	instances, err := e.insts.List(runtime.InstanceWaiting, "")
	if err != nil {
		return nil, err
	}
	running, err := e.insts.List(runtime.InstanceRunning, "")
	if err != nil {
		return nil, err
	}
	for _, pi := range append(instances, running...) {
		toks, err := e.insts.Tokens(pi.ID, runtime.TokenWaiting)
		if err != nil {
			return nil, err
		}
		for _, tok := range toks {
			if tok.ResumeKind == kind && tok.ResumeKey == key {
				return tok, nil
			}
		}
	}
	return nil, newEngineErrorf(ErrNotFound, "no waiting token for %s %q", kind, key)
}

// registerBoundaryEvents arms the timer, message and signal boundary
// events attached to an activity. Error boundaries need no registration;
// escalation finds them directly.
func (r *run) registerBoundaryEvents(tok *runtime.Token, node *model.FlowNode) error {
	for _, b := range r.def.BoundaryEvents(node.ID) {
		switch b.Event {
		case model.EventTimer:
			due, err := r.e.resolveDue(b.TimerDuration)
			if err != nil {
				return err
			}
			job := &runtime.TimerJob{
				ID:         r.e.newID(),
				InstanceID: r.pi.ID,
				TokenID:    tok.ID,
				NodeID:     b.ID,
				Status:     runtime.TimerDuePending,
				DueAt:      due,
				CreatedAt:  r.e.now(),
			}
			if err := r.e.timers.Save(job); err != nil {
				return err
			}
		case model.EventMessage:
			if err := r.saveSubscription(tok, &b, false, true); err != nil {
				return err
			}
		case model.EventSignal:
			if err := r.saveSubscription(tok, &b, true, true); err != nil {
				return err
			}
		case model.EventError:
			// passive, resolved during escalation
		default:
			return newEngineErrorf(ErrUnsupported, "boundary event %s with %s trigger", b.ID, b.Event)
		}
	}
	return nil
}

// fireDueBoundaryTimers handles boundary timers that are already due
// when the activity is entered (zero or negative durations). It returns
// true when an interrupting boundary consumed the token.
func (r *run) fireDueBoundaryTimers(tok *runtime.Token) (bool, error) {
	jobs, err := r.e.timers.ByToken(tok.ID)
	if err != nil {
		return false, err
	}
	now := r.e.now()
	for _, job := range jobs {
		if job.DueAt.After(now) {
			continue
		}
		boundary := r.def.NodeByID(job.NodeID)
		if boundary == nil || boundary.Kind != model.KindBoundaryEvent {
			continue
		}
		if err := r.e.timers.MarkFired(job.ID); err != nil {
			return false, err
		}
		r.e.metrics.timersFired.Inc()
		r.e.emit(r.pi.ID, boundary.ID, runtime.AuditBoundaryFired, "", "")
		r.e.emit(r.pi.ID, boundary.ID, runtime.AuditTimerFired, "", "")
		if consumed, err := r.fireBoundary(tok, boundary); err != nil || consumed {
			return consumed, err
		}
	}
	return false, nil
}

// fireBoundary routes execution through a boundary event. Interrupting
// boundaries cancel the host activity's token (and scope, for
// subprocesses); non-interrupting ones spawn alongside it.
func (r *run) fireBoundary(tok *runtime.Token, boundary *model.FlowNode) (consumedHost bool, err error) {
	interrupting := boundary.Interrupting()
	if interrupting {
		if host := r.def.NodeByID(boundary.AttachedTo); host != nil && host.Kind == model.KindSubProcess {
			if err := r.cancelScopeTokens(boundary.AttachedTo, nil); err != nil {
				return false, err
			}
		}
		if err := r.cancelToken(tok, true); err != nil {
			return false, err
		}
	}
	boundaryTok := r.e.newToken(r.pi.ID, boundary.ID, tok.ScopePath)
	if err := r.takeOutgoing(boundaryTok, boundary); err != nil {
		return false, err
	}
	return interrupting, nil
}

// resolveDue turns an ISO-8601 duration into an absolute due instant.
func (e *Engine) resolveDue(iso string) (time.Time, error) {
	if iso == "" {
		return time.Time{}, newEngineErrorf(ErrBadDefinition, "timer event without duration")
	}
	d, err := duration.ParseISO8601(iso)
	if err != nil {
		return time.Time{}, newEngineErrorf(ErrBadDefinition, "invalid timer duration %q: %s", iso, err)
	}
	return d.Shift(e.now()), nil
}
