package bpmn

import (
	"slices"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/bpmn/store"
)

// enterSubProcess parks the host token on the subprocess node and sends
// a child token through the embedded scope. Keeping the host token alive
// means boundary registrations stay bound to one stable token for the
// whole scope lifetime.
func (r *run) enterSubProcess(tok *runtime.Token, node *model.FlowNode) error {
	if err := r.registerBoundaryEvents(tok, node); err != nil {
		return err
	}
	if fired, err := r.fireDueBoundaryTimers(tok); err != nil || fired {
		return err
	}
	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerStart, node.ID); err != nil {
		return err
	}

	starts := r.def.StartEvents(node.ID, model.EventNone)
	if len(starts) != 1 {
		return newEngineErrorf(ErrBadDefinition, "subprocess %s needs exactly one none start event, has %d", node.ID, len(starts))
	}

	if err := r.parkToken(tok, runtime.ResumeNone, scopeHostKey(node.ID)); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, node.ID, runtime.AuditSubprocessEntered, "", "")

	if err := r.armEventSubProcessTimers(node.ID); err != nil {
		return err
	}

	inner := r.e.newToken(r.pi.ID, starts[0].ID, tok.PushScope(node.ID))
	r.q.push(activityCommand(inner))
	return nil
}

// scopeHostKey marks the resume key of a token parked while its
// subprocess scope executes.
func scopeHostKey(scopeID string) string { return "scope:" + scopeID }

// maybeExitScope completes the enclosing scope once the last token
// inside it is consumed.
func (r *run) maybeExitScope(tok *runtime.Token, scope string) error {
	live, err := r.e.insts.LiveTokens(r.pi.ID)
	if err != nil {
		return err
	}
	for _, other := range live {
		if slices.Contains(other.ScopePath, scope) {
			return nil
		}
	}
	return r.exitScope(scope)
}

// exitScope finishes an emptied scope: scoped variables are dropped, the
// parked host token resumes through the subprocess node, and an event
// subprocess hands control back to whatever encloses it.
func (r *run) exitScope(scope string) error {
	node := r.def.NodeByID(scope)
	if node == nil {
		return newEngineErrorf(ErrBadDefinition, "exit of unknown scope %s", scope)
	}
	if node.OwnVariableScope {
		if err := r.e.vars.ClearScope(store.ScopeIRI(r.pi.ID, scope)); err != nil {
			return err
		}
	}
	if err := r.cancelScopeRegistrations(scope); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, scope, runtime.AuditSubprocessExited, "", "")

	if node.Kind == model.KindEventSubProcess {
		// no host token; the enclosing scope may have just emptied too
		if node.Scope == "" {
			return nil
		}
		live, err := r.e.insts.LiveTokens(r.pi.ID)
		if err != nil {
			return err
		}
		for _, other := range live {
			if slices.Contains(other.ScopePath, node.Scope) {
				return nil
			}
		}
		return r.exitScope(node.Scope)
	}

	host, err := r.findScopeHost(scope)
	if err != nil {
		return err
	}
	host.State = runtime.TokenActive
	host.ResumeKind = runtime.ResumeNone
	host.ResumeKey = ""
	if err := r.e.insts.SaveToken(host); err != nil {
		return err
	}
	if err := r.runListeners(host, node.ExecutionListeners, model.ListenerEnd, node.ID); err != nil {
		return err
	}
	return r.completeActivity(host, node)
}

func (r *run) findScopeHost(scope string) (*runtime.Token, error) {
	waiting, err := r.e.insts.Tokens(r.pi.ID, runtime.TokenWaiting)
	if err != nil {
		return nil, err
	}
	for _, tok := range waiting {
		if tok.NodeID == scope && tok.ResumeKey == scopeHostKey(scope) {
			return tok, nil
		}
	}
	return nil, newEngineErrorf(ErrNotFound, "no host token parked on scope %s", scope)
}

// cancelScopeRegistrations withdraws timer jobs armed for event
// subprocess starts declared in the scope.
func (r *run) cancelScopeRegistrations(scope string) error {
	jobs, err := r.e.timers.ByInstance(r.pi.ID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.TokenID != "" {
			continue
		}
		start := r.def.NodeByID(job.NodeID)
		if start == nil {
			continue
		}
		esp := r.def.NodeByID(start.Scope)
		if esp == nil || esp.Scope != scope {
			continue
		}
		if err := r.e.timers.Cancel(job.ID); err != nil {
			return err
		}
	}
	return nil
}

// armEventSubProcessTimers schedules the timer-start event subprocesses
// declared in a scope when the scope is entered. The jobs carry no token;
// firing routes straight into the event subprocess.
func (r *run) armEventSubProcessTimers(scope string) error {
	for _, esp := range r.def.EventSubProcesses(scope) {
		for _, start := range r.def.StartEvents(esp.ID, model.EventTimer) {
			due, err := r.e.resolveDue(start.TimerDuration)
			if err != nil {
				return err
			}
			job := &runtime.TimerJob{
				ID:         r.e.newID(),
				InstanceID: r.pi.ID,
				NodeID:     start.ID,
				Status:     runtime.TimerDuePending,
				DueAt:      due,
				CreatedAt:  r.e.now(),
			}
			if err := r.e.timers.Save(job); err != nil {
				return err
			}
		}
	}
	return nil
}
