package bpmn

import (
	"context"
	"fmt"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// enterUserTask materializes a work item and parks the token until
// CompleteTask resumes it.
func (r *run) enterUserTask(tok *runtime.Token, node *model.FlowNode) error {
	if err := r.registerBoundaryEvents(tok, node); err != nil {
		return err
	}
	if fired, err := r.fireDueBoundaryTimers(tok); err != nil || fired {
		return err
	}
	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerStart, node.ID); err != nil {
		return err
	}

	task := &runtime.UserTask{
		ID:              r.e.newID(),
		InstanceID:      r.pi.ID,
		NodeID:          node.ID,
		TokenID:         tok.ID,
		State:           runtime.TaskCreated,
		Name:            node.Name,
		Assignee:        node.Assignee,
		CandidateUsers:  node.CandidateUsers,
		CandidateGroups: node.CandidateGroups,
		CreatedAt:       r.e.now(),
	}
	if err := r.e.tasks.Save(task); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, node.ID, runtime.AuditTaskCreated, "", task.ID)

	if err := r.runListeners(tok, node.TaskListeners, model.ListenerCreate, node.ID); err != nil {
		return err
	}
	if task.Assignee != "" {
		if err := r.runListeners(tok, node.TaskListeners, model.ListenerAssignment, node.ID); err != nil {
			return err
		}
	}
	return r.parkToken(tok, runtime.ResumeUserTask, task.ID)
}

// ClaimTask assigns a pending task to a user. Only a CREATED task is
// claimable; anything else is a precondition failure.
func (e *Engine) ClaimTask(taskID, assignee string) (*runtime.UserTask, error) {
	if assignee == "" {
		return nil, newEngineErrorf(ErrPreconditionFailed, "claim of task %s without assignee", taskID)
	}
	task, err := e.tasks.Claim(taskID, assignee, e.now())
	if err != nil {
		return nil, newEngineErrorf(ErrPreconditionFailed, "%s", err)
	}
	e.emit(task.InstanceID, task.NodeID, runtime.AuditTaskClaimed, assignee, task.ID)
	e.fireTaskListeners(task, model.ListenerAssignment)
	return task, nil
}

// CompleteTask finishes a user task: submitted variables land in the
// token's scope, complete listeners run, the token resumes. Completing
// twice fails without moving the token again.
func (e *Engine) CompleteTask(taskID string, variables map[string]any, actor string) error {
	task, err := e.tasks.Get(taskID)
	if err != nil {
		return newEngineErrorf(ErrNotFound, "%s", err)
	}
	tok, err := e.insts.GetToken(task.TokenID)
	if err != nil {
		return newEngineErrorf(ErrNotFound, "task %s token: %s", taskID, err)
	}
	if tok.State != runtime.TokenWaiting || tok.ResumeKind != runtime.ResumeUserTask || tok.ResumeKey != taskID {
		return newEngineErrorf(ErrPreconditionFailed, "task %s is no longer completable", taskID)
	}
	pi, err := e.insts.Get(task.InstanceID)
	if err != nil {
		return err
	}
	if pi.State.Terminal() {
		return newEngineErrorf(ErrPreconditionFailed, "instance %s is %s", pi.ID, pi.State)
	}
	def, err := e.definitionFor(pi)
	if err != nil {
		return err
	}

	if _, err := e.tasks.MarkCompleted(taskID, e.now()); err != nil {
		return newEngineErrorf(ErrPreconditionFailed, "%s", err)
	}
	if err := e.applyPayload(def, tok, variables); err != nil {
		return err
	}
	e.emit(task.InstanceID, task.NodeID, runtime.AuditTaskCompleted, actor, taskID)
	e.fireTaskListeners(task, model.ListenerComplete)

	tok.State = runtime.TokenActive
	tok.ResumeKind = runtime.ResumeNone
	tok.ResumeKey = ""
	if err := e.insts.SaveToken(tok); err != nil {
		return err
	}
	return e.runInstance(task.InstanceID, []command{completeCommand(tok)})
}

// ListTasks filters user tasks by instance, state and assignee.
func (e *Engine) ListTasks(instanceID string, state runtime.TaskState, assignee string) ([]*runtime.UserTask, error) {
	return e.tasks.List(instanceID, state, assignee)
}

// GetTask returns one user task.
func (e *Engine) GetTask(taskID string) (*runtime.UserTask, error) {
	task, err := e.tasks.Get(taskID)
	if err != nil {
		return nil, newEngineErrorf(ErrNotFound, "%s", err)
	}
	return task, nil
}

// fireTaskListeners invokes registered task listeners outside the token
// lifecycle; a listener failure here is logged, not escalated, because
// the triggering operation (claim, completion) already committed.
func (e *Engine) fireTaskListeners(task *runtime.UserTask, event model.ListenerEvent) {
	pi, err := e.insts.Get(task.InstanceID)
	if err != nil {
		return
	}
	def, err := e.definitionFor(pi)
	if err != nil {
		return
	}
	node := def.NodeByID(task.NodeID)
	if node == nil {
		return
	}
	tok, err := e.insts.GetToken(task.TokenID)
	if err != nil {
		return
	}
	for _, l := range node.TaskListeners {
		if l.Event != event {
			continue
		}
		name := l.HandlerName()
		if name == "" {
			continue
		}
		if _, ok := e.topics.Lookup(name); !ok {
			continue
		}
		pc := &ProcessContext{InstanceID: task.InstanceID, NodeID: task.NodeID, Vars: e.varsFor(def, tok)}
		if err := e.topics.Invoke(context.Background(), name, pc); err != nil {
			e.emit(task.InstanceID, task.NodeID, runtime.AuditListenerFailed, "", fmt.Sprintf("%s: %s", name, err))
			e.logger.Warn("task listener failed", "task", task.ID, "listener", name, "error", err)
		}
	}
}
