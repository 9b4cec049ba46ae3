package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/rdf"
)

// TaskRepo persists user tasks in the tasks graph.
type TaskRepo struct {
	store *rdf.Store
}

func NewTaskRepo(store *rdf.Store) *TaskRepo {
	return &TaskRepo{store: store}
}

func (r *TaskRepo) Save(task *runtime.UserTask) error {
	return r.store.Update(rdf.GraphTasks, func(g *rdf.Graph) error {
		iri := TaskIRI(task.ID)
		g.Add(rdf.Triple{S: iri, P: rdfType, O: classUserTask})
		g.SetOne(iri, pInstance, InstanceIRI(task.InstanceID))
		g.SetOne(iri, pNode, rdf.String(task.NodeID))
		g.SetOne(iri, pToken, TokenIRI(task.TokenID))
		g.SetOne(iri, pState, rdf.String(string(task.State)))
		g.SetOne(iri, pCreatedAt, rdf.DateTime(task.CreatedAt))
		if task.Name != "" {
			g.SetOne(iri, pName, rdf.String(task.Name))
		}
		if task.Assignee != "" {
			g.SetOne(iri, pAssignee, rdf.String(task.Assignee))
		}
		if task.ClaimedAt != nil {
			g.SetOne(iri, pClaimedAt, rdf.DateTime(*task.ClaimedAt))
		}
		if task.CompletedAt != nil {
			g.SetOne(iri, pCompletedAt, rdf.DateTime(*task.CompletedAt))
		}
		for _, u := range task.CandidateUsers {
			g.Add(rdf.Triple{S: iri, P: pCandidateUser, O: rdf.String(u)})
		}
		for _, grp := range task.CandidateGroups {
			g.Add(rdf.Triple{S: iri, P: pCandidateGroup, O: rdf.String(grp)})
		}
		return nil
	})
}

func (r *TaskRepo) Get(id string) (*runtime.UserTask, error) {
	var task *runtime.UserTask
	err := r.store.View(rdf.GraphTasks, func(g *rdf.Graph) error {
		iri := TaskIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classUserTask}) {
			return fmt.Errorf("task %s not found", id)
		}
		task = readTask(g, iri)
		return nil
	})
	return task, err
}

func readTask(g *rdf.Graph, iri rdf.Term) *runtime.UserTask {
	task := &runtime.UserTask{
		ID:         localID(iri, NSTask),
		InstanceID: localID(g.One(iri, pInstance), NSInstance),
		NodeID:     g.One(iri, pNode).Value,
		TokenID:    localID(g.One(iri, pToken), NSToken),
		State:      runtime.TaskState(g.One(iri, pState).Value),
		Name:       g.One(iri, pName).Value,
		Assignee:   g.One(iri, pAssignee).Value,
	}
	task.CreatedAt, _ = g.One(iri, pCreatedAt).AsTime()
	if t, err := g.One(iri, pClaimedAt).AsTime(); err == nil {
		task.ClaimedAt = &t
	}
	if t, err := g.One(iri, pCompletedAt).AsTime(); err == nil {
		task.CompletedAt = &t
	}
	for _, u := range g.Objects(iri, pCandidateUser) {
		task.CandidateUsers = append(task.CandidateUsers, u.Value)
	}
	for _, grp := range g.Objects(iri, pCandidateGroup) {
		task.CandidateGroups = append(task.CandidateGroups, grp.Value)
	}
	sort.Strings(task.CandidateUsers)
	sort.Strings(task.CandidateGroups)
	return task
}

// Claim assigns the task. Only a CREATED task may be claimed.
func (r *TaskRepo) Claim(id, assignee string, now time.Time) (*runtime.UserTask, error) {
	var task *runtime.UserTask
	err := r.store.Update(rdf.GraphTasks, func(g *rdf.Graph) error {
		iri := TaskIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classUserTask}) {
			return fmt.Errorf("task %s not found", id)
		}
		if st := runtime.TaskState(g.One(iri, pState).Value); st != runtime.TaskCreated {
			return fmt.Errorf("task %s is %s, not claimable", id, st)
		}
		g.SetOne(iri, pState, rdf.String(string(runtime.TaskClaimed)))
		g.SetOne(iri, pAssignee, rdf.String(assignee))
		g.SetOne(iri, pClaimedAt, rdf.DateTime(now))
		task = readTask(g, iri)
		return nil
	})
	return task, err
}

// MarkCompleted transitions the task to COMPLETED. Completing a task
// that is already COMPLETED fails so the caller can surface a
// precondition error.
func (r *TaskRepo) MarkCompleted(id string, now time.Time) (*runtime.UserTask, error) {
	var task *runtime.UserTask
	err := r.store.Update(rdf.GraphTasks, func(g *rdf.Graph) error {
		iri := TaskIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classUserTask}) {
			return fmt.Errorf("task %s not found", id)
		}
		if st := runtime.TaskState(g.One(iri, pState).Value); st == runtime.TaskCompleted {
			return fmt.Errorf("task %s already completed", id)
		}
		g.SetOne(iri, pState, rdf.String(string(runtime.TaskCompleted)))
		g.SetOne(iri, pCompletedAt, rdf.DateTime(now))
		task = readTask(g, iri)
		return nil
	})
	return task, err
}

// Cancel removes a pending task, used when its scope is cancelled.
func (r *TaskRepo) Cancel(id string) error {
	return r.store.Update(rdf.GraphTasks, func(g *rdf.Graph) error {
		iri := TaskIRI(id)
		g.RemovePattern(&iri, nil, nil)
		return nil
	})
}

// List filters tasks by instance, state and assignee; empty filters
// match everything. Order is by creation time.
func (r *TaskRepo) List(instanceID string, state runtime.TaskState, assignee string) ([]*runtime.UserTask, error) {
	var out []*runtime.UserTask
	err := r.store.View(rdf.GraphTasks, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(rdfType, classUserTask) {
			task := readTask(g, s)
			if instanceID != "" && task.InstanceID != instanceID {
				continue
			}
			if state != "" && task.State != state {
				continue
			}
			if assignee != "" && task.Assignee != assignee {
				continue
			}
			out = append(out, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ByToken finds the live task parked on a token.
func (r *TaskRepo) ByToken(tokenID string) (*runtime.UserTask, error) {
	var task *runtime.UserTask
	err := r.store.View(rdf.GraphTasks, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(pToken, TokenIRI(tokenID)) {
			if !g.Has(rdf.Triple{S: s, P: rdfType, O: classUserTask}) {
				continue
			}
			t := readTask(g, s)
			if t.State != runtime.TaskCompleted {
				task = t
				return nil
			}
		}
		return fmt.Errorf("no pending task for token %s", tokenID)
	})
	return task, err
}
