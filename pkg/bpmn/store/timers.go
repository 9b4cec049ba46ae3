package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/rdf"
	"github.com/spear-bpm/spear/pkg/rdf/sparql"
)

// TimerRepo persists timer jobs in the timers graph. The claim path is
// the store's one real compare-and-set: the lease transition is a
// DELETE/INSERT WHERE update whose matched-solution count tells the
// caller whether it won the race. Workers on top of the same store can
// poll concurrently and each due job fires at most once per due-window.
type TimerRepo struct {
	store *rdf.Store
}

func NewTimerRepo(store *rdf.Store) *TimerRepo {
	return &TimerRepo{store: store}
}

var statusDuePending = rdf.String(string(runtime.TimerDuePending))

func (r *TimerRepo) Save(job *runtime.TimerJob) error {
	return r.store.Update(rdf.GraphTimers, func(g *rdf.Graph) error {
		iri := TimerIRI(job.ID)
		g.Add(rdf.Triple{S: iri, P: rdfType, O: classTimerJob})
		g.SetOne(iri, pInstance, InstanceIRI(job.InstanceID))
		g.SetOne(iri, pToken, TokenIRI(job.TokenID))
		g.SetOne(iri, pNode, rdf.String(job.NodeID))
		g.SetOne(iri, pStatus, rdf.String(string(job.Status)))
		g.SetOne(iri, pDueAt, rdf.DateTime(job.DueAt))
		g.SetOne(iri, pAttempts, rdf.Integer(int64(job.Attempts)))
		g.SetOne(iri, pCreatedAt, rdf.DateTime(job.CreatedAt))
		if job.LeaseHolder != "" {
			g.SetOne(iri, pLeaseHolder, rdf.String(job.LeaseHolder))
		}
		if job.LeaseExpiresAt != nil {
			g.SetOne(iri, pLeaseExpiresAt, rdf.DateTime(*job.LeaseExpiresAt))
		}
		return nil
	})
}

func (r *TimerRepo) Get(id string) (*runtime.TimerJob, error) {
	var job *runtime.TimerJob
	err := r.store.View(rdf.GraphTimers, func(g *rdf.Graph) error {
		iri := TimerIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classTimerJob}) {
			return fmt.Errorf("timer %s not found", id)
		}
		job = readTimer(g, iri)
		return nil
	})
	return job, err
}

func readTimer(g *rdf.Graph, iri rdf.Term) *runtime.TimerJob {
	job := &runtime.TimerJob{
		ID:          localID(iri, NSTimer),
		InstanceID:  localID(g.One(iri, pInstance), NSInstance),
		TokenID:     localID(g.One(iri, pToken), NSToken),
		NodeID:      g.One(iri, pNode).Value,
		Status:      runtime.TimerStatus(g.One(iri, pStatus).Value),
		LeaseHolder: g.One(iri, pLeaseHolder).Value,
	}
	job.DueAt, _ = g.One(iri, pDueAt).AsTime()
	job.CreatedAt, _ = g.One(iri, pCreatedAt).AsTime()
	if n, err := g.One(iri, pAttempts).AsInt(); err == nil {
		job.Attempts = int(n)
	}
	if t, err := g.One(iri, pLeaseExpiresAt).AsTime(); err == nil {
		job.LeaseExpiresAt = &t
	}
	return job
}

// Due lists jobs that are claimable at now: DUE_PENDING and past due.
// Callers run ReleaseExpiredLeases first so stale LEASED jobs are
// included.
func (r *TimerRepo) Due(now time.Time) ([]*runtime.TimerJob, error) {
	var out []*runtime.TimerJob
	err := r.store.View(rdf.GraphTimers, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(pStatus, statusDuePending) {
			job := readTimer(g, s)
			if !job.DueAt.After(now) {
				out = append(out, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Claim attempts the atomic DUE_PENDING -> LEASED transition. The
// returned bool is false when another worker got there first.
func (r *TimerRepo) Claim(id, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	iri := TimerIRI(id)
	expires := now.Add(ttl)
	claim := sparql.Update{
		Delete: []sparql.Pattern{
			{S: sparql.T(iri), P: sparql.T(pStatus), O: sparql.V("old")},
		},
		Insert: []sparql.Pattern{
			{S: sparql.T(iri), P: sparql.T(pStatus), O: sparql.T(rdf.String(string(runtime.TimerLeased)))},
			{S: sparql.T(iri), P: sparql.T(pLeaseHolder), O: sparql.T(rdf.String(workerID))},
			{S: sparql.T(iri), P: sparql.T(pLeaseExpiresAt), O: sparql.T(rdf.DateTime(expires))},
		},
		Where: []sparql.Pattern{
			{S: sparql.T(iri), P: sparql.T(pStatus), O: sparql.V("old")},
		},
		Filters: []sparql.Filter{
			{Var: "old", Op: sparql.OpEq, Term: statusDuePending},
		},
	}
	won := false
	err := r.store.Update(rdf.GraphTimers, func(g *rdf.Graph) error {
		matched, err := sparql.Apply(g, claim)
		if err != nil {
			return err
		}
		if matched == 0 {
			return nil
		}
		won = true
		attempts, _ := g.One(iri, pAttempts).AsInt()
		g.SetOne(iri, pAttempts, rdf.Integer(attempts+1))
		return nil
	})
	return won, err
}

// RenewLease extends a held lease.
func (r *TimerRepo) RenewLease(id, workerID string, expires time.Time) error {
	return r.store.Update(rdf.GraphTimers, func(g *rdf.Graph) error {
		iri := TimerIRI(id)
		if g.One(iri, pLeaseHolder).Value != workerID {
			return fmt.Errorf("timer %s lease not held by %s", id, workerID)
		}
		g.SetOne(iri, pLeaseExpiresAt, rdf.DateTime(expires))
		return nil
	})
}

// MarkFired finishes a claimed job.
func (r *TimerRepo) MarkFired(id string) error {
	return r.setTerminal(id, runtime.TimerFired)
}

// Cancel withdraws a pending job (scope exit, instance stop).
func (r *TimerRepo) Cancel(id string) error {
	return r.setTerminal(id, runtime.TimerCancelled)
}

func (r *TimerRepo) setTerminal(id string, status runtime.TimerStatus) error {
	return r.store.Update(rdf.GraphTimers, func(g *rdf.Graph) error {
		iri := TimerIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classTimerJob}) {
			return fmt.Errorf("timer %s not found", id)
		}
		g.SetOne(iri, pStatus, rdf.String(string(status)))
		g.RemovePattern(&iri, &pLeaseHolder, nil)
		g.RemovePattern(&iri, &pLeaseExpiresAt, nil)
		return nil
	})
}

// ReleaseLease returns a claimed job to DUE_PENDING after a failed
// execution so the next poll retries it.
func (r *TimerRepo) ReleaseLease(id string) error {
	return r.store.Update(rdf.GraphTimers, func(g *rdf.Graph) error {
		iri := TimerIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classTimerJob}) {
			return fmt.Errorf("timer %s not found", id)
		}
		g.SetOne(iri, pStatus, statusDuePending)
		g.RemovePattern(&iri, &pLeaseHolder, nil)
		g.RemovePattern(&iri, &pLeaseExpiresAt, nil)
		return nil
	})
}

// ReleaseExpiredLeases resets LEASED jobs whose lease ran out. It runs
// at the start of every poll and once at startup, which also covers
// leases orphaned by a crash.
func (r *TimerRepo) ReleaseExpiredLeases(now time.Time) (int, error) {
	released := 0
	err := r.store.Update(rdf.GraphTimers, func(g *rdf.Graph) error {
		leased := rdf.String(string(runtime.TimerLeased))
		for _, s := range g.Subjects(pStatus, leased) {
			exp, err := g.One(s, pLeaseExpiresAt).AsTime()
			if err == nil && exp.After(now) {
				continue
			}
			g.SetOne(s, pStatus, statusDuePending)
			g.RemovePattern(&s, &pLeaseHolder, nil)
			g.RemovePattern(&s, &pLeaseExpiresAt, nil)
			released++
		}
		return nil
	})
	return released, err
}

// ByToken lists the token's live timer jobs.
func (r *TimerRepo) ByToken(tokenID string) ([]*runtime.TimerJob, error) {
	var out []*runtime.TimerJob
	err := r.store.View(rdf.GraphTimers, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(pToken, TokenIRI(tokenID)) {
			if !g.Has(rdf.Triple{S: s, P: rdfType, O: classTimerJob}) {
				continue
			}
			job := readTimer(g, s)
			if job.Status == runtime.TimerDuePending || job.Status == runtime.TimerLeased {
				out = append(out, job)
			}
		}
		return nil
	})
	return out, err
}

// ByInstance lists the instance's live timer jobs.
func (r *TimerRepo) ByInstance(instanceID string) ([]*runtime.TimerJob, error) {
	var out []*runtime.TimerJob
	err := r.store.View(rdf.GraphTimers, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(pInstance, InstanceIRI(instanceID)) {
			if !g.Has(rdf.Triple{S: s, P: rdfType, O: classTimerJob}) {
				continue
			}
			job := readTimer(g, s)
			if job.Status == runtime.TimerDuePending || job.Status == runtime.TimerLeased {
				out = append(out, job)
			}
		}
		return nil
	})
	return out, err
}
