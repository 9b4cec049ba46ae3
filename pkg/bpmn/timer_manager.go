package bpmn

import (
	"sync"
	"time"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// timerManager polls the timer graph and fires due jobs. Firing is
// lease-guarded: the CAS claim in the store decides which poller (of
// possibly several on the same store) executes a job.
type timerManager struct {
	e      *Engine
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newTimerManager(e *Engine) *timerManager {
	return &timerManager{e: e}
}

func (m *timerManager) start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
}

func (m *timerManager) stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *timerManager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.e.conf.TimerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.e.RunDueTimers(m.e.now()); err != nil {
				m.e.logger.Error("timer poll failed", "error", err)
			}
		}
	}
}

// RunDueTimers performs one cooperative poll tick at the given instant:
// expired leases are released, then every claimable due job is claimed
// and fired. Tests drive this directly instead of waiting on the poller.
func (e *Engine) RunDueTimers(now time.Time) (int, error) {
	if released, err := e.timers.ReleaseExpiredLeases(now); err != nil {
		return 0, err
	} else if released > 0 {
		e.logger.Info("released expired timer leases", "count", released)
	}

	due, err := e.timers.Due(now)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, job := range due {
		won, err := e.timers.Claim(job.ID, e.workerID, now, e.conf.TimerLeaseTTL)
		if err != nil {
			return fired, err
		}
		if !won {
			continue // another worker holds the lease
		}
		claimed, err := e.timers.Get(job.ID)
		if err != nil {
			return fired, err
		}
		if err := e.fireTimer(claimed); err != nil {
			e.logger.Warn("timer firing failed", "timer", job.ID,
				"attempts", claimed.Attempts, "error", err)
			if claimed.Attempts >= e.conf.TimerMaxAttempts {
				e.emit(claimed.InstanceID, claimed.NodeID, runtime.AuditError, "",
					"timer abandoned after max attempts")
				if cancelErr := e.timers.Cancel(job.ID); cancelErr != nil {
					return fired, cancelErr
				}
				continue
			}
			if relErr := e.timers.ReleaseLease(job.ID); relErr != nil {
				return fired, relErr
			}
			continue
		}
		fired++
	}
	return fired, nil
}

// fireTimer routes one claimed job: catch event, event gateway arm,
// boundary event, or a timer-start event subprocess for jobs without a
// token.
func (e *Engine) fireTimer(job *runtime.TimerJob) error {
	pi, err := e.insts.Get(job.InstanceID)
	if err != nil {
		return e.timers.MarkFired(job.ID) // instance gone, job is stale
	}
	if pi.State.Terminal() {
		return e.timers.MarkFired(job.ID)
	}
	def, err := e.definitionFor(pi)
	if err != nil {
		return err
	}
	node := def.NodeByID(job.NodeID)
	if node == nil {
		return newEngineErrorf(ErrBadDefinition, "timer %s targets unknown node %s", job.ID, job.NodeID)
	}

	if job.TokenID == "" {
		// timer-start event subprocess
		esp := def.NodeByID(node.Scope)
		if esp == nil || esp.Kind != model.KindEventSubProcess {
			return newEngineErrorf(ErrBadDefinition, "timer start %s is not inside an event subprocess", node.ID)
		}
		if err := e.timers.MarkFired(job.ID); err != nil {
			return err
		}
		e.metrics.timersFired.Inc()
		e.emit(job.InstanceID, node.ID, runtime.AuditTimerFired, "", "")
		return e.runInstance(job.InstanceID, []command{eventSubCommand(esp.ID, node.ID, nil)})
	}

	tok, err := e.insts.GetToken(job.TokenID)
	if err != nil || tok.State == runtime.TokenConsumed {
		return e.timers.MarkFired(job.ID) // token moved on, job is stale
	}

	if err := e.timers.MarkFired(job.ID); err != nil {
		return err
	}
	e.metrics.timersFired.Inc()
	e.emit(job.InstanceID, node.ID, runtime.AuditTimerFired, "", "")

	switch {
	case node.Kind == model.KindBoundaryEvent:
		return e.runInstance(job.InstanceID, []command{boundaryCommand(tok, node.ID)})

	case tok.ResumeKind == runtime.ResumeEventGate:
		// first gateway arm to fire wins
		if err := e.cancelGatewayArms(tok, tok.ResumeKey, ""); err != nil {
			return err
		}
		tok.NodeID = node.ID
		tok.State = runtime.TokenActive
		tok.ResumeKind = runtime.ResumeNone
		tok.ResumeKey = ""
		if err := e.insts.SaveToken(tok); err != nil {
			return err
		}
		return e.runInstance(job.InstanceID, []command{completeCommand(tok)})

	case tok.ResumeKind == runtime.ResumeTimer && tok.ResumeKey == job.ID:
		tok.State = runtime.TokenActive
		tok.ResumeKind = runtime.ResumeNone
		tok.ResumeKey = ""
		if err := e.insts.SaveToken(tok); err != nil {
			return err
		}
		return e.runInstance(job.InstanceID, []command{completeCommand(tok)})
	}
	e.logger.Warn("timer fired against a token in an unexpected state",
		"timer", job.ID, "token", tok.ID, "resume", tok.ResumeKind)
	return nil
}
