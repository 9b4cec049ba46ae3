package bpmn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/bpmn/store"
	"github.com/spear-bpm/spear/pkg/rdf"
)

// Loop bookkeeping variables, bound on the anchor token's scope so the
// completion condition can reference them.
const (
	varLoopCounter   = "loopCounter"
	varNrOfInstances = "nrOfInstances"
	varNrOfCompleted = "nrOfCompletedInstances"
	varNrOfActive    = "nrOfActiveInstances"
	varMINextIndex   = "nrOfStartedInstances"
)

// enterMultiInstance expands a loop activity: the arriving token parks
// as the group anchor and one iteration token per instance executes the
// body. Iterations carry LoopIndex and share the anchor's group id.
func (r *run) enterMultiInstance(tok *runtime.Token, node *model.FlowNode) error {
	total, err := r.resolveCardinality(tok, node)
	if err != nil {
		return err
	}
	if total == 0 {
		// nothing to do, the activity completes immediately
		r.e.emit(r.pi.ID, node.ID, runtime.AuditMIStarted, "", "0")
		r.e.emit(r.pi.ID, node.ID, runtime.AuditMICompleted, "", "0")
		return r.completeActivity(tok, node)
	}

	group := r.e.newID()
	r.e.emit(r.pi.ID, node.ID, runtime.AuditMIStarted, "", fmt.Sprintf("%d", total))
	if err := r.parkToken(tok, runtime.ResumeMultiInst, group); err != nil {
		return err
	}

	anchor := store.TokenIRI(tok.ID)
	started := total
	if node.Loop.Sequential {
		started = 1
	}
	for name, v := range map[string]int64{
		varNrOfInstances: int64(total),
		varNrOfCompleted: 0,
		varNrOfActive:    int64(started),
		varMINextIndex:   int64(started),
	} {
		if err := r.e.vars.Set(anchor, name, rdf.Integer(v)); err != nil {
			return err
		}
	}

	for i := 1; i <= int(started); i++ {
		if err := r.spawnIteration(tok, node, group, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) spawnIteration(anchor *runtime.Token, node *model.FlowNode, group string, index int) error {
	iter := r.e.newToken(r.pi.ID, node.ID, anchor.ScopePath)
	iter.LoopIndex = index
	iter.MIGroup = group
	if err := r.e.insts.SaveToken(iter); err != nil {
		return err
	}
	if err := r.e.vars.Set(store.TokenIRI(iter.ID), varLoopCounter, rdf.Integer(int64(index))); err != nil {
		return err
	}
	r.q.push(activityCommand(iter))
	return nil
}

// completeIteration records one finished body and decides whether the
// group is done: all instances completed, or the completion condition
// held early, in which case the remaining iterations are cancelled.
func (r *run) completeIteration(tok *runtime.Token, node *model.FlowNode) error {
	group := tok.MIGroup
	if err := r.e.vars.ClearScope(store.TokenIRI(tok.ID)); err != nil {
		return err
	}
	if err := r.finishToken(tok); err != nil {
		return err
	}

	anchor, err := r.findMIAnchor(group)
	if err != nil {
		// condition already closed the group; the iteration was a straggler
		return nil
	}
	counters := store.TokenIRI(anchor.ID)
	total := r.readCounter(counters, varNrOfInstances)
	completed := r.readCounter(counters, varNrOfCompleted) + 1
	active := r.readCounter(counters, varNrOfActive) - 1
	startedSoFar := r.readCounter(counters, varMINextIndex)
	if err := r.e.vars.Set(counters, varNrOfCompleted, rdf.Integer(completed)); err != nil {
		return err
	}
	if err := r.e.vars.Set(counters, varNrOfActive, rdf.Integer(active)); err != nil {
		return err
	}

	condMet := false
	if node.Loop.CompletionCondition != "" {
		chain := append([]rdf.Term{counters}, r.e.scopeChain(r.def, anchor)...)
		condMet, err = r.e.cond.evaluate(r.pi.ID, chain, node.Loop.CompletionCondition)
		if err != nil {
			return err
		}
	}

	if condMet || completed >= total {
		if condMet && completed < total {
			if err := r.cancelMISiblings(group); err != nil {
				return err
			}
		}
		return r.closeMIGroup(anchor, node, completed)
	}

	if node.Loop.Sequential && startedSoFar < total {
		next := int(startedSoFar) + 1
		if err := r.e.vars.Set(counters, varMINextIndex, rdf.Integer(int64(next))); err != nil {
			return err
		}
		if err := r.e.vars.Set(counters, varNrOfActive, rdf.Integer(active+1)); err != nil {
			return err
		}
		return r.spawnIteration(anchor, node, group, next)
	}
	return nil
}

// closeMIGroup resumes the anchor token through the activity's normal
// completion path.
func (r *run) closeMIGroup(anchor *runtime.Token, node *model.FlowNode, completed int64) error {
	if err := r.e.vars.ClearScope(store.TokenIRI(anchor.ID)); err != nil {
		return err
	}
	r.e.emit(r.pi.ID, node.ID, runtime.AuditMICompleted, "", fmt.Sprintf("%d", completed))
	anchor.State = runtime.TokenActive
	anchor.ResumeKind = runtime.ResumeNone
	anchor.ResumeKey = ""
	if err := r.e.insts.SaveToken(anchor); err != nil {
		return err
	}
	return r.completeActivity(anchor, node)
}

func (r *run) cancelMISiblings(group string) error {
	live, err := r.e.insts.LiveTokens(r.pi.ID)
	if err != nil {
		return err
	}
	for _, sib := range live {
		if sib.MIGroup != group || sib.ResumeKind == runtime.ResumeMultiInst {
			continue
		}
		if err := r.e.vars.ClearScope(store.TokenIRI(sib.ID)); err != nil {
			return err
		}
		if err := r.cancelToken(sib, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) findMIAnchor(group string) (*runtime.Token, error) {
	waiting, err := r.e.insts.Tokens(r.pi.ID, runtime.TokenWaiting)
	if err != nil {
		return nil, err
	}
	for _, tok := range waiting {
		if tok.ResumeKind == runtime.ResumeMultiInst && tok.ResumeKey == group {
			return tok, nil
		}
	}
	return nil, newEngineErrorf(ErrNotFound, "multi-instance group %s has no anchor", group)
}

func (r *run) readCounter(scope rdf.Term, name string) int64 {
	v, ok, err := r.e.vars.Get([]rdf.Term{scope}, name)
	if err != nil || !ok {
		return 0
	}
	n, _ := v.AsInt()
	return n
}

// resolveCardinality evaluates the loop cardinality: an integer literal
// or a ${variable} reference resolving to a non-negative integer.
func (r *run) resolveCardinality(tok *runtime.Token, node *model.FlowNode) (int64, error) {
	expr := strings.TrimSpace(node.Loop.LoopCardinality)
	if expr == "" {
		return 0, newEngineErrorf(ErrBadDefinition, "loop activity %s has no cardinality", node.ID)
	}
	if n, err := strconv.ParseInt(expr, 10, 64); err == nil {
		if n < 0 {
			return 0, newEngineErrorf(ErrBadDefinition, "loop activity %s: negative cardinality %d", node.ID, n)
		}
		return n, nil
	}
	name := expr
	if strings.HasPrefix(name, "${") && strings.HasSuffix(name, "}") {
		name = strings.TrimSpace(name[2 : len(name)-1])
	}
	v, ok := r.e.varsFor(r.def, tok).Get(name)
	if !ok {
		return 0, newEngineErrorf(ErrBadDefinition, "loop activity %s: cardinality variable %q unset", node.ID, name)
	}
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, newEngineErrorf(ErrBadDefinition, "loop activity %s: negative cardinality %d", node.ID, n)
		}
		return n, nil
	case float64:
		if n < 0 || n != float64(int64(n)) {
			return 0, newEngineErrorf(ErrBadDefinition, "loop activity %s: cardinality %v is not a non-negative integer", node.ID, n)
		}
		return int64(n), nil
	}
	return 0, newEngineErrorf(ErrBadDefinition, "loop activity %s: cardinality %q is not an integer", node.ID, expr)
}
