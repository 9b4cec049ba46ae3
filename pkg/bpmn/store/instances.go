package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/rdf"
)

// InstanceRepo persists process instances and their tokens in the inst
// graph. Callers serialize writes to one instance with the engine's
// instance lock; the repo only guards the graph itself.
type InstanceRepo struct {
	store *rdf.Store
}

func NewInstanceRepo(store *rdf.Store) *InstanceRepo {
	return &InstanceRepo{store: store}
}

func (r *InstanceRepo) Save(pi *runtime.ProcessInstance) error {
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := InstanceIRI(pi.ID)
		g.Add(rdf.Triple{S: iri, P: rdfType, O: classInstance})
		g.SetOne(iri, pDefinition, rdf.String(pi.DefinitionID))
		g.SetOne(iri, pState, rdf.String(string(pi.State)))
		g.SetOne(iri, pCreatedAt, rdf.DateTime(pi.CreatedAt))
		g.SetOne(iri, pUpdatedAt, rdf.DateTime(pi.UpdatedAt))
		if pi.CompletedAt != nil {
			g.SetOne(iri, pCompletedAt, rdf.DateTime(*pi.CompletedAt))
		}
		if pi.ParentInstance != "" {
			g.SetOne(iri, pParentInstance, InstanceIRI(pi.ParentInstance))
			g.SetOne(iri, pParentNode, rdf.String(pi.ParentNode))
			g.SetOne(iri, pParentToken, TokenIRI(pi.ParentToken))
		}
		return nil
	})
}

func (r *InstanceRepo) Get(id string) (*runtime.ProcessInstance, error) {
	var pi *runtime.ProcessInstance
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := InstanceIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classInstance}) {
			return fmt.Errorf("instance %s not found", id)
		}
		pi = readInstance(g, iri)
		return nil
	})
	return pi, err
}

func readInstance(g *rdf.Graph, iri rdf.Term) *runtime.ProcessInstance {
	pi := &runtime.ProcessInstance{
		ID:           localID(iri, NSInstance),
		DefinitionID: g.One(iri, pDefinition).Value,
		State:        runtime.InstanceState(g.One(iri, pState).Value),
	}
	pi.CreatedAt, _ = g.One(iri, pCreatedAt).AsTime()
	pi.UpdatedAt, _ = g.One(iri, pUpdatedAt).AsTime()
	if t, err := g.One(iri, pCompletedAt).AsTime(); err == nil {
		pi.CompletedAt = &t
	}
	if parent := g.One(iri, pParentInstance); parent.IsIRI() {
		pi.ParentInstance = localID(parent, NSInstance)
		pi.ParentNode = g.One(iri, pParentNode).Value
		pi.ParentToken = localID(g.One(iri, pParentToken), NSToken)
	}
	return pi
}

// SetState updates the instance state and its updatedAt stamp, setting
// completedAt when the state is terminal.
func (r *InstanceRepo) SetState(id string, state runtime.InstanceState, now time.Time) error {
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := InstanceIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classInstance}) {
			return fmt.Errorf("instance %s not found", id)
		}
		g.SetOne(iri, pState, rdf.String(string(state)))
		g.SetOne(iri, pUpdatedAt, rdf.DateTime(now))
		if state.Terminal() {
			g.SetOne(iri, pCompletedAt, rdf.DateTime(now))
		}
		return nil
	})
}

// List returns instances, optionally filtered by state and definition.
// The definition filter takes a full key ("order:2") or a bare process
// id, which matches every version.
func (r *InstanceRepo) List(state runtime.InstanceState, definitionID string) ([]*runtime.ProcessInstance, error) {
	var out []*runtime.ProcessInstance
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(rdfType, classInstance) {
			pi := readInstance(g, s)
			if state != "" && pi.State != state {
				continue
			}
			if definitionID != "" && pi.DefinitionID != definitionID &&
				!strings.HasPrefix(pi.DefinitionID, definitionID+":") {
				continue
			}
			out = append(out, pi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

const scopeSep = "|"

// SaveToken writes the token's full state. CONSUMED tokens keep their
// triples so the audit trail can be traced back, but drop their resume
// bookkeeping.
func (r *InstanceRepo) SaveToken(tok *runtime.Token) error {
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := TokenIRI(tok.ID)
		g.Add(rdf.Triple{S: iri, P: rdfType, O: classToken})
		g.SetOne(iri, pInstance, InstanceIRI(tok.InstanceID))
		g.SetOne(iri, pNode, rdf.String(tok.NodeID))
		g.SetOne(iri, pState, rdf.String(string(tok.State)))
		if len(tok.ScopePath) > 0 {
			g.SetOne(iri, pScopePath, rdf.String(strings.Join(tok.ScopePath, scopeSep)))
		} else {
			g.RemovePattern(&iri, &pScopePath, nil)
		}
		if tok.State == runtime.TokenWaiting {
			g.SetOne(iri, pResumeKind, rdf.String(string(tok.ResumeKind)))
			g.SetOne(iri, pResumeKey, rdf.String(tok.ResumeKey))
		} else {
			g.RemovePattern(&iri, &pResumeKind, nil)
			g.RemovePattern(&iri, &pResumeKey, nil)
		}
		if tok.LoopIndex > 0 {
			g.SetOne(iri, pLoopIndex, rdf.Integer(int64(tok.LoopIndex)))
			g.SetOne(iri, pMIGroup, rdf.String(tok.MIGroup))
		}
		return nil
	})
}

func (r *InstanceRepo) GetToken(id string) (*runtime.Token, error) {
	var tok *runtime.Token
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := TokenIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classToken}) {
			return fmt.Errorf("token %s not found", id)
		}
		tok = readToken(g, iri)
		return nil
	})
	return tok, err
}

func readToken(g *rdf.Graph, iri rdf.Term) *runtime.Token {
	tok := &runtime.Token{
		ID:         localID(iri, NSToken),
		InstanceID: localID(g.One(iri, pInstance), NSInstance),
		NodeID:     g.One(iri, pNode).Value,
		State:      runtime.TokenState(g.One(iri, pState).Value),
		ResumeKind: runtime.ResumeKind(g.One(iri, pResumeKind).Value),
		ResumeKey:  g.One(iri, pResumeKey).Value,
		MIGroup:    g.One(iri, pMIGroup).Value,
	}
	if sp := g.One(iri, pScopePath); !sp.IsZero() && sp.Value != "" {
		tok.ScopePath = strings.Split(sp.Value, scopeSep)
	}
	if li, err := g.One(iri, pLoopIndex).AsInt(); err == nil {
		tok.LoopIndex = int(li)
	}
	return tok
}

// Tokens returns the instance's tokens filtered by state; an empty state
// returns all of them. Order is stable by token id.
func (r *InstanceRepo) Tokens(instanceID string, state runtime.TokenState) ([]*runtime.Token, error) {
	var out []*runtime.Token
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(pInstance, InstanceIRI(instanceID)) {
			if !g.Has(rdf.Triple{S: s, P: rdfType, O: classToken}) {
				continue
			}
			tok := readToken(g, s)
			if state != "" && tok.State != state {
				continue
			}
			out = append(out, tok)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LiveTokens returns the instance's ACTIVE and WAITING tokens.
func (r *InstanceRepo) LiveTokens(instanceID string) ([]*runtime.Token, error) {
	all, err := r.Tokens(instanceID, "")
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, tok := range all {
		if tok.State != runtime.TokenConsumed {
			live = append(live, tok)
		}
	}
	return live, nil
}
