package store

import (
	"fmt"
	"strings"

	"github.com/spear-bpm/spear/pkg/rdf"
)

// DefaultVariableMaxBytes caps a single variable's lexical form.
const DefaultVariableMaxBytes = 1 << 20

// VariableRepo stores typed process variables in the inst graph. A
// variable is one triple <scope> var:<name> <literal>; scope is the
// instance IRI, a subprocess scope IRI or an MI iteration's token IRI.
// Reads walk a scope chain innermost to outermost; writes replace
// atomically under the graph write lock.
type VariableRepo struct {
	store    *rdf.Store
	maxBytes int
}

func NewVariableRepo(store *rdf.Store, maxBytes int) *VariableRepo {
	if maxBytes <= 0 {
		maxBytes = DefaultVariableMaxBytes
	}
	return &VariableRepo{store: store, maxBytes: maxBytes}
}

// Get walks the scope chain and returns the innermost binding.
func (r *VariableRepo) Get(chain []rdf.Term, name string) (rdf.Term, bool, error) {
	pred := VarPredicate(name)
	var found rdf.Term
	ok := false
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		for _, scope := range chain {
			if v := g.One(scope, pred); !v.IsZero() {
				found = v
				ok = true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// Set writes a variable into the given scope, replacing any previous
// value atomically (remove then insert inside one write lock).
func (r *VariableRepo) Set(scope rdf.Term, name string, value rdf.Term) error {
	if name == "" {
		return fmt.Errorf("variable name must not be empty")
	}
	if len(value.Value) > r.maxBytes {
		return fmt.Errorf("variable %s exceeds %d bytes", name, r.maxBytes)
	}
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		g.SetOne(scope, VarPredicate(name), value)
		return nil
	})
}

// Unset removes the variable from the given scope only.
func (r *VariableRepo) Unset(scope rdf.Term, name string) error {
	pred := VarPredicate(name)
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		g.RemovePattern(&scope, &pred, nil)
		return nil
	})
}

// All merges the scope chain into one view, innermost binding winning.
func (r *VariableRepo) All(chain []rdf.Term) (map[string]rdf.Term, error) {
	out := map[string]rdf.Term{}
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		for i := len(chain) - 1; i >= 0; i-- { // outermost first so inner overwrites
			for name, v := range scopeVars(g, chain[i]) {
				out[name] = v
			}
		}
		return nil
	})
	return out, err
}

// Scope returns the variables bound directly in one scope.
func (r *VariableRepo) Scope(scope rdf.Term) (map[string]rdf.Term, error) {
	var out map[string]rdf.Term
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		out = scopeVars(g, scope)
		return nil
	})
	return out, err
}

func scopeVars(g *rdf.Graph, scope rdf.Term) map[string]rdf.Term {
	out := map[string]rdf.Term{}
	for _, t := range g.Match(&scope, nil, nil) {
		if strings.HasPrefix(t.P.Value, NSVar) {
			out[t.P.Value[len(NSVar):]] = t.O
		}
	}
	return out
}

// ClearScope drops every variable bound directly in the scope.
func (r *VariableRepo) ClearScope(scope rdf.Term) error {
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		clearScopeVars(g, scope)
		return nil
	})
}

func clearScopeVars(g *rdf.Graph, scope rdf.Term) {
	for _, t := range g.Match(&scope, nil, nil) {
		if strings.HasPrefix(t.P.Value, NSVar) {
			g.Remove(t)
		}
	}
}

// CopyVars copies named variables between scopes; an empty name list
// copies everything bound in the source scope.
func (r *VariableRepo) CopyVars(src, dst rdf.Term, names []string) error {
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		vars := scopeVars(g, src)
		if len(names) == 0 {
			for name, v := range vars {
				g.SetOne(dst, VarPredicate(name), v)
			}
			return nil
		}
		for _, name := range names {
			if v, ok := vars[name]; ok {
				g.SetOne(dst, VarPredicate(name), v)
			}
		}
		return nil
	})
}
