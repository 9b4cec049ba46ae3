package bpmn

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/spear-bpm/spear/pkg/bpmn/store"
	"github.com/spear-bpm/spear/pkg/rdf"
	"github.com/spear-bpm/spear/pkg/rdf/sparql"
)

// conditionEvaluator lowers sequence-flow guards onto the graph store.
// Guards come in three shapes: empty (always true), the restricted
// `${IDENT OP LITERAL}` grammar, or a raw SPARQL ASK which is passed
// through with `${instance}` substituted.
type conditionEvaluator struct {
	store *rdf.Store
}

var guardRe = regexp.MustCompile(`^\$\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?:(==|!=|>=|<=|>|<|eq|neq|gte|lte|gt|lt)\s*(.+?)\s*)?\}$`)

var guardOps = map[string]sparql.CompareOp{
	"==": sparql.OpEq, "eq": sparql.OpEq,
	"!=": sparql.OpNeq, "neq": sparql.OpNeq,
	">": sparql.OpGt, "gt": sparql.OpGt,
	">=": sparql.OpGte, "gte": sparql.OpGte,
	"<": sparql.OpLt, "lt": sparql.OpLt,
	"<=": sparql.OpLte, "lte": sparql.OpLte,
}

// evaluate returns the guard's boolean value for a token whose variable
// visibility is the given scope chain (innermost first).
func (ce *conditionEvaluator) evaluate(instanceID string, chain []rdf.Term, expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if sparql.IsAsk(expr) {
		return ce.evaluateAsk(instanceID, expr)
	}
	m := guardRe.FindStringSubmatch(expr)
	if m == nil {
		return false, newEngineErrorf(ErrBadDefinition, "unparseable condition %q", expr)
	}
	name := m[1]
	if m[2] == "" {
		return ce.truthy(chain, name)
	}
	op := guardOps[m[2]]
	lit, err := guardLiteral(m[3])
	if err != nil {
		return false, err
	}
	return ce.compare(chain, name, op, lit)
}

// evaluateAsk runs a raw ASK against the inst graph after substituting
// the ${instance} placeholder.
func (ce *conditionEvaluator) evaluateAsk(instanceID string, expr string) (bool, error) {
	expr = strings.ReplaceAll(expr, "${instance}", store.InstanceIRI(instanceID).String())
	q, err := sparql.Parse(expr)
	if err != nil {
		return false, newEngineErrorf(ErrBadDefinition, "invalid ASK condition: %s", err)
	}
	var ok bool
	err = ce.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		var askErr error
		ok, askErr = sparql.Ask(g, q)
		return askErr
	})
	return ok, err
}

// compare lowers `${name OP literal}` to an ASK with a FILTER, evaluated
// against the innermost scope that binds the variable. An unbound
// variable makes the guard false.
func (ce *conditionEvaluator) compare(chain []rdf.Term, name string, op sparql.CompareOp, lit rdf.Term) (bool, error) {
	pred := store.VarPredicate(name)
	var ok bool
	err := ce.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		for _, scope := range chain {
			if g.One(scope, pred).IsZero() {
				continue
			}
			q := sparql.Query{
				Form:    sparql.FormAsk,
				Where:   []sparql.Pattern{{S: sparql.T(scope), P: sparql.T(pred), O: sparql.V("v")}},
				Filters: []sparql.Filter{{Var: "v", Op: op, Term: lit}},
			}
			var askErr error
			ok, askErr = sparql.Ask(g, q)
			return askErr
		}
		return nil
	})
	return ok, err
}

// truthy implements the bare-identifier guard: bound, and not false,
// zero or the empty string.
func (ce *conditionEvaluator) truthy(chain []rdf.Term, name string) (bool, error) {
	pred := store.VarPredicate(name)
	var ok bool
	err := ce.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		for _, scope := range chain {
			v := g.One(scope, pred)
			if v.IsZero() {
				continue
			}
			switch v.Datatype {
			case rdf.XSDBoolean:
				ok, _ = v.AsBool()
			case rdf.XSDInteger, rdf.XSDDecimal:
				f, _ := v.AsFloat()
				ok = f != 0
			default:
				ok = v.Value != ""
			}
			return nil
		}
		return nil
	})
	return ok, err
}

// guardLiteral types the literal per the restricted grammar: quoted is a
// string, true/false are booleans, bare numbers are decimals.
func guardLiteral(raw string) (rdf.Term, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') {
		if raw[len(raw)-1] != raw[0] {
			return rdf.Term{}, newEngineErrorf(ErrBadDefinition, "unterminated literal %s", raw)
		}
		return rdf.String(raw[1 : len(raw)-1]), nil
	}
	switch raw {
	case "true", "false":
		return rdf.TypedLiteral(raw, rdf.XSDBoolean), nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return rdf.TypedLiteral(raw, rdf.XSDDecimal), nil
	}
	return rdf.Term{}, newEngineErrorf(ErrBadDefinition, "unrecognized literal %s in condition", raw)
}
