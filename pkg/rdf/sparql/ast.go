// Package sparql implements the restricted SPARQL dialect the engine
// needs: SELECT and ASK over basic graph patterns with comparison
// filters, and DELETE/INSERT WHERE updates whose matched-pattern count is
// reported back to the caller (the compare-and-set substrate for timer
// leases). It is not a general SPARQL 1.1 engine.
package sparql

import (
	"github.com/spear-bpm/spear/pkg/rdf"
)

type QueryForm uint8

const (
	FormSelect QueryForm = iota
	FormAsk
	FormConstruct
)

// PatternTerm is one position of a triple pattern: either a concrete RDF
// term or a variable.
type PatternTerm struct {
	Var  string // variable name without the leading '?', empty for terms
	Term rdf.Term
}

func V(name string) PatternTerm       { return PatternTerm{Var: name} }
func T(t rdf.Term) PatternTerm        { return PatternTerm{Term: t} }
func (pt PatternTerm) IsVar() bool    { return pt.Var != "" }
func (pt PatternTerm) String() string { return patternTermString(pt) }

func patternTermString(pt PatternTerm) string {
	if pt.IsVar() {
		return "?" + pt.Var
	}
	return pt.Term.String()
}

// Pattern is a triple pattern within a WHERE clause.
type Pattern struct {
	S, P, O PatternTerm
}

type CompareOp string

const (
	OpEq  CompareOp = "="
	OpNeq CompareOp = "!="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
)

// Filter restricts bindings of a single variable against a constant.
type Filter struct {
	Var  string
	Op   CompareOp
	Term rdf.Term
}

// Query is a parsed SELECT, ASK or CONSTRUCT.
type Query struct {
	Form     QueryForm
	Vars     []string  // projected variables; empty means all for SELECT
	Template []Pattern // CONSTRUCT template
	Where    []Pattern
	Filters  []Filter
}

// Update is a DELETE/INSERT ... WHERE mutation. Delete and Insert
// templates are instantiated once per WHERE solution; the number of
// solutions is returned so callers can detect a lost compare-and-set
// race.
type Update struct {
	Delete  []Pattern
	Insert  []Pattern
	Where   []Pattern
	Filters []Filter
}

// Binding maps variable names to the terms of one solution.
type Binding map[string]rdf.Term
