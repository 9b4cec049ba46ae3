package rdf

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Well known XSD datatype IRIs. Variables, literals in conditions and
// snapshot files all use this set.
const (
	XSDString   = "http://www.w3.org/2001/XMLSchema#string"
	XSDInteger  = "http://www.w3.org/2001/XMLSchema#integer"
	XSDDecimal  = "http://www.w3.org/2001/XMLSchema#decimal"
	XSDBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	XSDDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
)

type TermKind uint8

const (
	TermIRI TermKind = iota
	TermLiteral
	TermBlank
)

// Term is an RDF term. Terms are small comparable values so they can be
// used directly as map keys in the graph indexes.
type Term struct {
	Kind     TermKind
	Value    string // IRI, lexical form of the literal, or blank node label
	Datatype string // literal datatype IRI, empty for IRIs and blank nodes
}

func IRI(iri string) Term {
	return Term{Kind: TermIRI, Value: iri}
}

func Blank(label string) Term {
	return Term{Kind: TermBlank, Value: label}
}

func String(s string) Term {
	return Term{Kind: TermLiteral, Value: s, Datatype: XSDString}
}

func Integer(i int64) Term {
	return Term{Kind: TermLiteral, Value: strconv.FormatInt(i, 10), Datatype: XSDInteger}
}

func Decimal(f float64) Term {
	return Term{Kind: TermLiteral, Value: strconv.FormatFloat(f, 'f', -1, 64), Datatype: XSDDecimal}
}

func Boolean(b bool) Term {
	return Term{Kind: TermLiteral, Value: strconv.FormatBool(b), Datatype: XSDBoolean}
}

func DateTime(t time.Time) Term {
	return Term{Kind: TermLiteral, Value: t.UTC().Format(time.RFC3339Nano), Datatype: XSDDateTime}
}

// TypedLiteral builds a literal with an explicit datatype IRI.
// An empty datatype defaults to xsd:string.
func TypedLiteral(lexical, datatype string) Term {
	if datatype == "" {
		datatype = XSDString
	}
	return Term{Kind: TermLiteral, Value: lexical, Datatype: datatype}
}

func (t Term) IsLiteral() bool { return t.Kind == TermLiteral }
func (t Term) IsIRI() bool     { return t.Kind == TermIRI }
func (t Term) IsZero() bool    { return t == Term{} }

// AsBool interprets a literal as xsd:boolean.
func (t Term) AsBool() (bool, error) {
	if t.Kind != TermLiteral {
		return false, fmt.Errorf("term %s is not a literal", t)
	}
	return strconv.ParseBool(t.Value)
}

// AsInt interprets a literal as xsd:integer.
func (t Term) AsInt() (int64, error) {
	if t.Kind != TermLiteral {
		return 0, fmt.Errorf("term %s is not a literal", t)
	}
	return strconv.ParseInt(t.Value, 10, 64)
}

// AsFloat interprets a literal as xsd:decimal.
func (t Term) AsFloat() (float64, error) {
	if t.Kind != TermLiteral {
		return 0, fmt.Errorf("term %s is not a literal", t)
	}
	return strconv.ParseFloat(t.Value, 64)
}

// AsTime interprets a literal as xsd:dateTime.
func (t Term) AsTime() (time.Time, error) {
	if t.Kind != TermLiteral {
		return time.Time{}, fmt.Errorf("term %s is not a literal", t)
	}
	return time.Parse(time.RFC3339Nano, t.Value)
}

// Native converts a literal into the closest Go value. IRIs and blank
// nodes come back as their string form.
func (t Term) Native() any {
	if t.Kind != TermLiteral {
		return t.Value
	}
	switch t.Datatype {
	case XSDInteger:
		if i, err := strconv.ParseInt(t.Value, 10, 64); err == nil {
			return i
		}
	case XSDDecimal:
		if f, err := strconv.ParseFloat(t.Value, 64); err == nil {
			return f
		}
	case XSDBoolean:
		if b, err := strconv.ParseBool(t.Value); err == nil {
			return b
		}
	case XSDDateTime:
		if ts, err := time.Parse(time.RFC3339Nano, t.Value); err == nil {
			return ts
		}
	}
	return t.Value
}

// FromNative converts a Go value into a typed literal.
func FromNative(v any) Term {
	switch val := v.(type) {
	case nil:
		return String("")
	case string:
		return String(val)
	case bool:
		return Boolean(val)
	case int:
		return Integer(int64(val))
	case int32:
		return Integer(int64(val))
	case int64:
		return Integer(val)
	case float32:
		return Decimal(float64(val))
	case float64:
		// JSON decoding yields float64 for every number; keep integral
		// values as xsd:integer so round-trips stay stable.
		if val == float64(int64(val)) {
			return Integer(int64(val))
		}
		return Decimal(val)
	case time.Time:
		return DateTime(val)
	default:
		return String(fmt.Sprintf("%v", val))
	}
}

func (t Term) String() string {
	switch t.Kind {
	case TermIRI:
		return "<" + t.Value + ">"
	case TermBlank:
		return "_:" + t.Value
	default:
		if t.Datatype == "" || t.Datatype == XSDString {
			return strconv.Quote(t.Value)
		}
		return strconv.Quote(t.Value) + "^^<" + t.Datatype + ">"
	}
}

// MarshalJSON renders the term in its N-Triples form, the same string
// String produces. Query results go over the wire in this shape.
func (t Term) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Triple is a single statement within one named graph.
type Triple struct {
	S Term `json:"s"`
	P Term `json:"p"`
	O Term `json:"o"`
}

func (tr Triple) String() string {
	return fmt.Sprintf("%s %s %s .", tr.S, tr.P, tr.O)
}
