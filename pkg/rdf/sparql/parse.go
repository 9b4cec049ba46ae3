package sparql

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/spear-bpm/spear/pkg/rdf"
)

// Parse reads a SELECT or ASK in the supported dialect:
//
//	PREFIX var: <http://...>
//	SELECT ?a ?b WHERE { ?a <p> ?b . FILTER(?b >= 10) }
//	ASK { <s> var:name ?v . FILTER(?v = "x") }
//
// Triple patterns are dot separated; FILTER takes a single comparison of
// a variable against a constant.
func Parse(text string) (Query, error) {
	p := newParser(text)
	if err := p.prefixes(); err != nil {
		return Query{}, err
	}
	kw, ok := p.peekWord()
	if !ok {
		return Query{}, fmt.Errorf("empty query")
	}
	switch strings.ToUpper(kw) {
	case "SELECT":
		return p.selectQuery()
	case "ASK":
		return p.askQuery()
	case "CONSTRUCT":
		return p.constructQuery()
	default:
		return Query{}, fmt.Errorf("unsupported query form %q", kw)
	}
}

// IsAsk reports whether the text looks like a SPARQL ASK (used to route
// guard expressions between the ${…} grammar and ASK passthrough).
func IsAsk(text string) bool {
	t := strings.TrimSpace(text)
	for {
		upper := strings.ToUpper(t)
		if strings.HasPrefix(upper, "PREFIX") {
			idx := strings.IndexByte(t, '>')
			if idx < 0 {
				return false
			}
			t = strings.TrimSpace(t[idx+1:])
			continue
		}
		return strings.HasPrefix(upper, "ASK")
	}
}

type parser struct {
	s        string
	pos      int
	prefixNS map[string]string
}

func newParser(s string) *parser {
	return &parser{s: s, prefixNS: map[string]string{}}
}

func (p *parser) prefixes() error {
	for {
		p.skipSpace()
		if kw, ok := p.peekWord(); !ok || strings.ToUpper(kw) != "PREFIX" {
			return nil
		}
		p.word()
		p.skipSpace()
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != ':' {
			p.pos++
		}
		if p.pos >= len(p.s) {
			return fmt.Errorf("malformed PREFIX declaration")
		}
		name := strings.TrimSpace(p.s[start:p.pos])
		p.pos++ // ':'
		p.skipSpace()
		if p.pos >= len(p.s) || p.s[p.pos] != '<' {
			return fmt.Errorf("PREFIX %s: expected IRI", name)
		}
		p.pos++
		end := strings.IndexByte(p.s[p.pos:], '>')
		if end < 0 {
			return fmt.Errorf("PREFIX %s: unterminated IRI", name)
		}
		p.prefixNS[name] = p.s[p.pos : p.pos+end]
		p.pos += end + 1
	}
}

func (p *parser) selectQuery() (Query, error) {
	p.word() // SELECT
	q := Query{Form: FormSelect}
	for {
		p.skipSpace()
		if p.pos < len(p.s) && p.s[p.pos] == '?' {
			v, err := p.variable()
			if err != nil {
				return Query{}, err
			}
			q.Vars = append(q.Vars, v)
			continue
		}
		if p.pos < len(p.s) && p.s[p.pos] == '*' {
			p.pos++
			continue
		}
		break
	}
	if kw, ok := p.peekWord(); !ok || strings.ToUpper(kw) != "WHERE" {
		return Query{}, fmt.Errorf("expected WHERE")
	}
	p.word()
	var err error
	q.Where, q.Filters, err = p.groupGraphPattern()
	if err != nil {
		return Query{}, err
	}
	return q, nil
}

func (p *parser) askQuery() (Query, error) {
	p.word() // ASK
	q := Query{Form: FormAsk}
	var err error
	q.Where, q.Filters, err = p.groupGraphPattern()
	if err != nil {
		return Query{}, err
	}
	return q, nil
}

func (p *parser) constructQuery() (Query, error) {
	p.word() // CONSTRUCT
	q := Query{Form: FormConstruct}
	template, filters, err := p.groupGraphPattern()
	if err != nil {
		return Query{}, err
	}
	if len(filters) > 0 {
		return Query{}, fmt.Errorf("FILTER is not allowed in a CONSTRUCT template")
	}
	q.Template = template
	if kw, ok := p.peekWord(); !ok || strings.ToUpper(kw) != "WHERE" {
		return Query{}, fmt.Errorf("expected WHERE")
	}
	p.word()
	q.Where, q.Filters, err = p.groupGraphPattern()
	if err != nil {
		return Query{}, err
	}
	return q, nil
}

func (p *parser) groupGraphPattern() ([]Pattern, []Filter, error) {
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != '{' {
		return nil, nil, fmt.Errorf("expected '{'")
	}
	p.pos++
	var patterns []Pattern
	var filters []Filter
	for {
		p.skipSpace()
		if p.pos >= len(p.s) {
			return nil, nil, fmt.Errorf("unterminated group pattern")
		}
		if p.s[p.pos] == '}' {
			p.pos++
			return patterns, filters, nil
		}
		if p.s[p.pos] == '.' {
			p.pos++
			continue
		}
		if kw, ok := p.peekWord(); ok && strings.ToUpper(kw) == "FILTER" {
			f, err := p.filter()
			if err != nil {
				return nil, nil, err
			}
			filters = append(filters, f)
			continue
		}
		pat, err := p.triplePattern()
		if err != nil {
			return nil, nil, err
		}
		patterns = append(patterns, pat)
	}
}

func (p *parser) triplePattern() (Pattern, error) {
	s, err := p.patternTerm()
	if err != nil {
		return Pattern{}, err
	}
	pr, err := p.patternTerm()
	if err != nil {
		return Pattern{}, err
	}
	o, err := p.patternTerm()
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{S: s, P: pr, O: o}, nil
}

func (p *parser) filter() (Filter, error) {
	p.word() // FILTER
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != '(' {
		return Filter{}, fmt.Errorf("FILTER: expected '('")
	}
	p.pos++
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != '?' {
		return Filter{}, fmt.Errorf("FILTER: expected variable")
	}
	v, err := p.variable()
	if err != nil {
		return Filter{}, err
	}
	p.skipSpace()
	op, err := p.compareOp()
	if err != nil {
		return Filter{}, err
	}
	pt, err := p.patternTerm()
	if err != nil {
		return Filter{}, err
	}
	if pt.IsVar() {
		return Filter{}, fmt.Errorf("FILTER: variable-to-variable comparison is not supported")
	}
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != ')' {
		return Filter{}, fmt.Errorf("FILTER: expected ')'")
	}
	p.pos++
	return Filter{Var: v, Op: op, Term: pt.Term}, nil
}

func (p *parser) compareOp() (CompareOp, error) {
	rest := p.s[p.pos:]
	if strings.HasPrefix(rest, "==") {
		p.pos += 2
		return OpEq, nil
	}
	for _, op := range []CompareOp{OpGte, OpLte, OpNeq, OpEq, OpGt, OpLt} {
		if strings.HasPrefix(rest, string(op)) {
			p.pos += len(op)
			return op, nil
		}
	}
	return "", fmt.Errorf("unsupported comparison operator at %q", truncate(rest))
}

func (p *parser) patternTerm() (PatternTerm, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return PatternTerm{}, fmt.Errorf("unexpected end of pattern")
	}
	switch c := p.s[p.pos]; {
	case c == '?':
		v, err := p.variable()
		if err != nil {
			return PatternTerm{}, err
		}
		return V(v), nil
	case c == '<':
		p.pos++
		end := strings.IndexByte(p.s[p.pos:], '>')
		if end < 0 {
			return PatternTerm{}, fmt.Errorf("unterminated IRI")
		}
		iri := p.s[p.pos : p.pos+end]
		p.pos += end + 1
		return T(rdf.IRI(iri)), nil
	case c == '"':
		lit, err := p.quotedLiteral()
		if err != nil {
			return PatternTerm{}, err
		}
		return T(lit), nil
	case c == '-' || unicode.IsDigit(rune(c)):
		start := p.pos
		p.pos++
		isDecimal := false
		for p.pos < len(p.s) && (unicode.IsDigit(rune(p.s[p.pos])) || p.s[p.pos] == '.') {
			if p.s[p.pos] == '.' {
				// a dot followed by non-digit terminates the pattern
				if p.pos+1 >= len(p.s) || !unicode.IsDigit(rune(p.s[p.pos+1])) {
					break
				}
				isDecimal = true
			}
			p.pos++
		}
		lex := p.s[start:p.pos]
		if isDecimal {
			return T(rdf.TypedLiteral(lex, rdf.XSDDecimal)), nil
		}
		return T(rdf.TypedLiteral(lex, rdf.XSDInteger)), nil
	default:
		w := p.word()
		if w == "" {
			return PatternTerm{}, fmt.Errorf("unexpected character %q", c)
		}
		if w == "true" || w == "false" {
			return T(rdf.TypedLiteral(w, rdf.XSDBoolean)), nil
		}
		if idx := strings.IndexByte(w, ':'); idx >= 0 {
			ns, ok := p.prefixNS[w[:idx]]
			if !ok {
				return PatternTerm{}, fmt.Errorf("unknown prefix %q", w[:idx])
			}
			return T(rdf.IRI(ns + w[idx+1:])), nil
		}
		return PatternTerm{}, fmt.Errorf("unexpected token %q", w)
	}
}

func (p *parser) quotedLiteral() (rdf.Term, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '\\' && p.pos+1 < len(p.s) {
			b.WriteByte(p.s[p.pos+1])
			p.pos += 2
			continue
		}
		if c == '"' {
			p.pos++
			datatype := rdf.XSDString
			if strings.HasPrefix(p.s[p.pos:], "^^") {
				p.pos += 2
				pt, err := p.patternTerm()
				if err != nil {
					return rdf.Term{}, err
				}
				if pt.IsVar() || !pt.Term.IsIRI() {
					return rdf.Term{}, fmt.Errorf("literal datatype must be an IRI")
				}
				datatype = pt.Term.Value
			}
			return rdf.TypedLiteral(b.String(), datatype), nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return rdf.Term{}, fmt.Errorf("unterminated string literal")
}

func (p *parser) variable() (string, error) {
	p.pos++ // '?'
	start := p.pos
	for p.pos < len(p.s) && (isWordChar(p.s[p.pos])) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("empty variable name")
	}
	return p.s[start:p.pos], nil
}

func (p *parser) peekWord() (string, bool) {
	save := p.pos
	w := p.word()
	p.pos = save
	return w, w != ""
}

func (p *parser) word() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && (isWordChar(p.s[p.pos]) || p.s[p.pos] == ':') {
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && unicode.IsSpace(rune(p.s[p.pos])) {
		p.pos++
	}
}

func isWordChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func truncate(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}
