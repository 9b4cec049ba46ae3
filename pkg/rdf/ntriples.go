package rdf

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// SerializeNTriples writes the graph in canonical N-Triples form: one
// statement per line, lines sorted. Snapshots of all named graphs use
// this codec.
func SerializeNTriples(g *Graph) []byte {
	var buf bytes.Buffer
	for _, t := range g.Triples() {
		writeTerm(&buf, t.S)
		buf.WriteByte(' ')
		writeTerm(&buf, t.P)
		buf.WriteByte(' ')
		writeTerm(&buf, t.O)
		buf.WriteString(" .\n")
	}
	return buf.Bytes()
}

// ParseNTriples reads N-Triples produced by SerializeNTriples (plus
// comments and blank lines) into a fresh graph.
func ParseNTriples(data []byte) (*Graph, error) {
	g := NewGraph()
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := parseStatement(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		g.Add(t)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

func writeTerm(buf *bytes.Buffer, t Term) {
	switch t.Kind {
	case TermIRI:
		buf.WriteByte('<')
		buf.WriteString(t.Value)
		buf.WriteByte('>')
	case TermBlank:
		buf.WriteString("_:")
		buf.WriteString(t.Value)
	default:
		buf.WriteByte('"')
		buf.WriteString(escapeLiteral(t.Value))
		buf.WriteByte('"')
		if t.Datatype != "" && t.Datatype != XSDString {
			buf.WriteString("^^<")
			buf.WriteString(t.Datatype)
			buf.WriteByte('>')
		}
	}
}

func escapeLiteral(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseStatement(line string) (Triple, error) {
	p := &ntParser{s: line}
	s, err := p.term()
	if err != nil {
		return Triple{}, err
	}
	pred, err := p.term()
	if err != nil {
		return Triple{}, err
	}
	o, err := p.term()
	if err != nil {
		return Triple{}, err
	}
	p.skipSpace()
	if !strings.HasPrefix(p.rest(), ".") {
		return Triple{}, fmt.Errorf("missing terminating dot in %q", line)
	}
	return Triple{S: s, P: pred, O: o}, nil
}

type ntParser struct {
	s   string
	pos int
}

func (p *ntParser) rest() string { return p.s[p.pos:] }

func (p *ntParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *ntParser) term() (Term, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return Term{}, fmt.Errorf("unexpected end of statement")
	}
	switch p.s[p.pos] {
	case '<':
		end := strings.IndexByte(p.rest(), '>')
		if end < 0 {
			return Term{}, fmt.Errorf("unterminated IRI")
		}
		iri := p.s[p.pos+1 : p.pos+end]
		p.pos += end + 1
		return IRI(iri), nil
	case '_':
		if !strings.HasPrefix(p.rest(), "_:") {
			return Term{}, fmt.Errorf("malformed blank node")
		}
		p.pos += 2
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != ' ' && p.s[p.pos] != '\t' {
			p.pos++
		}
		return Blank(p.s[start:p.pos]), nil
	case '"':
		return p.literal()
	default:
		return Term{}, fmt.Errorf("unexpected character %q", p.s[p.pos])
	}
}

func (p *ntParser) literal() (Term, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '\\' {
			if p.pos+1 >= len(p.s) {
				return Term{}, fmt.Errorf("truncated escape")
			}
			switch p.s[p.pos+1] {
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				return Term{}, fmt.Errorf("unsupported escape \\%c", p.s[p.pos+1])
			}
			p.pos += 2
			continue
		}
		if c == '"' {
			p.pos++
			datatype := XSDString
			if strings.HasPrefix(p.rest(), "^^<") {
				p.pos += 3
				end := strings.IndexByte(p.rest(), '>')
				if end < 0 {
					return Term{}, fmt.Errorf("unterminated datatype IRI")
				}
				datatype = p.s[p.pos : p.pos+end]
				p.pos += end + 1
			}
			return TypedLiteral(b.String(), datatype), nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return Term{}, fmt.Errorf("unterminated literal")
}
