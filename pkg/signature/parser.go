package signature

import (
	"fmt"
	"strings"
)

// SyntaxError reports malformed signature text.
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("signature %q at %d: %s", e.Input, e.Pos, e.Msg)
}

type parser struct {
	s   string
	pos int
}

func (p *parser) fail(format string, args ...any) error {
	return &SyntaxError{Input: p.s, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		if p.pos >= len(p.s) {
			return p.fail("expected %q, got end of input", c)
		}
		return p.fail("expected %q, got %q", c, p.s[p.pos])
	}
	p.pos++
	return nil
}

func (p *parser) done() error {
	if p.pos != len(p.s) {
		return p.fail("trailing %q", p.s[p.pos:])
	}
	return nil
}

// Parse parses a class or method signature. Method descriptors are valid
// method signatures.
func Parse(s string) (*Signature, error) {
	p := &parser{s: s}
	params, err := p.formalParams()
	if err != nil {
		return nil, err
	}
	sig := &Signature{FormalParams: params}
	if p.peek() == '(' {
		err = p.methodRest(sig)
	} else {
		err = p.classRest(sig)
	}
	if err != nil {
		return nil, err
	}
	return sig, p.done()
}

// ParseMethod parses a method signature or descriptor.
func ParseMethod(s string) (*Signature, error) {
	sig, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if !sig.IsMethod() {
		return nil, &SyntaxError{Input: s, Msg: "not a method signature"}
	}
	return sig, nil
}

// ParseType parses a single field signature or field descriptor,
// including primitive types.
func ParseType(s string) (Type, error) {
	p := &parser{s: s}
	t, err := p.typeSignature()
	if err != nil {
		return nil, err
	}
	return t, p.done()
}

func (p *parser) formalParams() ([]*FormalTypeParameter, error) {
	if p.peek() != '<' {
		return nil, nil
	}
	p.pos++
	var out []*FormalTypeParameter
	for p.peek() != '>' {
		fp, err := p.formalParam()
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	p.pos++
	if len(out) == 0 {
		return nil, p.fail("empty type parameter list")
	}
	return out, nil
}

func (p *parser) formalParam() (*FormalTypeParameter, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ':' {
		if strings.IndexByte(".;[/<>", p.s[p.pos]) >= 0 {
			return nil, p.fail("invalid type parameter name")
		}
		p.pos++
	}
	if p.pos == start {
		return nil, p.fail("missing type parameter name")
	}
	fp := &FormalTypeParameter{Name: p.s[start:p.pos]}
	if err := p.expect(':'); err != nil {
		return nil, err
	}
	if c := p.peek(); c == 'L' || c == '[' || c == 'T' {
		t, err := p.referenceType()
		if err != nil {
			return nil, err
		}
		fp.ClassBound = t
	}
	for p.peek() == ':' {
		p.pos++
		t, err := p.referenceType()
		if err != nil {
			return nil, err
		}
		fp.InterfaceBounds = append(fp.InterfaceBounds, t)
	}
	return fp, nil
}

func (p *parser) methodRest(sig *Signature) error {
	if err := p.expect('('); err != nil {
		return err
	}
	for p.peek() != ')' {
		if p.pos >= len(p.s) {
			return p.fail("unterminated parameter list")
		}
		t, err := p.typeSignature()
		if err != nil {
			return err
		}
		sig.Params = append(sig.Params, t)
	}
	p.pos++
	if p.peek() == 'V' {
		p.pos++
		sig.Return = &BaseType{Desc: 'V'}
	} else {
		t, err := p.typeSignature()
		if err != nil {
			return err
		}
		sig.Return = t
	}
	for p.peek() == '^' {
		p.pos++
		t, err := p.referenceType()
		if err != nil {
			return err
		}
		sig.Exceptions = append(sig.Exceptions, t)
	}
	return nil
}

func (p *parser) classRest(sig *Signature) error {
	super, err := p.classType()
	if err != nil {
		return err
	}
	sig.Super = super
	for p.peek() == 'L' {
		iface, err := p.classType()
		if err != nil {
			return err
		}
		sig.Interfaces = append(sig.Interfaces, iface)
	}
	return nil
}

// typeSignature is a reference type or a primitive.
func (p *parser) typeSignature() (Type, error) {
	switch c := p.peek(); c {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		p.pos++
		return &BaseType{Desc: c}, nil
	}
	return p.referenceType()
}

func (p *parser) referenceType() (Type, error) {
	dims := 0
	for p.peek() == '[' {
		p.pos++
		dims++
	}
	switch c := p.peek(); c {
	case 'L':
		ct, err := p.classType()
		if err != nil {
			return nil, err
		}
		ct.Dims = dims
		return ct, nil
	case 'T':
		p.pos++
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != ';' {
			p.pos++
		}
		if p.pos == start || p.pos >= len(p.s) {
			return nil, p.fail("malformed type variable")
		}
		name := p.s[start:p.pos]
		p.pos++
		return &TypeVariable{Name: name, Dims: dims}, nil
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		if dims == 0 {
			return nil, p.fail("primitive %q where a reference type is required", c)
		}
		p.pos++
		return &BaseType{Desc: c, Dims: dims}, nil
	case 0:
		return nil, p.fail("unexpected end of input")
	default:
		return nil, p.fail("unexpected %q", c)
	}
}

// classType parses L...; including inner class suffixes. The result is
// the innermost class, with its outer parts chained through Owner.
func (p *parser) classType() (*ClassType, error) {
	if err := p.expect('L'); err != nil {
		return nil, err
	}
	name, err := p.identifier(true)
	if err != nil {
		return nil, err
	}
	ct := &ClassType{Raw: name}
	for {
		if p.peek() == '<' {
			if ct.Args, err = p.typeArgs(); err != nil {
				return nil, err
			}
		}
		switch p.peek() {
		case ';':
			p.pos++
			return ct, nil
		case '.':
			p.pos++
			simple, err := p.identifier(false)
			if err != nil {
				return nil, err
			}
			ct = &ClassType{Raw: ct.Raw + "$" + simple, Owner: ct}
		default:
			return nil, p.fail("unterminated class type")
		}
	}
}

func (p *parser) identifier(slashes bool) (string, error) {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ';' || c == '<' || c == '.' || c == '>' || c == ':' || c == '[' || (c == '/' && !slashes) {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", p.fail("missing identifier")
	}
	return p.s[start:p.pos], nil
}

func (p *parser) typeArgs() ([]TypeArg, error) {
	p.pos++ // '<'
	var out []TypeArg
	for p.peek() != '>' {
		var a TypeArg
		switch p.peek() {
		case 0:
			return nil, p.fail("unterminated type arguments")
		case '*':
			p.pos++
			out = append(out, TypeArg{Wildcard: Any})
			continue
		case '+':
			p.pos++
			a.Wildcard = Extends
		case '-':
			p.pos++
			a.Wildcard = Super
		}
		t, err := p.referenceType()
		if err != nil {
			return nil, err
		}
		a.Type = t
		out = append(out, a)
	}
	p.pos++
	if len(out) == 0 {
		return nil, p.fail("empty type arguments")
	}
	return out, nil
}
