package sig

import (
	"fmt"
	"strconv"

	"github.com/caffeineduck/vmrt/hal"
)

// SyntaxError reports a malformed raw signature.
type SyntaxError struct {
	Signature string
	Offset    int
	Msg       string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("raw signature %q at offset %d: %s", e.Signature, e.Offset, e.Msg)
}

// ParseAttrs parses the signature held in reflection attributes. The raw ABI
// version must be "1".
func ParseAttrs(attrs map[string]string) (Function, error) {
	raw, ok := attrs[AttrSignature]
	if !ok {
		return Function{}, fmt.Errorf("no raw abi reflection metadata for function")
	}
	if v := attrs[AttrVersion]; v != RawVersion {
		return Function{}, fmt.Errorf("unsupported raw function abi version %q", v)
	}
	return Parse(raw)
}

// Parse decodes a mangled signature.
func Parse(s string) (Function, error) {
	p := &parser{src: s}

	inputs, err := p.tuple('I')
	if err != nil {
		return Function{}, err
	}
	results, err := p.tuple('R')
	if err != nil {
		return Function{}, err
	}
	if p.pos != len(s) {
		return Function{}, p.errorf("trailing data")
	}
	return Function{Inputs: inputs, Results: results}, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Signature: p.src, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

// span reads <tag><len>! and returns the content bounds.
func (p *parser) span(tag byte) (start, end int, err error) {
	if p.pos >= len(p.src) || p.src[p.pos] != tag {
		return 0, 0, p.errorf("expected %q", tag)
	}
	p.pos++
	n, err := p.int(false)
	if err != nil {
		return 0, 0, err
	}
	if n < 1 || p.pos+n > len(p.src) {
		return 0, 0, p.errorf("span length %d out of range", n)
	}
	if p.src[p.pos] != '!' {
		return 0, 0, p.errorf("expected '!'")
	}
	start = p.pos + 1
	end = p.pos + n
	p.pos = start
	return start, end, nil
}

func (p *parser) tuple(tag byte) ([]Type, error) {
	_, end, err := p.span(tag)
	if err != nil {
		return nil, err
	}
	types := []Type{}
	for p.pos < end {
		t, err := p.item(end)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func (p *parser) item(limit int) (Type, error) {
	if p.pos >= limit {
		return Type{}, p.errorf("unexpected end of span")
	}
	tag := p.src[p.pos]
	var t Type
	switch tag {
	case 'B':
		t = Type{Kind: KindBuffer, Element: hal.Float32, Dims: []int{}}
	case 'S':
		t = Type{Kind: KindScalar, Element: hal.Float32}
	default:
		return Type{}, p.errorf("unknown item tag %q", tag)
	}

	_, end, err := p.span(tag)
	if err != nil {
		return Type{}, err
	}
	if end > limit {
		return Type{}, p.errorf("item overruns enclosing span")
	}

	for p.pos < end {
		switch p.src[p.pos] {
		case 't':
			p.pos++
			code, err := p.int(false)
			if err != nil {
				return Type{}, err
			}
			if !hal.ElementType(code).Valid() {
				return Type{}, p.errorf("unknown scalar type %d", code)
			}
			t.Element = hal.ElementType(code)
		case 'd':
			if t.Kind != KindBuffer {
				return Type{}, p.errorf("dimension on scalar")
			}
			p.pos++
			d, err := p.int(true)
			if err != nil {
				return Type{}, err
			}
			if d < DynamicDim {
				return Type{}, p.errorf("invalid dimension %d", d)
			}
			t.Dims = append(t.Dims, d)
		default:
			return Type{}, p.errorf("unexpected %q", p.src[p.pos])
		}
		if p.pos > end {
			return Type{}, p.errorf("attribute overruns item")
		}
	}
	return t, nil
}

func (p *parser) int(signed bool) (int, error) {
	start := p.pos
	if signed && p.pos < len(p.src) && p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(p.src[start:p.pos])
	if err != nil {
		p.pos = start
		return 0, p.errorf("expected integer")
	}
	return n, nil
}
