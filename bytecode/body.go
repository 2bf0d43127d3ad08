package bytecode

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/vmrt/hal"
)

// Opcode identifies a body instruction.
type Opcode byte

const (
	OpCall  Opcode = 0x01 // importIdx argc args... resc results...
	OpRet   Opcode = 0x02 // n regs...
	OpConst Opcode = 0x03 // reg type bits(8 bytes)
	OpMove  Opcode = 0x04 // dst src
	OpTrap  Opcode = 0x05 // message
)

func (o Opcode) String() string {
	switch o {
	case OpCall:
		return "call"
	case OpRet:
		return "ret"
	case OpConst:
		return "const"
	case OpMove:
		return "move"
	case OpTrap:
		return "trap"
	default:
		return fmt.Sprintf("op(0x%02x)", byte(o))
	}
}

var (
	ErrMissingReturn = errors.New("body has no ret")
	ErrBadRegister   = errors.New("register out of range")
	ErrBadImport     = errors.New("import index out of range")
	ErrBadOpcode     = errors.New("unknown opcode")
)

// Instr is one decoded instruction. Only the fields used by Op are set.
type Instr struct {
	Op      Opcode
	Import  int             // call
	Args    []int           // call arguments, ret registers
	Results []int           // call results
	Dst     int             // const, move
	Src     int             // move
	Type    hal.ElementType // const
	Bits    uint64          // const
	Message string          // trap
}

// Body is a decoded function body. Arguments occupy registers
// 0..len(args)-1.
type Body struct {
	Registers int
	Instrs    []Instr
}

// DecodeBody parses a function body. Register and import indices are checked
// against the body's register count and numImports.
func DecodeBody(data []byte, numImports int) (*Body, error) {
	r := &reader{data: data}
	regs, err := r.varint("register count")
	if err != nil {
		return nil, err
	}
	b := &Body{Registers: int(regs)}

	reg := func(what string) (int, error) {
		v, err := r.varint(what)
		if err != nil {
			return 0, err
		}
		if int(v) >= b.Registers {
			return 0, fmt.Errorf("%w: %s %d of %d", ErrBadRegister, what, v, b.Registers)
		}
		return int(v), nil
	}
	regList := func(what string) ([]int, error) {
		n, err := r.count(1, what+" count")
		if err != nil {
			return nil, err
		}
		out := make([]int, n)
		for i := range out {
			if out[i], err = reg(what); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	for {
		if r.remaining() == 0 {
			return nil, ErrMissingReturn
		}
		op, _ := r.u8("opcode")
		in := Instr{Op: Opcode(op)}

		switch in.Op {
		case OpCall:
			idx, err := r.varint("import index")
			if err != nil {
				return nil, err
			}
			if int(idx) >= numImports {
				return nil, fmt.Errorf("%w: %d of %d", ErrBadImport, idx, numImports)
			}
			in.Import = int(idx)
			if in.Args, err = regList("argument"); err != nil {
				return nil, err
			}
			if in.Results, err = regList("result"); err != nil {
				return nil, err
			}
		case OpRet:
			if in.Args, err = regList("return"); err != nil {
				return nil, err
			}
			b.Instrs = append(b.Instrs, in)
			return b, nil
		case OpConst:
			if in.Dst, err = reg("const destination"); err != nil {
				return nil, err
			}
			t, err := r.u8("const type")
			if err != nil {
				return nil, err
			}
			in.Type = hal.ElementType(t)
			if !in.Type.Valid() {
				return nil, fmt.Errorf("const type %d is not a known element type", t)
			}
			if in.Bits, err = r.u64("const bits"); err != nil {
				return nil, err
			}
		case OpMove:
			if in.Dst, err = reg("move destination"); err != nil {
				return nil, err
			}
			if in.Src, err = reg("move source"); err != nil {
				return nil, err
			}
		case OpTrap:
			if in.Message, err = r.string("trap message"); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w 0x%02x at offset %d", ErrBadOpcode, op, r.pos-1)
		}
		b.Instrs = append(b.Instrs, in)
	}
}

// EncodeBody writes b. The final instruction should be a ret.
func EncodeBody(b *Body) []byte {
	w := &writer{}
	w.varint(uint32(b.Registers))
	regs := func(list []int) {
		w.varint(uint32(len(list)))
		for _, r := range list {
			w.varint(uint32(r))
		}
	}
	for _, in := range b.Instrs {
		w.u8(byte(in.Op))
		switch in.Op {
		case OpCall:
			w.varint(uint32(in.Import))
			regs(in.Args)
			regs(in.Results)
		case OpRet:
			regs(in.Args)
		case OpConst:
			w.varint(uint32(in.Dst))
			w.u8(byte(in.Type))
			w.u64(in.Bits)
		case OpMove:
			w.varint(uint32(in.Dst))
			w.varint(uint32(in.Src))
		case OpTrap:
			w.string(in.Message)
		}
	}
	return w.buf
}
