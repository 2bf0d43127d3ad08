package bytecode

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/host"
	"github.com/caffeineduck/vmrt/sig"
)

// Source is the JSON description accepted by Assemble.
//
//	{
//	  "name": "arithmetic",
//	  "functions": [{
//	    "name": "simple_mul",
//	    "inputs": ["4xf32", "4xf32"],
//	    "results": ["4xf32"],
//	    "body": [
//	      {"op": "call", "import": "hal.mul", "args": [0, 1], "results": [2]},
//	      {"op": "ret", "args": [2]}
//	    ]
//	  }]
//	}
//
// Types are written like buffer-string heads: "4xf32", "?x128xf32". A bare
// mnemonic such as "i32" is a scalar. A raw mangled signature may be given
// instead of inputs and results.
type Source struct {
	Name      string           `json:"name"`
	Version   string           `json:"version,omitempty"`
	Imports   []string         `json:"imports,omitempty"`
	Functions []FunctionSource `json:"functions"`
}

type FunctionSource struct {
	Name      string        `json:"name"`
	Signature string        `json:"signature,omitempty"`
	Inputs    []string      `json:"inputs,omitempty"`
	Results   []string      `json:"results,omitempty"`
	Registers int           `json:"registers,omitempty"`
	Attrs     []Attr        `json:"attrs,omitempty"`
	Body      []InstrSource `json:"body"`
}

type InstrSource struct {
	Op      string `json:"op"`
	Import  string `json:"import,omitempty"`
	Args    []int  `json:"args,omitempty"`
	Results []int  `json:"results,omitempty"`
	Dst     int    `json:"dst,omitempty"`
	Src     int    `json:"src,omitempty"`
	Type    string `json:"type,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Assemble encodes a JSON module description.
func Assemble(data []byte) ([]byte, error) {
	var src Source
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parse module source: %w", err)
	}
	m, err := src.Module()
	if err != nil {
		return nil, err
	}
	return Encode(m), nil
}

// Module converts the description into a Module.
func (s *Source) Module() (*Module, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("module source has no name")
	}
	b := NewBuilder(s.Name)
	if s.Version != "" {
		major, minor, err := parseVersion(s.Version)
		if err != nil {
			return nil, err
		}
		b.SetVersion(major, minor)
	}
	for _, imp := range s.Imports {
		b.Import(imp)
	}

	for _, fs := range s.Functions {
		fn, err := fs.signature()
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", fs.Name, err)
		}
		f := b.Function(fs.Name, fn)
		f.attrs = append(f.attrs, fs.Attrs...)

		maxReg := f.args - 1
		for i, is := range fs.Body {
			in, err := is.instr(b)
			if err != nil {
				return nil, fmt.Errorf("function %q instruction %d: %w", fs.Name, i, err)
			}
			for _, r := range append(append(append([]int{}, in.Args...), in.Results...), in.Dst, in.Src) {
				maxReg = max(maxReg, r)
			}
			f.instrs = append(f.instrs, in)
			if in.Op == OpRet {
				f.returned = true
			}
		}
		f.regs = max(maxReg+1, fs.Registers)
	}
	return b.Build()
}

func (fs *FunctionSource) signature() (sig.Function, error) {
	if fs.Signature != "" {
		return sig.Parse(fs.Signature)
	}
	var fn sig.Function
	for _, t := range fs.Inputs {
		st, err := ParseType(t)
		if err != nil {
			return fn, err
		}
		fn.Inputs = append(fn.Inputs, st)
	}
	for _, t := range fs.Results {
		st, err := ParseType(t)
		if err != nil {
			return fn, err
		}
		fn.Results = append(fn.Results, st)
	}
	return fn, nil
}

func (is *InstrSource) instr(b *Builder) (Instr, error) {
	switch strings.ToLower(is.Op) {
	case "call":
		if is.Import == "" {
			return Instr{}, fmt.Errorf("call without import")
		}
		return Instr{Op: OpCall, Import: b.Import(is.Import), Args: is.Args, Results: is.Results}, nil
	case "ret":
		return Instr{Op: OpRet, Args: is.Args}, nil
	case "const":
		s, err := host.ParseScalar(is.Type + "=" + is.Value)
		if err != nil {
			return Instr{}, err
		}
		return Instr{Op: OpConst, Dst: is.Dst, Type: s.DType(), Bits: s.Bits()}, nil
	case "move":
		return Instr{Op: OpMove, Dst: is.Dst, Src: is.Src}, nil
	case "trap":
		return Instr{Op: OpTrap, Message: is.Message}, nil
	default:
		return Instr{}, fmt.Errorf("unknown op %q", is.Op)
	}
}

// ParseType reads a slot type written as "4x8xf32", "?xi32" or "i32".
func ParseType(s string) (sig.Type, error) {
	parts := strings.Split(s, "x")
	et, ok := hal.ParseMnemonic(parts[len(parts)-1])
	if !ok {
		return sig.Type{}, fmt.Errorf("type %q: unknown element type", s)
	}
	if len(parts) == 1 {
		return sig.Scalar(et), nil
	}
	dims := make([]int, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		if p == "?" {
			dims = append(dims, sig.DynamicDim)
			continue
		}
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return sig.Type{}, fmt.Errorf("type %q: invalid dimension %q", s, p)
		}
		dims = append(dims, d)
	}
	return sig.Buffer(et, dims...), nil
}

func parseVersion(s string) (uint16, uint16, error) {
	majorStr, minorStr, ok := strings.Cut(s, ".")
	if !ok {
		minorStr = "0"
	}
	a, err := strconv.ParseUint(majorStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid version %q", s)
	}
	b, err := strconv.ParseUint(minorStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid version %q", s)
	}
	return uint16(a), uint16(b), nil
}
