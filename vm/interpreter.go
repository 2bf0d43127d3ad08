package vm

import (
	"context"
	"fmt"

	"github.com/caffeineduck/vmrt/bytecode"
	"github.com/caffeineduck/vmrt/host"
	"go.uber.org/zap"
)

// TrapError is raised by a TRAP instruction.
type TrapError struct {
	Function string
	Message  string
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("trap in %s: %s", e.Function, e.Message)
}

// execute runs a body. The register file holds one reference to every view
// stored in it and drops them all on return.
func (m *BytecodeModule) execute(ctx context.Context, env *callEnv, fn Function, args []Variant) ([]Variant, error) {
	body, err := m.body(fn.Ordinal)
	if err != nil {
		return nil, err
	}
	if _, typed := fn.Attrs["f"]; typed && len(args) != len(fn.Signature.Inputs) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", fn.QualifiedName(), len(fn.Signature.Inputs), len(args))
	}
	if len(args) > body.Registers {
		return nil, fmt.Errorf("%s: %d arguments exceed %d registers", fn.QualifiedName(), len(args), body.Registers)
	}

	regs := make([]Variant, body.Registers)
	defer func() {
		for _, r := range regs {
			r.release()
		}
	}()
	for i, a := range args {
		a.retain()
		regs[i] = a
	}

	links := env.c.imports(m.Name())
	for pc, in := range body.Instrs {
		switch in.Op {
		case bytecode.OpCall:
			if in.Import >= len(links) || !links[in.Import].IsValid() {
				return nil, fmt.Errorf("%s@%d: unresolved import %d", fn.QualifiedName(), pc, in.Import)
			}
			callee := links[in.Import]
			callArgs := make([]Variant, len(in.Args))
			for j, r := range in.Args {
				callArgs[j] = regs[r]
			}
			outs, err := env.call(ctx, callee, callArgs)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", callee.QualifiedName(), err)
			}
			if len(outs) != len(in.Results) {
				for _, o := range outs {
					o.release()
				}
				return nil, fmt.Errorf("%s@%d: %s returned %d results, expected %d",
					fn.QualifiedName(), pc, callee.QualifiedName(), len(outs), len(in.Results))
			}
			for j, r := range in.Results {
				regs[r].release()
				regs[r] = outs[j]
			}

		case bytecode.OpConst:
			s, err := host.NewScalar(in.Type, in.Bits)
			if err != nil {
				return nil, fmt.Errorf("%s@%d: %w", fn.QualifiedName(), pc, err)
			}
			v, err := ScalarVariant(s)
			if err != nil {
				return nil, fmt.Errorf("%s@%d: %w", fn.QualifiedName(), pc, err)
			}
			regs[in.Dst].release()
			regs[in.Dst] = v

		case bytecode.OpMove:
			v := regs[in.Src]
			v.retain()
			regs[in.Dst].release()
			regs[in.Dst] = v

		case bytecode.OpTrap:
			return nil, &TrapError{Function: fn.QualifiedName(), Message: in.Message}

		case bytecode.OpRet:
			out := make([]Variant, len(in.Args))
			for j, r := range in.Args {
				out[j] = regs[r]
				out[j].retain()
			}
			env.c.logger.Debug("function returned",
				zap.String("function", fn.QualifiedName()),
				zap.Int("results", len(out)),
				zap.Int("instructions", pc+1))
			return out, nil

		default:
			return nil, fmt.Errorf("%s@%d: %w %s", fn.QualifiedName(), pc, bytecode.ErrBadOpcode, in.Op)
		}
	}
	return nil, fmt.Errorf("%s: %w", fn.QualifiedName(), bytecode.ErrMissingReturn)
}
