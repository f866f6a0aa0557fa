package vmregister

import "fmt"

// Fiber is one interpreter call stack: a flat value stack (locals at the
// bottom, expression temporaries above), a set of module-level globals,
// and the running chunk/pc. It is deliberately minimal — enough to run
// the loop shapes spec §8 exercises and to resume execution after a JIT
// side exit (spec §4.5's deoptimizer writes PC and StackTop here).
type Fiber struct {
	Stack    []Value
	StackTop int
	Globals  []Value
	Chunk    *Chunk
	PC       int
	Symbols  *SymbolTable
}

func NewFiber(chunk *Chunk, numSlots, numGlobals int, symbols *SymbolTable) *Fiber {
	return &Fiber{
		Stack:    make([]Value, numSlots),
		StackTop: numSlots,
		Globals:  make([]Value, numGlobals),
		Chunk:    chunk,
		Symbols:  symbols,
	}
}

func (f *Fiber) push(v Value) {
	if f.StackTop >= len(f.Stack) {
		f.Stack = append(f.Stack, v)
	} else {
		f.Stack[f.StackTop] = v
	}
	f.StackTop++
}

func (f *Fiber) pop() Value {
	f.StackTop--
	return f.Stack[f.StackTop]
}

func (f *Fiber) peek(depth int) Value {
	return f.Stack[f.StackTop-1-depth]
}

// Run interprets from f.PC until OpReturn, returning the returned value.
// This is the "slow path" the JIT falls back to on abort and resumes
// into on a guard-triggered deoptimization.
func (f *Fiber) Run() (Value, error) {
	for {
		halted, result, err := f.Step()
		if err != nil {
			return NilValue(), err
		}
		if halted {
			return result, nil
		}
	}
}

// Step executes exactly one instruction at f.PC, advancing PC (or
// setting it to a branch target). halted reports whether the fiber hit
// OpReturn, in which case result is the returned value. The trace
// recorder co-drives a Fiber through Step to keep shadow IR recording
// and real execution in lockstep (spec §4.1: "for each interpreted
// instruction... the recorder observes both the opcode and concrete
// runtime values").
func (f *Fiber) Step() (halted bool, result Value, err error) {
	code := f.Chunk.Code
	consts := f.Chunk.Consts

	instr := code[f.PC]
	op := instr.OpCode()
	operand := instr.Operand()
	pc := f.PC
	f.PC++

	switch op {
	case OpConst:
		f.push(consts[operand])

	case OpPop:
		f.StackTop--

	case OpGetLocal:
		f.push(f.Stack[operand])

	case OpSetLocal:
		f.Stack[operand] = f.peek(0)

	case OpGetGlobal:
		f.push(f.Globals[operand])

	case OpSetGlobal:
		f.Globals[operand] = f.peek(0)

	case OpGetField:
		obj := f.pop()
		inst := AsInstance(obj)
		f.push(inst.Fields[operand])

	case OpSetField:
		val := f.peek(0)
		obj := f.peek(1)
		inst := AsInstance(obj)
		inst.Fields[operand] = val
		f.Stack[f.StackTop-2] = val // collapse [obj, val] -> [val]
		f.StackTop--

	case OpInvoke0:
		sym := f.Chunk.CallSyms[pc]
		recv := f.peek(0)
		res, ierr := f.invoke(sym, recv, recv, false)
		if ierr != nil {
			return false, NilValue(), ierr
		}
		f.Stack[f.StackTop-1] = res

	case OpInvoke1:
		sym := f.Chunk.CallSyms[pc]
		arg := f.pop()
		recv := f.peek(0)
		res, ierr := f.invoke(sym, recv, arg, true)
		if ierr != nil {
			return false, NilValue(), ierr
		}
		f.Stack[f.StackTop-1] = res

	case OpJumpIfFalse:
		cond := f.pop()
		if !IsTruthy(cond) {
			f.PC = pc + 1 + int(operand)
		}

	case OpAnd:
		if !IsTruthy(f.peek(0)) {
			f.PC = pc + 1 + int(operand)
		} else {
			f.pop()
		}

	case OpOr:
		if IsTruthy(f.peek(0)) {
			f.PC = pc + 1 + int(operand)
		} else {
			f.pop()
		}

	case OpJump:
		f.PC = pc + 1 + int(operand)

	case OpLoop:
		f.PC = pc + 1 - int(operand)

	case OpReturn:
		return true, f.pop(), nil

	default:
		return false, NilValue(), fmt.Errorf("vmregister: unknown opcode %d at pc %d", op, pc)
	}

	return false, NilValue(), nil
}

func (f *Fiber) invoke(sym uint16, recv, arg Value, binary bool) (Value, error) {
	name := f.Symbols.Name(sym)

	if IsNumber(recv) {
		a := AsNumber(recv)
		if !binary {
			if name == SymNeg {
				return BoxNumber(-a), nil
			}
			return NilValue(), fmt.Errorf("vmregister: unsupported unary %s on number", name)
		}
		if !IsNumber(arg) {
			return NilValue(), fmt.Errorf("vmregister: %s argument is not a number", name)
		}
		b := AsNumber(arg)
		switch name {
		case SymAdd:
			return BoxNumber(a + b), nil
		case SymSub:
			return BoxNumber(a - b), nil
		case SymMul:
			return BoxNumber(a * b), nil
		case SymDiv:
			return BoxNumber(a / b), nil
		case SymMod:
			return BoxNumber(float64(int64(a) % int64(b))), nil
		case SymLt:
			return BoxBool(a < b), nil
		case SymGt:
			return BoxBool(a > b), nil
		case SymLte:
			return BoxBool(a <= b), nil
		case SymGte:
			return BoxBool(a >= b), nil
		case SymEq:
			return BoxBool(a == b), nil
		case SymNeq:
			return BoxBool(a != b), nil
		}
		return NilValue(), fmt.Errorf("vmregister: unsupported binary %s on number", name)
	}

	if cls := ClassOf(recv); cls == RangeClass {
		rng := AsRange(recv)
		switch name {
		case SymIterate:
			return rangeIterate(rng, arg), nil
		case SymIteratorVal:
			return arg, nil
		}
	}

	return NilValue(), fmt.Errorf("vmregister: unsupported receiver for %s", name)
}

// rangeIterate implements the range-iteration protocol: nil advances to
// the first element, otherwise step by +1/-1 depending on direction and
// return false once the bound is exceeded. Mirrors the semantics the
// widening inliner (spec §4.1.1) speculates on.
func rangeIterate(rng *RangeObj, iter Value) Value {
	ascending := rng.From <= rng.To
	var cur float64
	if IsNil(iter) {
		cur = rng.From
	} else {
		step := 1.0
		if !ascending {
			step = -1.0
		}
		cur = AsNumber(iter) + step
	}

	var inRange bool
	if ascending {
		if rng.IsInclusive {
			inRange = cur <= rng.To
		} else {
			inRange = cur < rng.To
		}
	} else {
		if rng.IsInclusive {
			inRange = cur >= rng.To
		} else {
			inRange = cur > rng.To
		}
	}
	if !inRange {
		return BoxBool(false)
	}
	return BoxNumber(cur)
}
