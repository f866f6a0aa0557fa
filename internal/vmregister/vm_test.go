package vmregister

import "testing"

func TestBoxUnboxNumberRoundTrip(t *testing.T) {
	for _, n := range []float64{0, 1, -1, 3.5, 1e300, -1e-300} {
		v := BoxNumber(n)
		if !IsNumber(v) {
			t.Fatalf("BoxNumber(%v) not recognized as number", n)
		}
		if got := AsNumber(v); got != n {
			t.Fatalf("round trip: got %v, want %v", got, n)
		}
	}
}

func TestTruthiness(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{BoxBool(true), true},
		{BoxBool(false), false},
		{NilValue(), false},
		{BoxNumber(0), true},
		{BoxNumber(-1), true},
	}
	for _, c := range cases {
		if got := IsTruthy(c.v); got != c.want {
			t.Errorf("IsTruthy(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestRunSum(t *testing.T) {
	// sum=0; i=0; while i<5: sum+=i; i+=1
	syms := NewSymbolTable()
	symLt := syms.Intern(SymLt)
	symAdd := syms.Intern(SymAdd)

	chunk := &Chunk{
		Consts: []Value{BoxNumber(0), BoxNumber(5), BoxNumber(1)},
		CallSyms: map[int]uint16{},
	}
	code := []Instruction{
		MakeInstr(OpConst, 0), // sum = 0
		MakeInstr(OpSetLocal, 0),
		MakeInstr(OpPop, 0),
		MakeInstr(OpConst, 0), // i = 0
		MakeInstr(OpSetLocal, 1),
		MakeInstr(OpPop, 0),
	}
	loopStart := len(code)
	code = append(code,
		MakeInstr(OpGetLocal, 1), // i
		MakeInstr(OpConst, 1),    // 5
	)
	chunk.CallSyms[len(code)] = symLt
	code = append(code, MakeInstr(OpInvoke1, 0))
	jumpIfFalseIdx := len(code)
	code = append(code, MakeInstr(OpJumpIfFalse, 0)) // patched below

	code = append(code, MakeInstr(OpGetLocal, 0), MakeInstr(OpGetLocal, 1))
	chunk.CallSyms[len(code)] = symAdd
	code = append(code, MakeInstr(OpInvoke1, 0))
	code = append(code, MakeInstr(OpSetLocal, 0), MakeInstr(OpPop, 0))

	code = append(code, MakeInstr(OpGetLocal, 1), MakeInstr(OpConst, 2))
	chunk.CallSyms[len(code)] = symAdd
	code = append(code, MakeInstr(OpInvoke1, 0))
	code = append(code, MakeInstr(OpSetLocal, 1), MakeInstr(OpPop, 0))

	backOffset := len(code) + 1 - loopStart
	code = append(code, MakeInstr(OpLoop, int32(backOffset)))
	exitPC := len(code)
	code[jumpIfFalseIdx] = MakeInstr(OpJumpIfFalse, int32(exitPC-jumpIfFalseIdx-1))

	code = append(code, MakeInstr(OpGetLocal, 0), MakeInstr(OpReturn, 0))
	chunk.Code = code

	f := NewFiber(chunk, 2, 0, syms)
	result, err := f.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := AsNumber(result); got != 10 {
		t.Fatalf("sum = %v, want 10", got)
	}
}
