package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

type fakeHierarchy map[string]string

func (h fakeHierarchy) CommonSuperClass(a, b string) (string, error) {
	if h[a] == b {
		return b, nil
	}
	if h[b] == a {
		return a, nil
	}
	if h[a] != "" && h[a] == h[b] {
		return h[a], nil
	}
	return classfile.ObjectClass, nil
}

func newAnalyzer(t *testing.T) (*Analyzer, *classfile.PoolBuilder) {
	t.Helper()
	cf, pb := classfile.NewClassFile(52, classfile.AccPublic|classfile.AccSuper, "demo/Game", classfile.ObjectClass)
	return &Analyzer{Class: cf, Hierarchy: fakeHierarchy{"demo/Cat": "demo/Animal", "demo/Dog": "demo/Animal"}}, pb
}

func staticMethod(name, desc string) *classfile.MethodInfo {
	return &classfile.MethodInfo{AccessFlags: classfile.AccPublic | classfile.AccStatic, Name: name, Descriptor: desc}
}

func TestAnalyzeStraightLine(t *testing.T) {
	a, _ := newAnalyzer(t)
	body := &bytecode.Body{MaxLocals: 2, Insns: []bytecode.Instruction{
		{Op: bytecode.OpIload0},
		{Op: bytecode.OpIload1},
		{Op: bytecode.OpIadd},
		{Op: bytecode.OpIreturn},
	}}

	res, err := a.Analyze(staticMethod("add", "(II)I"), body)
	require.NoError(t, err)
	assert.Equal(t, 2, res.MaxStack)
	assert.Equal(t, []Type{IntType, IntType}, res.Frames[2].Stack)
	assert.Equal(t, []Type{IntType, IntType}, res.Frames[0].Locals)
}

func TestAnalyzeWideValues(t *testing.T) {
	a, _ := newAnalyzer(t)
	body := &bytecode.Body{MaxLocals: 2, Insns: []bytecode.Instruction{
		{Op: bytecode.OpLload0},
		{Op: bytecode.OpDup2},
		{Op: bytecode.OpLadd},
		{Op: bytecode.OpLreturn},
	}}

	res, err := a.Analyze(staticMethod("twice", "(J)J"), body)
	require.NoError(t, err)
	assert.Equal(t, 4, res.MaxStack)
	assert.Equal(t, []Type{LongType, TopType}, res.Frames[0].Locals)
	assert.Equal(t, []Type{LongType, LongType}, res.Frames[2].StackValues())
	assert.Equal(t, "[J, J]", res.Frames[2].StackString())
}

func TestAnalyzeMergesNullIntoReference(t *testing.T) {
	a, _ := newAnalyzer(t)
	body := &bytecode.Body{MaxLocals: 1, Insns: []bytecode.Instruction{
		{Op: bytecode.OpAload0},
		{Op: bytecode.OpIfnull, Target: 4},
		{Op: bytecode.OpAload0},
		{Op: bytecode.OpGoto, Target: 5},
		{Op: bytecode.OpAconstNull},
		{Op: bytecode.OpAreturn},
	}}

	res, err := a.Analyze(staticMethod("pick", "(Ljava/lang/String;)Ljava/lang/String;"), body)
	require.NoError(t, err)
	assert.Equal(t, []Type{StringType}, res.Frames[5].Stack)
	assert.Empty(t, res.Frames[4].Stack)
	assert.Equal(t, []int{4, 5}, FramePoints(body))
}

func TestAnalyzeMergesToCommonSuperClass(t *testing.T) {
	a, pb := newAnalyzer(t)
	cat := pb.Fieldref("demo/Game", "cat", "Ldemo/Cat;")
	dog := pb.Fieldref("demo/Game", "dog", "Ldemo/Dog;")
	body := &bytecode.Body{MaxLocals: 1, Insns: []bytecode.Instruction{
		{Op: bytecode.OpIload0},
		{Op: bytecode.OpIfeq, Target: 4},
		{Op: bytecode.OpGetstatic, Index: cat},
		{Op: bytecode.OpGoto, Target: 5},
		{Op: bytecode.OpGetstatic, Index: dog},
		{Op: bytecode.OpAreturn},
	}}

	res, err := a.Analyze(staticMethod("pet", "(Z)Ldemo/Animal;"), body)
	require.NoError(t, err)
	assert.Equal(t, []Type{ObjectOf("demo/Animal")}, res.Frames[5].Stack)
}

func TestAnalyzeConstructor(t *testing.T) {
	a, pb := newAnalyzer(t)
	super := pb.Methodref(classfile.ObjectClass, "<init>", "()V")
	list := pb.Class("java/util/ArrayList")
	listInit := pb.Methodref("java/util/ArrayList", "<init>", "()V")
	items := pb.Fieldref("demo/Game", "items", "Ljava/util/List;")
	body := &bytecode.Body{MaxLocals: 1, Insns: []bytecode.Instruction{
		{Op: bytecode.OpAload0},
		{Op: bytecode.OpInvokespecial, Index: super},
		{Op: bytecode.OpAload0},
		{Op: bytecode.OpNew, Index: list},
		{Op: bytecode.OpDup},
		{Op: bytecode.OpInvokespecial, Index: listInit},
		{Op: bytecode.OpPutfield, Index: items},
		{Op: bytecode.OpReturn},
	}}
	m := &classfile.MethodInfo{AccessFlags: classfile.AccPublic, Name: "<init>", Descriptor: "()V"}

	res, err := a.Analyze(m, body)
	require.NoError(t, err)
	assert.Equal(t, Type{Kind: UninitializedThis}, res.Frames[0].Locals[0])
	assert.Equal(t, ObjectOf("demo/Game"), res.Frames[2].Locals[0])
	assert.Equal(t, []Type{ObjectOf("demo/Game"), {Kind: Uninitialized, NewAt: 3}, {Kind: Uninitialized, NewAt: 3}}, res.Frames[5].Stack)
	assert.Equal(t, []Type{ObjectOf("demo/Game"), ObjectOf("java/util/ArrayList")}, res.Frames[6].Stack)
	assert.Equal(t, 3, res.MaxStack)
}

func TestAnalyzeExceptionHandler(t *testing.T) {
	a, pb := newAnalyzer(t)
	run := pb.Methodref("demo/Game", "run", "()V")
	ise := pb.Class("java/lang/IllegalStateException")
	body := &bytecode.Body{
		MaxLocals: 1,
		Insns: []bytecode.Instruction{
			{Op: bytecode.OpInvokestatic, Index: run},
			{Op: bytecode.OpGoto, Target: 3},
			{Op: bytecode.OpAstore0},
			{Op: bytecode.OpReturn},
		},
		Handlers: []bytecode.Handler{{Start: 0, End: 1, Handler: 2, CatchType: ise}},
	}

	res, err := a.Analyze(staticMethod("safe", "()V"), body)
	require.NoError(t, err)
	assert.Equal(t, []Type{ObjectOf("java/lang/IllegalStateException")}, res.Frames[2].Stack)
	assert.Equal(t, TopType, res.Frames[3].Local(0), "merged from the handler and the normal path")
}

func TestAnalyzeInconsistentStack(t *testing.T) {
	a, _ := newAnalyzer(t)
	body := &bytecode.Body{MaxLocals: 1, Insns: []bytecode.Instruction{
		{Op: bytecode.OpIload0},
		{Op: bytecode.OpIfeq, Target: 3},
		{Op: bytecode.OpIconst1},
		{Op: bytecode.OpReturn},
	}}

	_, err := a.Analyze(staticMethod("bad", "(I)V"), body)
	assert.ErrorContains(t, err, "inconsistent stack depth")
}

func TestAnalyzeUnderflow(t *testing.T) {
	a, _ := newAnalyzer(t)
	body := &bytecode.Body{Insns: []bytecode.Instruction{{Op: bytecode.OpPop}, {Op: bytecode.OpReturn}}}
	_, err := a.Analyze(staticMethod("bad", "()V"), body)
	assert.ErrorContains(t, err, "underflow")
}

func TestStackMapTableRoundTrip(t *testing.T) {
	a, pb := newAnalyzer(t)
	m := staticMethod("pick", "(Ljava/lang/String;J)Ljava/lang/String;")
	body := &bytecode.Body{MaxLocals: 3, Insns: []bytecode.Instruction{
		{Op: bytecode.OpAload0},
		{Op: bytecode.OpIfnull, Target: 4},
		{Op: bytecode.OpAload0},
		{Op: bytecode.OpGoto, Target: 5},
		{Op: bytecode.OpAconstNull},
		{Op: bytecode.OpAreturn},
	}}

	code, res, err := a.Rebuild(pb, m, body)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), code.MaxStack)
	_, ok := code.Attribute(classfile.AttrStackMapTable)
	require.True(t, ok)

	again, err := bytecode.Disassemble(code)
	require.NoError(t, err)
	declared, err := DeclaredFrames(a.Class, m, again)
	require.NoError(t, err)
	require.Len(t, declared, 2)
	for _, i := range []int{4, 5} {
		assert.Equal(t, res.Frames[i], declared[i], "frame %d", i)
	}

	// Declared frames are authoritative on a second pass.
	a.Declared = declared
	res2, err := a.Analyze(m, again)
	require.NoError(t, err)
	assert.Equal(t, res.Frames, res2.Frames)
}

func TestRemapFrames(t *testing.T) {
	frames := map[int]*Frame{
		2: {Stack: []Type{{Kind: Uninitialized, NewAt: 2}}},
		5: {Locals: []Type{IntType}},
	}
	shiftLabel := func(i int) int {
		if i > 2 {
			return i + 3
		}
		return i
	}
	shiftMoved := func(i int) int {
		if i >= 2 {
			return i + 3
		}
		return i
	}

	out := RemapFrames(frames, shiftLabel, shiftMoved)
	require.Contains(t, out, 2)
	require.Contains(t, out, 8)
	assert.Equal(t, 5, out[2].Stack[0].NewAt)
	assert.Equal(t, 2, frames[2].Stack[0].NewAt, "input frames are untouched")
}

func TestEraseDeadCode(t *testing.T) {
	a, pb := newAnalyzer(t)
	m := staticMethod("early", "()I")
	body := &bytecode.Body{Insns: []bytecode.Instruction{
		{Op: bytecode.OpIconst0},
		{Op: bytecode.OpIreturn},
		{Op: bytecode.OpIconst1},
		{Op: bytecode.OpIconst2},
		{Op: bytecode.OpIadd},
		{Op: bytecode.OpIreturn},
	}}

	code, res, err := a.Rebuild(pb, m, body)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		bytecode.OpIconst0, bytecode.OpIreturn,
		bytecode.OpNop, bytecode.OpNop, bytecode.OpNop, bytecode.OpAthrow,
	}, body.Ops())
	assert.Equal(t, []Type{ThrowableType}, res.Frames[2].Stack)
	_, ok := code.Attribute(classfile.AttrStackMapTable)
	assert.True(t, ok)
}

func TestEraseDeadCodeTrimsHandlers(t *testing.T) {
	live := &Frame{}
	body := &bytecode.Body{
		Insns: make([]bytecode.Instruction, 6),
		Handlers: []bytecode.Handler{
			{Start: 0, End: 5, Handler: 5},
			{Start: 2, End: 4, Handler: 5},
		},
	}
	res := &Result{Frames: []*Frame{live, live, nil, nil, live, live}}

	require.True(t, EraseDeadCode(body, res))
	assert.Equal(t, []bytecode.Handler{
		{Start: 0, End: 2, Handler: 5},
		{Start: 4, End: 5, Handler: 5},
	}, body.Handlers)
	assert.Equal(t, 1, res.MaxStack)
	assert.False(t, EraseDeadCode(body, &Result{Frames: []*Frame{live, live, live, live, live, live}}))
}
