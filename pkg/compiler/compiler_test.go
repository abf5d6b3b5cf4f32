package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/jweave/internal/classtest"
	"github.com/daimatz/jweave/pkg/accessor"
	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
	"github.com/daimatz/jweave/pkg/hierarchy"
	"github.com/daimatz/jweave/pkg/identifier"
)

const (
	gameClass    = "demo/Game"
	gameAccessor = "demo/GameAccessor"
)

type accessorsOf map[string]string

func (a accessorsOf) IsAccessorFor(acc, target string) bool { return a[acc] == target }

func insn(op byte) bytecode.Instruction { return bytecode.Instruction{Op: op} }

// game is
//
//	class Game {
//	    private int score, scoreBonus;
//	    private final String name;
//	    static void setup(); static void print(); static void teardown();
//	    void init() { setup(); print(); teardown(); }
//	    public void hurt(int amount) { score -= amount; }
//	    void attack(Game other) { other.hurt(1); }
//	    int damage(int amount) { hurt(amount); return score; }
//	    int score() { return score; }
//	}
func game(t *testing.T) *classfile.ClassFile {
	t.Helper()
	c := classtest.New(t, gameClass, classfile.ObjectClass)
	pb := c.PB
	c.Field(classfile.AccPrivate, "score", "I", "")
	c.Field(classfile.AccPrivate, "scoreBonus", "I", "")
	c.Field(classfile.AccPrivate|classfile.AccFinal, "name", "Ljava/lang/String;", "")

	score := pb.Fieldref(gameClass, "score", "I")
	hurt := pb.Methodref(gameClass, "hurt", "(I)V")
	c.Method(0, "<init>", "()V", classtest.Member{},
		insn(bytecode.OpAload0),
		bytecode.Instruction{Op: bytecode.OpInvokespecial, Index: pb.Methodref(classfile.ObjectClass, "<init>", "()V")},
		insn(bytecode.OpReturn))
	for _, name := range []string{"setup", "print", "teardown"} {
		c.Method(classfile.AccStatic, name, "()V", classtest.Member{}, insn(bytecode.OpReturn))
	}
	c.Method(0, "init", "()V", classtest.Member{},
		bytecode.Instruction{Op: bytecode.OpInvokestatic, Index: pb.Methodref(gameClass, "setup", "()V")},
		bytecode.Instruction{Op: bytecode.OpInvokestatic, Index: pb.Methodref(gameClass, "print", "()V")},
		bytecode.Instruction{Op: bytecode.OpInvokestatic, Index: pb.Methodref(gameClass, "teardown", "()V")},
		insn(bytecode.OpReturn))
	c.Method(classfile.AccPublic, "hurt", "(I)V", classtest.Member{},
		insn(bytecode.OpAload0),
		insn(bytecode.OpDup),
		bytecode.Instruction{Op: bytecode.OpGetfield, Index: score},
		insn(bytecode.OpIload1),
		insn(bytecode.OpIsub),
		bytecode.Instruction{Op: bytecode.OpPutfield, Index: score},
		insn(bytecode.OpReturn))
	c.Method(0, "attack", "(Ldemo/Game;)V", classtest.Member{},
		insn(bytecode.OpAload1),
		insn(bytecode.OpIconst1),
		bytecode.Instruction{Op: bytecode.OpInvokevirtual, Index: hurt},
		insn(bytecode.OpReturn))
	c.Method(0, "damage", "(I)I", classtest.Member{},
		insn(bytecode.OpAload0),
		insn(bytecode.OpIload1),
		bytecode.Instruction{Op: bytecode.OpInvokevirtual, Index: hurt},
		insn(bytecode.OpAload0),
		bytecode.Instruction{Op: bytecode.OpGetfield, Index: score},
		insn(bytecode.OpIreturn))
	c.Method(0, "score", "()I", classtest.Member{},
		insn(bytecode.OpAload0),
		bytecode.Instruction{Op: bytecode.OpGetfield, Index: score},
		insn(bytecode.OpIreturn))
	return c.Parse()
}

func ids(t *testing.T) *identifier.Registry {
	t.Helper()
	reg := identifier.NewRegistry()
	for _, r := range []struct {
		kind identifier.Kind
		id   string
		s    identifier.Strategy
	}{
		{identifier.Type, "game", identifier.Types(gameClass)},
		{identifier.Field, "score", identifier.Members(identifier.Field, "score", "I")},
		{identifier.Field, "score*", identifier.Prefix(identifier.Field, "score")},
		{identifier.Field, "name", identifier.Members(identifier.Field, "name", "")},
		{identifier.Field, "wideScore", identifier.Members(identifier.Field, "score", "J")},
		{identifier.Field, "level", identifier.Members(identifier.Field, "level", "")},
		{identifier.Method, "init", identifier.Members(identifier.Method, "init", "()V")},
		{identifier.Method, "hurt", identifier.Members(identifier.Method, "hurt", "(I)V")},
		{identifier.Method, "attack", identifier.Members(identifier.Method, "attack", "")},
		{identifier.Method, "damage", identifier.Members(identifier.Method, "damage", "(I)I")},
		{identifier.Method, "score", identifier.Members(identifier.Method, "score", "()I")},
		{identifier.Method, "static", identifier.Members(identifier.Method, "print", "()V")},
		{identifier.Instruction, "before_call", identifier.Invoke(bytecode.OpInvokestatic, gameClass, "print", "()V", 0)},
		{identifier.Instruction, "missing_call", identifier.Invoke(0, "", "explode", "", 0)},
		{identifier.Instruction, "head", identifier.AtIndex(0)},
		{identifier.Instruction, "after_hurt", identifier.AtIndex(3)},
		{identifier.Instruction, "mid_call", identifier.AtIndex(2)},
		{identifier.Instruction, "far", identifier.AtIndex(99)},
		{identifier.Instruction, "amount", identifier.VarInsn(bytecode.OpIload, 1, 0)},
	} {
		require.NoError(t, reg.Register(r.kind, r.id, r.s))
	}
	return reg
}

func decl(members ...any) *accessor.Declaration {
	d := &accessor.Declaration{Name: gameAccessor, Target: "game"}
	for _, m := range members {
		switch m := m.(type) {
		case accessor.FieldAccessor:
			d.Fields = append(d.Fields, m)
		case accessor.MethodAccessor:
			d.Methods = append(d.Methods, m)
		case accessor.Interceptor:
			d.Interceptors = append(d.Interceptors, m)
		case accessor.Member:
			d.LocalSetters = append(d.LocalSetters, m)
		}
	}
	return d
}

func member(name, desc string) accessor.Member { return accessor.Member{Name: name, Desc: desc} }

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	object, _ := classfile.NewClassFile(52, classfile.AccPublic|classfile.AccSuper, classfile.ObjectClass, "")
	boot := hierarchy.NewMemoryLocator()
	require.NoError(t, boot.AddClass(object))
	return &Compiler{
		Resolver:  hierarchy.NewResolver(boot),
		Accessors: accessorsOf{gameAccessor: gameClass},
	}
}

func weave(t *testing.T, cf *classfile.ClassFile, d *accessor.Declaration) error {
	t.Helper()
	plan, err := Resolve(d, ids(t))
	require.NoError(t, err)
	require.True(t, plan.Matches(gameClass, cf.AccessFlags))
	return newCompiler(t).Weave(nil, cf, []*Plan{plan})
}

func ops(t *testing.T, cf *classfile.ClassFile, name, desc string) []byte {
	t.Helper()
	data, err := classfile.Bytes(cf)
	require.NoError(t, err)
	return classtest.Ops(t, data, name, desc)
}

func requireKind(t *testing.T, err error, kind ErrorKind) *TargetError {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, &TargetError{Kind: kind}), "got %v", err)
	var te *TargetError
	require.True(t, errors.As(err, &te))
	return te
}

func implements(t *testing.T, cf *classfile.ClassFile, iface string) bool {
	t.Helper()
	names, err := cf.InterfaceNames()
	require.NoError(t, err)
	for _, n := range names {
		if n == iface {
			return true
		}
	}
	return false
}

func TestWeaveInsertsInterceptorBeforeEntry(t *testing.T) {
	cf := game(t)
	ic := accessor.Interceptor{Member: member("beforePrint", "()V"), Method: "init", Entry: "before_call"}
	require.NoError(t, weave(t, cf, decl(ic)))

	assert.Equal(t, []byte{
		bytecode.OpInvokestatic,
		bytecode.OpAload0, bytecode.OpInvokespecial,
		bytecode.OpInvokestatic,
		bytecode.OpInvokestatic,
		bytecode.OpReturn,
	}, ops(t, cf, "init", "()V"))

	hook := HookName(gameAccessor, "beforePrint")
	assert.Equal(t, "jweave$demo_GameAccessor$beforePrint", hook)
	m := cf.FindMethod(hook, "()V")
	require.NotNil(t, m)
	assert.True(t, m.IsPrivate())
	assert.Equal(t, []byte{bytecode.OpAload0, bytecode.OpInvokeinterface, bytecode.OpReturn}, ops(t, cf, hook, "()V"))
	assert.True(t, implements(t, cf, gameAccessor))

	body := classtest.Disassemble(t, cf, "init", "()V")
	ref, err := classfile.ResolveMemberref(cf.ConstantPool, body.Insns[2].Index)
	require.NoError(t, err)
	assert.Equal(t, &classfile.MemberRef{Kind: classfile.TagMethodref, ClassName: gameClass, Name: hook, Descriptor: "()V"}, ref)
}

func TestWeaveTwiceIsANameCollision(t *testing.T) {
	cf := game(t)
	ic := accessor.Interceptor{Member: member("beforePrint", "()V"), Method: "init", Entry: "before_call"}
	require.NoError(t, weave(t, cf, decl(ic)))
	before := ops(t, cf, "init", "()V")

	te := requireKind(t, weave(t, cf, decl(ic)), NameCollision)
	assert.Equal(t, "beforePrint()V", te.Member)
	assert.Equal(t, before, ops(t, cf, "init", "()V"))
}

func TestWeaveFieldAccessors(t *testing.T) {
	cf := game(t)
	d := decl(
		accessor.FieldAccessor{Member: member("getScore", "()I"), Field: "score", Type: "I"},
		accessor.FieldAccessor{Member: member("setScore", "(I)Ldemo/GameAccessor;"), Field: "score", Setter: true, Mode: accessor.ModeChain, Type: "I"},
		accessor.FieldAccessor{Member: member("setName", "(Ljava/lang/String;)Ljava/lang/String;"), Field: "name", Setter: true, Mode: accessor.ModeEcho, Type: "Ljava/lang/String;"},
		accessor.FieldAccessor{Member: member("getLevel", "()I"), Field: "level", Generator: true, Type: "I"},
		accessor.FieldAccessor{Member: member("setLevel", "(I)V"), Field: "level", Generator: true, Setter: true, Type: "I"},
	)
	require.NoError(t, weave(t, cf, d))

	tests := []struct {
		name, desc string
		want       []byte
	}{
		{"getScore", "()I", []byte{bytecode.OpAload0, bytecode.OpGetfield, bytecode.OpIreturn}},
		{"setScore", "(I)Ldemo/GameAccessor;", []byte{bytecode.OpAload0, bytecode.OpIload, bytecode.OpPutfield, bytecode.OpAload0, bytecode.OpAreturn}},
		{"setName", "(Ljava/lang/String;)Ljava/lang/String;", []byte{bytecode.OpAload0, bytecode.OpAload, bytecode.OpPutfield, bytecode.OpAload, bytecode.OpAreturn}},
		{"getLevel", "()I", []byte{bytecode.OpAload0, bytecode.OpGetfield, bytecode.OpIreturn}},
		{"setLevel", "(I)V", []byte{bytecode.OpAload0, bytecode.OpIload, bytecode.OpPutfield, bytecode.OpReturn}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ops(t, cf, tt.name, tt.desc))
			assert.Equal(t, uint16(classfile.AccPublic), cf.FindMethod(tt.name, tt.desc).AccessFlags)
		})
	}

	level := cf.FindField("level")
	require.NotNil(t, level)
	assert.Equal(t, "I", level.Descriptor)
	assert.Equal(t, uint16(classfile.AccPrivate), level.AccessFlags)
	assert.Zero(t, cf.FindField("name").AccessFlags&classfile.AccFinal)
	assert.True(t, implements(t, cf, gameAccessor))
}

func TestWeaveAmbiguousFieldDoesNothing(t *testing.T) {
	cf := game(t)
	d := decl(accessor.FieldAccessor{Member: member("getScore", "()I"), Field: "score*", Type: "I"})

	te := requireKind(t, weave(t, cf, d), MultipleFieldsIdentified)
	assert.Contains(t, te.Detail, "score, scoreBonus")
	assert.Nil(t, cf.FindMethod("getScore", "()I"))
	assert.False(t, implements(t, cf, gameAccessor))
}

func TestWeaveFieldErrors(t *testing.T) {
	tests := []struct {
		name string
		fa   accessor.FieldAccessor
		kind ErrorKind
	}{
		{"missing field", accessor.FieldAccessor{Member: member("getLevel", "()I"), Field: "level", Type: "I"}, FieldNotFound},
		{"generator over a field of another type", accessor.FieldAccessor{Member: member("getName", "()I"), Field: "name", Generator: true, Type: "I"}, IncompatibleType},
		{"getter of another type", accessor.FieldAccessor{Member: member("getScore", "()J"), Field: "score", Type: "J"}, IncompatibleType},
		{"generator over a name taken by another descriptor", accessor.FieldAccessor{Member: member("getWideScore", "()J"), Field: "wideScore", Generator: true, Type: "J"}, IncompatibleType},
		{"accessor method already declared", accessor.FieldAccessor{Member: member("score", "()I"), Field: "score", Type: "I"}, NameCollision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := requireKind(t, weave(t, game(t), decl(tt.fa)), tt.kind)
			if tt.kind == IncompatibleType {
				require.NotNil(t, te.Mismatch)
			}
		})
	}
}

func TestWeaveMethodAccessors(t *testing.T) {
	cf := game(t)
	d := decl(
		accessor.MethodAccessor{Member: member("hurtPlayer", "(I)V"), Method: "hurt"},
		accessor.MethodAccessor{Member: member("attackOther", "(Ldemo/GameAccessor;)V"), Method: "attack"},
	)
	require.NoError(t, weave(t, cf, d))

	assert.Equal(t, []byte{bytecode.OpAload0, bytecode.OpIload, bytecode.OpInvokevirtual, bytecode.OpReturn},
		ops(t, cf, "hurtPlayer", "(I)V"))
	assert.Equal(t, []byte{bytecode.OpAload0, bytecode.OpAload, bytecode.OpCheckcast, bytecode.OpInvokevirtual, bytecode.OpReturn},
		ops(t, cf, "attackOther", "(Ldemo/GameAccessor;)V"))
}

func TestWeaveMethodAccessorErrors(t *testing.T) {
	tests := []struct {
		name string
		ma   accessor.MethodAccessor
		kind ErrorKind
	}{
		{"checked exceptions differ", accessor.MethodAccessor{Member: accessor.Member{Name: "hurtPlayer", Desc: "(I)V", Exceptions: []string{"java/io/IOException"}}, Method: "hurt"}, IncompatibleType},
		{"parameter type differs", accessor.MethodAccessor{Member: member("hurtPlayer", "(J)V"), Method: "hurt"}, IncompatibleType},
		{"return type differs", accessor.MethodAccessor{Member: member("hurtPlayer", "(I)I"), Method: "hurt"}, IncompatibleType},
		{"no such method", accessor.MethodAccessor{Member: member("levelUp", "()V"), Method: "level"}, MethodNotFound},
	}
	reg := ids(t)
	require.NoError(t, reg.Register(identifier.Method, "level", identifier.Members(identifier.Method, "levelUp", "")))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Resolve(decl(tt.ma), reg)
			require.NoError(t, err)
			requireKind(t, newCompiler(t).Weave(nil, game(t), []*Plan{plan}), tt.kind)
		})
	}
}

func TestWeaveConditionalInterceptorWithLocal(t *testing.T) {
	cf := game(t)
	ic := accessor.Interceptor{
		Member: member("onDamage", "(I)Z"),
		Method: "damage",
		Entry:  "head",
		Exit:   "after_hurt",
		Locals: []accessor.LocalVariable{{Param: 0, ID: "amount", Type: "I"}},
	}
	require.NoError(t, weave(t, cf, decl(ic, member("onDamage$amount", "(I)V"))))

	body := classtest.Disassemble(t, cf, "damage", "(I)I")
	assert.Equal(t, []byte{
		bytecode.OpAload0, bytecode.OpIload, bytecode.OpPutfield,
		bytecode.OpAload0, bytecode.OpIload, bytecode.OpInvokespecial,
		bytecode.OpAload0, bytecode.OpGetfield, bytecode.OpIstore,
		bytecode.OpIfeq, bytecode.OpGoto,
		bytecode.OpAload0, bytecode.OpIload1, bytecode.OpInvokevirtual,
		bytecode.OpAload0, bytecode.OpGetfield, bytecode.OpIreturn,
	}, body.Ops())
	assert.Equal(t, 11, body.Insns[9].Target)
	assert.Equal(t, 14, body.Insns[10].Target)
	_, hasFrames := cf.FindMethod("damage", "(I)I").Code.Attribute(classfile.AttrStackMapTable)
	assert.True(t, hasFrames)

	mirror := cf.FindField(MirrorName("onDamage", "amount"))
	require.NotNil(t, mirror)
	assert.Equal(t, "I", mirror.Descriptor)
	assert.Equal(t, []byte{bytecode.OpAload0, bytecode.OpIload, bytecode.OpPutfield, bytecode.OpReturn},
		ops(t, cf, "onDamage$amount", "(I)V"))
}

func TestWeaveConditionalInterceptorRejectsBusyExit(t *testing.T) {
	ic := accessor.Interceptor{Member: member("onDamage", "()Z"), Method: "damage", Entry: "head", Exit: "mid_call"}
	te := requireKind(t, weave(t, game(t), decl(ic)), InvalidJumpTarget)
	assert.Contains(t, te.Detail, "[Ldemo/Game;, I]")
}

func TestWeaveReturningInterceptor(t *testing.T) {
	cf := game(t)
	ic := accessor.Interceptor{Member: member("onScore", "()I"), Method: "score", Entry: "head", IsReturn: true}
	require.NoError(t, weave(t, cf, decl(ic)))

	assert.Equal(t, []byte{
		bytecode.OpAload0, bytecode.OpInvokespecial, bytecode.OpIreturn,
		bytecode.OpNop, bytecode.OpNop, bytecode.OpAthrow,
	}, ops(t, cf, "score", "()I"))
}

func TestWeaveInterceptorErrors(t *testing.T) {
	tests := []struct {
		name string
		ic   accessor.Interceptor
		kind ErrorKind
	}{
		{"entry out of bounds", accessor.Interceptor{Member: member("onInit", "()V"), Method: "init", Entry: "far"}, InstructionOutOfBounds},
		{"entry not found", accessor.Interceptor{Member: member("onInit", "()V"), Method: "init", Entry: "missing_call"}, InstructionNotFound},
		{"static target", accessor.Interceptor{Member: member("onPrint", "()V"), Method: "static", Entry: "head"}, IncompatibleType},
		{"local of another type", accessor.Interceptor{
			Member: member("onDamage", "(J)V"), Method: "damage", Entry: "head",
			Locals: []accessor.LocalVariable{{ID: "amount", Type: "J"}},
		}, IncompatibleType},
		{"local not loaded in the method", accessor.Interceptor{
			Member: member("onInit", "(I)V"), Method: "init", Entry: "head",
			Locals: []accessor.LocalVariable{{ID: "amount", Type: "I"}},
		}, LocalNotAvailable},
		{"returning interceptor of another type", accessor.Interceptor{Member: member("onScore", "()J"), Method: "score", Entry: "head", IsReturn: true}, IncompatibleType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireKind(t, weave(t, game(t), decl(tt.ic)), tt.kind)
		})
	}
}

func TestWeaveSeveralInterceptorsInOneMethod(t *testing.T) {
	cf := game(t)
	reg := ids(t)
	require.NoError(t, reg.Register(identifier.Instruction, "ret", identifier.Opcode(bytecode.OpIreturn, 0)))
	d := decl(
		accessor.Interceptor{Member: member("first", "()V"), Method: "damage", Entry: "head"},
		accessor.Interceptor{Member: member("beforeReturn", "()V"), Method: "damage", Entry: "ret"},
		accessor.Interceptor{Member: member("skip", "()Z"), Method: "damage", Entry: "head", Exit: "after_hurt"},
	)
	plan, err := Resolve(d, reg)
	require.NoError(t, err)
	require.NoError(t, newCompiler(t).Weave(nil, cf, []*Plan{plan}))

	body := classtest.Disassemble(t, cf, "damage", "(I)I")
	assert.Equal(t, []byte{
		bytecode.OpAload0, bytecode.OpInvokespecial,
		bytecode.OpAload0, bytecode.OpInvokespecial, bytecode.OpIfeq, bytecode.OpGoto,
		bytecode.OpAload0, bytecode.OpIload1, bytecode.OpInvokevirtual,
		bytecode.OpAload0, bytecode.OpGetfield,
		bytecode.OpAload0, bytecode.OpInvokespecial,
		bytecode.OpIreturn,
	}, body.Ops())
	assert.Equal(t, 6, body.Insns[4].Target)
	assert.Equal(t, 9, body.Insns[5].Target)
}

func TestResolveReportsEveryUnresolvedIdentifier(t *testing.T) {
	d := &accessor.Declaration{
		Name:   gameAccessor,
		Target: "nowhere",
		Fields: []accessor.FieldAccessor{{Member: member("getX", "()I"), Field: "x", Type: "I"}},
	}
	_, err := Resolve(d, ids(t))
	require.Error(t, err)
	var ce *accessor.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "nowhere")
	assert.Contains(t, err.Error(), "getX()I")
}
