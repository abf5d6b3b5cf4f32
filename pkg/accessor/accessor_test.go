package accessor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/daimatz/jweave/internal/classtest"
	"github.com/daimatz/jweave/pkg/bytecode"
	"github.com/daimatz/jweave/pkg/classfile"
)

const modeType = "Ljweave/SetterMode;"

func local(id string) []classfile.Annotation {
	return []classfile.Annotation{classtest.Annotation(AnnotLocalVariable, "value", id)}
}

// playerAccessor declares one member of every role.
func playerAccessor(t *testing.T) *classtest.Class {
	c := classtest.NewInterface(t, "demo/PlayerAccessor").
		Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
	c.Abstract("getHealth", "()I", classtest.Member{
		Annotations: []classfile.Annotation{classtest.Annotation(AnnotFieldAccessor, "value", "health")},
	})
	c.Abstract("setHealth", "(I)Ldemo/PlayerAccessor;", classtest.Member{
		Annotations: []classfile.Annotation{classtest.Annotation(AnnotFieldAccessor, "value", "health", "mode", classfile.EnumValue(modeType, "CHAIN"))},
	})
	c.Abstract("getTags", "()Ljava/util/List;", classtest.Member{
		Signature:   "()Ljava/util/List<Ljava/lang/String;>;",
		Annotations: []classfile.Annotation{classtest.Annotation(AnnotFieldGenerator, "value", "tags")},
	})
	c.Abstract("heal", "(I)V", classtest.Member{
		Exceptions:  []string{"java/io/IOException"},
		Annotations: []classfile.Annotation{classtest.Annotation(AnnotMethodAccessor, "value", "heal")},
	})
	c.Method(classfile.AccPublic, "onDamage", "(I)Z", classtest.Member{
		Annotations: []classfile.Annotation{classtest.Annotation(AnnotInterceptor, "method", "damage", "entry", "damage_head", "exit", "damage_tail")},
		Params:      [][]classfile.Annotation{local("amount")},
	}, bytecode.Instruction{Op: bytecode.OpIconst0}, bytecode.Instruction{Op: bytecode.OpIreturn})
	c.Abstract("onDamage$amount", "(I)V", classtest.Member{})
	return c
}

func TestExtract(t *testing.T) {
	decl, err := Extract(playerAccessor(t).Parse())
	require.NoError(t, err)

	assert.Equal(t, "demo/PlayerAccessor", decl.Name)
	assert.Equal(t, "player", decl.Target)
	require.Len(t, decl.Fields, 3)

	get := decl.Fields[0]
	assert.Equal(t, "getHealth()I", get.String())
	assert.False(t, get.Setter)
	assert.Equal(t, "I", get.Type)

	set := decl.Fields[1]
	assert.True(t, set.Setter)
	assert.Equal(t, ModeChain, set.Mode)
	assert.Equal(t, "health", set.Field)

	gen := decl.Fields[2]
	assert.True(t, gen.Generator)
	assert.Equal(t, "Ljava/util/List;", gen.Type)
	assert.Equal(t, "()Ljava/util/List<Ljava/lang/String;>;", gen.GenericSignature())

	require.Len(t, decl.Methods, 1)
	assert.Equal(t, "heal", decl.Methods[0].Method)
	assert.Equal(t, []string{"java/io/IOException"}, decl.Methods[0].Exceptions)

	require.Len(t, decl.Interceptors, 1)
	ic := decl.Interceptors[0]
	assert.True(t, ic.Conditional())
	assert.Equal(t, []LocalVariable{{Param: 0, ID: "amount", Type: "I"}}, ic.Locals)
	require.Len(t, decl.LocalSetters, 1)
	assert.Equal(t, "onDamage$amount", decl.LocalSetters[0].Name)
}

func TestExtractRejectsMalformedAccessors(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T) *classtest.Class
		member string
		role   Role
	}{
		{
			name: "not an interface",
			build: func(t *testing.T) *classtest.Class {
				return classtest.New(t, "demo/Bad", classfile.ObjectClass).
					Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
			},
		},
		{
			name: "missing target",
			build: func(t *testing.T) *classtest.Class {
				return classtest.NewInterface(t, "demo/Bad")
			},
		},
		{
			name: "setter returning the wrong type for its mode",
			build: func(t *testing.T) *classtest.Class {
				c := classtest.NewInterface(t, "demo/Bad").Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
				c.Abstract("setHealth", "(I)I", classtest.Member{
					Annotations: []classfile.Annotation{classtest.Annotation(AnnotFieldAccessor, "value", "health")},
				})
				return c
			},
			member: "setHealth(I)I",
			role:   RoleFieldAccessor,
		},
		{
			name: "field accessor with exceptions",
			build: func(t *testing.T) *classtest.Class {
				c := classtest.NewInterface(t, "demo/Bad").Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
				c.Abstract("getHealth", "()I", classtest.Member{
					Exceptions:  []string{"java/io/IOException"},
					Annotations: []classfile.Annotation{classtest.Annotation(AnnotFieldAccessor, "value", "health")},
				})
				return c
			},
			member: "getHealth()I",
			role:   RoleFieldAccessor,
		},
		{
			name: "abstract interceptor",
			build: func(t *testing.T) *classtest.Class {
				c := classtest.NewInterface(t, "demo/Bad").Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
				c.Abstract("onTick", "()V", classtest.Member{
					Annotations: []classfile.Annotation{classtest.Annotation(AnnotInterceptor, "method", "tick", "entry", "head")},
				})
				return c
			},
			member: "onTick()V",
			role:   RoleInterceptor,
		},
		{
			name: "two roles",
			build: func(t *testing.T) *classtest.Class {
				c := classtest.NewInterface(t, "demo/Bad").Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
				c.Abstract("getHealth", "()I", classtest.Member{
					Annotations: []classfile.Annotation{
						classtest.Annotation(AnnotFieldAccessor, "value", "health"),
						classtest.Annotation(AnnotMethodAccessor, "value", "health"),
					},
				})
				return c
			},
			member: "getHealth()I",
		},
		{
			name: "unexplained abstract method",
			build: func(t *testing.T) *classtest.Class {
				c := classtest.NewInterface(t, "demo/Bad").Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
				c.Abstract("mystery", "()V", classtest.Member{})
				return c
			},
			member: "mystery()V",
		},
		{
			name: "local setter of a returning interceptor",
			build: func(t *testing.T) *classtest.Class {
				c := classtest.NewInterface(t, "demo/Bad").Annotate(classtest.Annotation(AnnotAccessor, "value", "player"))
				c.Method(classfile.AccPublic, "onScore", "(I)I", classtest.Member{
					Annotations: []classfile.Annotation{classtest.Annotation(AnnotInterceptor, "method", "score", "entry", "head", "isReturn", true)},
					Params:      [][]classfile.Annotation{local("points")},
				}, bytecode.Instruction{Op: bytecode.OpIload1}, bytecode.Instruction{Op: bytecode.OpIreturn})
				c.Abstract("onScore$points", "(I)V", classtest.Member{})
				return c
			},
			member: "onScore$points(I)V",
			role:   RoleLocalSetter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decl, err := Extract(tt.build(t).Parse())
			require.Error(t, err)
			assert.Nil(t, decl)

			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, "demo/Bad", ce.Accessor)
			assert.Equal(t, tt.member, ce.Member)
			assert.Equal(t, tt.role, ce.Role)
		})
	}
}

func TestExtractReportsEveryProblem(t *testing.T) {
	c := classtest.NewInterface(t, "demo/Bad")
	c.Abstract("one", "()V", classtest.Member{})
	c.Abstract("two", "()V", classtest.Member{})

	_, err := Extract(c.Parse())
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Error(), "missing "+AnnotAccessor)
	assert.EqualError(t, errs[1], "accessor demo/Bad: one()V: abstract method has no accessor role")
	assert.EqualError(t, errs[2], "accessor demo/Bad: two()V: abstract method has no accessor role")
}

func TestSetterModes(t *testing.T) {
	for _, m := range []SetterMode{ModePlain, ModeChain, ModeEcho} {
		got, err := ParseSetterMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	mode, err := ParseSetterMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePlain, mode)
	_, err = ParseSetterMode("FLUENT")
	assert.Error(t, err)
}
