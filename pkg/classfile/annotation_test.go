package classfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotationRoundTrip(t *testing.T) {
	cf, pb := NewClassFile(52, AccPublic|AccInterface|AccAbstract, "Acc", ObjectClass)
	cf.Attributes = append(cf.Attributes, AnnotationsAttribute(pb, false, []Annotation{{
		Type: "Ljweave/Accessor;",
		Elements: map[string]ElementValue{
			"value": StringValue("player"),
		},
	}}))

	hook := []Annotation{{
		Type: "Ljweave/Interceptor;",
		Elements: map[string]ElementValue{
			"method":   StringValue("tick"),
			"entry":    StringValue("before_call"),
			"isReturn": BoolValue(true),
			"mode":     EnumValue("Ljweave/SetterMode;", "CHAIN"),
			"tags": {Tag: '[', Array: []ElementValue{
				StringValue("a"), StringValue("b"),
			}},
		},
	}}
	params := [][]Annotation{
		{{Type: "Ljweave/LocalVariable;", Elements: map[string]ElementValue{"value": StringValue("local_x")}}},
		nil,
	}
	pb.AddMethod(AccPublic, "onTick", "(ILjava/lang/String;)Z", &CodeAttribute{MaxStack: 1, MaxLocals: 3, Code: []byte{0x04, 0xAC}},
		AnnotationsAttribute(pb, true, hook),
		ParameterAnnotationsAttribute(pb, false, params),
	)

	data, err := Bytes(cf)
	require.NoError(t, err)
	parsed, err := ParseBytes(data)
	require.NoError(t, err)

	acc := FindAnnotation(parsed.Annotations, "Ljweave/Accessor;")
	require.NotNil(t, acc)
	assert.Equal(t, "player", acc.String("value"))

	m := parsed.FindMethod("onTick", "(ILjava/lang/String;)Z")
	require.NotNil(t, m)
	ic := FindAnnotation(m.Annotations, "Ljweave/Interceptor;")
	require.NotNil(t, ic)
	assert.Equal(t, "tick", ic.String("method"))
	assert.Equal(t, "before_call", ic.String("entry"))
	assert.True(t, ic.Bool("isReturn"))
	assert.False(t, ic.Bool("missing"))
	assert.False(t, ic.Has("exit"))
	assert.Equal(t, "CHAIN", ic.String("mode"))
	assert.Len(t, ic.Elements["tags"].Array, 2)

	require.Len(t, m.ParameterAnnotations, 2)
	lv := FindAnnotation(m.ParameterAnnotations[0], "Ljweave/LocalVariable;")
	require.NotNil(t, lv)
	assert.Equal(t, "local_x", lv.String("value"))
	assert.Empty(t, m.ParameterAnnotations[1])
}
