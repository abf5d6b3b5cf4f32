package classfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethodDescriptor(t *testing.T) {
	tests := []struct {
		desc   string
		params []string
		ret    string
		slots  int
	}{
		{"()V", nil, "V", 0},
		{"(II)I", []string{"I", "I"}, "I", 2},
		{"(JLjava/lang/String;D)V", []string{"J", "Ljava/lang/String;", "D"}, "V", 5},
		{"([[I[Ljava/lang/Object;)[B", []string{"[[I", "[Ljava/lang/Object;"}, "[B", 2},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			params, ret, err := ParseMethodDescriptor(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.params, params)
			assert.Equal(t, tt.ret, ret)

			slots, err := ArgSlots(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.slots, slots)
			assert.Equal(t, tt.desc, MethodDescriptor(params, ret))
		})
	}
}

func TestParseMethodDescriptorInvalid(t *testing.T) {
	for _, desc := range []string{"I", "(I", "(Q)V", "(Ljava/lang/String)V", "()"} {
		t.Run(desc, func(t *testing.T) {
			_, _, err := ParseMethodDescriptor(desc)
			assert.Error(t, err)
		})
	}
}

func TestInternalName(t *testing.T) {
	assert.Equal(t, "java/lang/String", InternalName("Ljava/lang/String;"))
	assert.Equal(t, "[I", InternalName("[I"))
	assert.Equal(t, "Ljava/lang/String;", ObjectType("java/lang/String"))
	assert.Equal(t, "[I", ObjectType("[I"))
	assert.True(t, IsReference("[I"))
	assert.False(t, IsReference("J"))
	assert.Equal(t, 2, SlotSize("D"))
}
