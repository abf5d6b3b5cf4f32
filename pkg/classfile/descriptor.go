package classfile

import (
	"fmt"
	"strings"
)

// ParseMethodDescriptor splits a method descriptor into its parameter
// field types and return type.
func ParseMethodDescriptor(descriptor string) ([]string, string, error) {
	if !strings.HasPrefix(descriptor, "(") {
		return nil, "", fmt.Errorf("invalid method descriptor: %s", descriptor)
	}
	end := strings.IndexByte(descriptor, ')')
	if end == -1 {
		return nil, "", fmt.Errorf("invalid method descriptor: %s", descriptor)
	}

	params := descriptor[1:end]
	var out []string
	i := 0
	for i < len(params) {
		n, err := fieldTypeLength(params[i:])
		if err != nil {
			return nil, "", fmt.Errorf("%w in %s", err, descriptor)
		}
		out = append(out, params[i:i+n])
		i += n
	}

	ret := descriptor[end+1:]
	if ret != "V" {
		n, err := fieldTypeLength(ret)
		if err != nil || n != len(ret) {
			return nil, "", fmt.Errorf("invalid return type in %s", descriptor)
		}
	}
	return out, ret, nil
}

// fieldTypeLength returns the length of the field type at the start of s.
func fieldTypeLength(s string) (int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0, fmt.Errorf("truncated field type")
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end == -1 {
			return 0, fmt.Errorf("unterminated class type")
		}
		return i + end + 1, nil
	default:
		return 0, fmt.Errorf("invalid type descriptor char '%c'", s[i])
	}
}

// MethodDescriptor joins parameter and return types.
func MethodDescriptor(params []string, ret string) string {
	return "(" + strings.Join(params, "") + ")" + ret
}

// SlotSize is the number of local/stack slots a value of the field type
// occupies: 2 for long and double, 0 for void, 1 otherwise.
func SlotSize(fieldType string) int {
	switch fieldType {
	case "J", "D":
		return 2
	case "V", "":
		return 0
	}
	return 1
}

// ArgSlots is the number of local slots the parameters of a method
// descriptor occupy, excluding the receiver.
func ArgSlots(descriptor string) (int, error) {
	params, _, err := ParseMethodDescriptor(descriptor)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range params {
		n += SlotSize(p)
	}
	return n, nil
}

// IsReference reports whether the field type is an object or array type.
func IsReference(fieldType string) bool {
	return strings.HasPrefix(fieldType, "L") || strings.HasPrefix(fieldType, "[")
}

// InternalName converts a reference field type to the name used by
// CONSTANT_Class entries: "Lfoo/Bar;" becomes "foo/Bar", arrays keep
// their descriptor form.
func InternalName(fieldType string) string {
	if strings.HasPrefix(fieldType, "L") && strings.HasSuffix(fieldType, ";") {
		return fieldType[1 : len(fieldType)-1]
	}
	return fieldType
}

// ObjectType is the inverse of InternalName.
func ObjectType(internalName string) string {
	if strings.HasPrefix(internalName, "[") {
		return internalName
	}
	return "L" + internalName + ";"
}
