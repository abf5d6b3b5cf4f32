// Package accessor reads accessor declarations from annotated interface
// class files and validates their shape.
package accessor

import (
	"fmt"

	"github.com/daimatz/jweave/pkg/classfile"
)

// Annotation descriptors recognized on accessor interfaces.
const (
	AnnotAccessor       = "Ljweave/Accessor;"
	AnnotFieldAccessor  = "Ljweave/FieldAccessor;"
	AnnotFieldGenerator = "Ljweave/FieldGenerator;"
	AnnotMethodAccessor = "Ljweave/MethodAccessor;"
	AnnotInterceptor    = "Ljweave/Interceptor;"
	AnnotLocalVariable  = "Ljweave/LocalVariable;"
)

// Role is what an interface method does on the target.
type Role uint8

const (
	RoleNone Role = iota
	RoleFieldAccessor
	RoleFieldGenerator
	RoleMethodAccessor
	RoleInterceptor
	RoleLocalSetter
)

func (r Role) String() string {
	switch r {
	case RoleFieldAccessor:
		return "field accessor"
	case RoleFieldGenerator:
		return "field generator"
	case RoleMethodAccessor:
		return "method accessor"
	case RoleInterceptor:
		return "interceptor"
	case RoleLocalSetter:
		return "local variable setter"
	}
	return "none"
}

// SetterMode selects what a field setter returns.
type SetterMode uint8

const (
	// ModePlain setters return void.
	ModePlain SetterMode = iota
	// ModeChain setters return the receiver typed as the accessor.
	ModeChain
	// ModeEcho setters return the value just stored.
	ModeEcho
)

func (m SetterMode) String() string {
	switch m {
	case ModeChain:
		return "CHAIN"
	case ModeEcho:
		return "ECHO"
	}
	return "PLAIN"
}

// ParseSetterMode accepts the names produced by String.
func ParseSetterMode(s string) (SetterMode, error) {
	switch s {
	case "", "PLAIN":
		return ModePlain, nil
	case "CHAIN":
		return ModeChain, nil
	case "ECHO":
		return ModeEcho, nil
	}
	return 0, fmt.Errorf("unknown setter mode %q", s)
}

// Member is the interface method a role is declared on.
type Member struct {
	Name       string
	Desc       string
	Signature  string
	Exceptions []string
}

func (m Member) String() string { return m.Name + m.Desc }

// GenericSignature is the method's Signature attribute, or its descriptor
// when it has none.
func (m Member) GenericSignature() string {
	if m.Signature != "" {
		return m.Signature
	}
	return m.Desc
}

// FieldAccessor is a getter or setter bound to a field identifier.
type FieldAccessor struct {
	Member
	Field     string
	Setter    bool
	Mode      SetterMode
	Generator bool

	// Type is the field descriptor: the getter's return type or the
	// setter's parameter type.
	Type string
}

// MethodAccessor forwards to a target method.
type MethodAccessor struct {
	Member
	Method string
}

// LocalVariable imports one local slot of the intercepted method as an
// interceptor parameter.
type LocalVariable struct {
	Param int
	ID    string
	Type  string
}

// SetterName is the name of the synthesized setter that writes the local
// back from inside the interceptor.
func (l LocalVariable) SetterName(interceptor string) string {
	return interceptor + "$" + l.ID
}

// Interceptor is a default method woven into a target method body.
type Interceptor struct {
	Member
	Method   string
	Entry    string
	Exit     string
	IsReturn bool
	Locals   []LocalVariable
}

// Conditional reports whether a true result skips to the exit instruction.
func (ic *Interceptor) Conditional() bool { return ic.Exit != "" }

// Declaration is a validated accessor interface.
type Declaration struct {
	Name   string
	Target string

	// Signature is the generic signature of the interface, if any; its
	// formal parameters are in scope for every member.
	Signature string

	Fields       []FieldAccessor
	Methods      []MethodAccessor
	Interceptors []Interceptor
	LocalSetters []Member
}

// ConfigError reports a malformed accessor declaration.
type ConfigError struct {
	Accessor string
	Member   string
	Role     Role
	Reason   string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Member == "":
		return fmt.Sprintf("accessor %s: %s", e.Accessor, e.Reason)
	case e.Role == RoleNone:
		return fmt.Sprintf("accessor %s: %s: %s", e.Accessor, e.Member, e.Reason)
	}
	return fmt.Sprintf("accessor %s: %s %s: %s", e.Accessor, e.Role, e.Member, e.Reason)
}

// Roles lists the role annotations present on m.
func Roles(m *classfile.MethodInfo) []Role {
	var out []Role
	for _, a := range m.Annotations {
		switch a.Type {
		case AnnotFieldAccessor:
			out = append(out, RoleFieldAccessor)
		case AnnotFieldGenerator:
			out = append(out, RoleFieldGenerator)
		case AnnotMethodAccessor:
			out = append(out, RoleMethodAccessor)
		case AnnotInterceptor:
			out = append(out, RoleInterceptor)
		}
	}
	return out
}

// IsAccessor reports whether cf carries the accessor annotation.
func IsAccessor(cf *classfile.ClassFile) bool {
	return classfile.FindAnnotation(cf.Annotations, AnnotAccessor) != nil
}
