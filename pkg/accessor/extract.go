package accessor

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/daimatz/jweave/pkg/classfile"
)

// Extract reads and validates the accessor declared by cf. Every problem
// found is reported; the returned error combines them with multierr.
func Extract(cf *classfile.ClassFile) (*Declaration, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, err
	}
	x := &extractor{decl: &Declaration{Name: name, Signature: cf.Signature}}

	if !cf.IsInterface() {
		x.fail("", RoleNone, "accessors must be interfaces")
	}
	ann := classfile.FindAnnotation(cf.Annotations, AnnotAccessor)
	switch {
	case ann == nil:
		x.fail("", RoleNone, "missing "+AnnotAccessor+" annotation")
	case ann.String("value") == "":
		x.fail("", RoleNone, "accessor annotation has no target type identifier")
	default:
		x.decl.Target = ann.String("value")
	}

	var unexplained []*classfile.MethodInfo
	for i := range cf.Methods {
		m := &cf.Methods[i]
		if m.Name == "<clinit>" {
			continue
		}
		roles := Roles(m)
		switch len(roles) {
		case 0:
			if m.IsAbstract() {
				unexplained = append(unexplained, m)
			}
		case 1:
			x.member(m, roles[0])
		default:
			x.fail(m.Name+m.Descriptor, RoleNone, fmt.Sprintf("has %d roles, expected one", len(roles)))
		}
	}
	for _, m := range unexplained {
		x.localSetter(m)
	}

	if x.err != nil {
		return nil, x.err
	}
	return x.decl, nil
}

type extractor struct {
	decl *Declaration
	err  error
}

func (x *extractor) fail(member string, role Role, reason string) {
	x.err = multierr.Append(x.err, &ConfigError{Accessor: x.decl.Name, Member: member, Role: role, Reason: reason})
}

func memberOf(m *classfile.MethodInfo) Member {
	return Member{
		Name:       m.Name,
		Desc:       m.Descriptor,
		Signature:  m.Signature,
		Exceptions: m.Exceptions,
	}
}

func (x *extractor) member(m *classfile.MethodInfo, role Role) {
	id := m.Name + m.Descriptor
	params, ret, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		x.fail(id, role, err.Error())
		return
	}

	switch role {
	case RoleFieldAccessor, RoleFieldGenerator:
		x.field(m, role, params, ret)
	case RoleMethodAccessor:
		if !m.IsAbstract() || m.IsStatic() {
			x.fail(id, role, "must be abstract and not static")
			return
		}
		ann := classfile.FindAnnotation(m.Annotations, AnnotMethodAccessor)
		if ann.String("value") == "" {
			x.fail(id, role, "no method identifier")
			return
		}
		x.decl.Methods = append(x.decl.Methods, MethodAccessor{Member: memberOf(m), Method: ann.String("value")})
	case RoleInterceptor:
		x.interceptor(m, params, ret)
	}
}

func (x *extractor) field(m *classfile.MethodInfo, role Role, params []string, ret string) {
	id := m.Name + m.Descriptor
	annType := AnnotFieldAccessor
	if role == RoleFieldGenerator {
		annType = AnnotFieldGenerator
	}
	ann := classfile.FindAnnotation(m.Annotations, annType)

	switch {
	case !m.IsAbstract() || m.IsStatic():
		x.fail(id, role, "must be abstract and not static")
		return
	case len(m.Exceptions) > 0:
		x.fail(id, role, "must not declare exceptions")
		return
	case ann.String("value") == "":
		x.fail(id, role, "no field identifier")
		return
	}
	mode, err := ParseSetterMode(ann.String("mode"))
	if err != nil {
		x.fail(id, role, err.Error())
		return
	}

	fa := FieldAccessor{Member: memberOf(m), Field: ann.String("value"), Mode: mode, Generator: role == RoleFieldGenerator}
	switch len(params) {
	case 0:
		if ret == "V" {
			x.fail(id, role, "getter must return a value")
			return
		}
		if ann.Has("mode") {
			x.fail(id, role, "getters take no setter mode")
			return
		}
		fa.Type = ret
	case 1:
		fa.Setter = true
		fa.Type = params[0]
		var want string
		switch mode {
		case ModePlain:
			want = "V"
		case ModeChain:
			want = classfile.ObjectType(x.decl.Name)
		case ModeEcho:
			want = params[0]
		}
		if ret != want {
			x.fail(id, role, fmt.Sprintf("%s setter must return %s, not %s", mode, want, ret))
			return
		}
	default:
		x.fail(id, role, "takes at most one parameter")
		return
	}
	x.decl.Fields = append(x.decl.Fields, fa)
}

func (x *extractor) interceptor(m *classfile.MethodInfo, params []string, ret string) {
	id := m.Name + m.Descriptor
	ann := classfile.FindAnnotation(m.Annotations, AnnotInterceptor)
	ic := Interceptor{
		Member:   memberOf(m),
		Method:   ann.String("method"),
		Entry:    ann.String("entry"),
		Exit:     ann.String("exit"),
		IsReturn: ann.Bool("isReturn"),
	}

	switch {
	case m.IsAbstract() || m.IsStatic() || m.IsPrivate():
		x.fail(id, RoleInterceptor, "must be a default method")
		return
	case ic.Method == "" || ic.Entry == "":
		x.fail(id, RoleInterceptor, "needs both a method and an entry identifier")
		return
	case ic.Conditional() && ic.IsReturn:
		x.fail(id, RoleInterceptor, "cannot both jump to an exit and return")
		return
	case ic.Conditional() && ret != "Z":
		x.fail(id, RoleInterceptor, "conditional interceptors must return boolean")
		return
	case !ic.Conditional() && !ic.IsReturn && ret != "V":
		x.fail(id, RoleInterceptor, "must return void unless it is conditional or returning")
		return
	case strings.Contains(m.Name, "$"):
		x.fail(id, RoleInterceptor, "name must not contain '$'")
		return
	}

	seen := make(map[string]bool)
	for i, p := range params {
		var lv *classfile.Annotation
		if i < len(m.ParameterAnnotations) {
			lv = classfile.FindAnnotation(m.ParameterAnnotations[i], AnnotLocalVariable)
		}
		if lv == nil || lv.String("value") == "" {
			x.fail(id, RoleInterceptor, fmt.Sprintf("parameter %d is not bound to a local variable", i))
			return
		}
		local := LocalVariable{Param: i, ID: lv.String("value"), Type: p}
		if seen[local.ID] {
			x.fail(id, RoleInterceptor, fmt.Sprintf("local variable %q imported twice", local.ID))
			return
		}
		seen[local.ID] = true
		ic.Locals = append(ic.Locals, local)
	}
	x.decl.Interceptors = append(x.decl.Interceptors, ic)
}

// localSetter accepts an abstract method without a role when it is the
// setter of an interceptor's local variable.
func (x *extractor) localSetter(m *classfile.MethodInfo) {
	id := m.Name + m.Descriptor
	for _, ic := range x.decl.Interceptors {
		for _, l := range ic.Locals {
			if m.Name != l.SetterName(ic.Name) {
				continue
			}
			if ic.IsReturn {
				x.fail(id, RoleLocalSetter, "returning interceptors do not export locals")
				return
			}
			if want := "(" + l.Type + ")V"; m.Descriptor != want {
				x.fail(id, RoleLocalSetter, "descriptor must be "+want)
				return
			}
			x.decl.LocalSetters = append(x.decl.LocalSetters, memberOf(m))
			return
		}
	}
	x.fail(id, RoleNone, "abstract method has no accessor role")
}
