package compiler

import (
	"fmt"

	"github.com/daimatz/jweave/pkg/signature"
)

// ErrorKind classifies a failed weave.
type ErrorKind uint8

const (
	FieldNotFound ErrorKind = iota
	MultipleFieldsIdentified
	MethodNotFound
	MultipleMethodsIdentified
	InstructionNotFound
	MultipleInstructionsIdentified
	InstructionOutOfBounds
	InvalidJumpTarget
	LocalNotAvailable
	IncompatibleType
	NameCollision
)

var kindNames = [...]string{
	FieldNotFound:                  "field not found",
	MultipleFieldsIdentified:       "multiple fields identified",
	MethodNotFound:                 "method not found",
	MultipleMethodsIdentified:      "multiple methods identified",
	InstructionNotFound:            "instruction not found",
	MultipleInstructionsIdentified: "multiple instructions identified",
	InstructionOutOfBounds:         "instruction out of bounds",
	InvalidJumpTarget:              "invalid jump target",
	LocalNotAvailable:              "local variable not available",
	IncompatibleType:               "incompatible type",
	NameCollision:                  "name collision",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("error(%d)", uint8(k))
}

// TargetError reports why an accessor could not be woven into a class.
// A class that fails with a TargetError must not be used half-woven.
type TargetError struct {
	Kind     ErrorKind
	Accessor string
	Member   string
	Target   string
	Detail   string

	// Mismatch is set for IncompatibleType errors found by the checker.
	Mismatch *signature.Mismatch
}

func (e *TargetError) Error() string {
	msg := fmt.Sprintf("%s: weaving %s.%s into %s", e.Kind, e.Accessor, e.Member, e.Target)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Mismatch != nil {
		msg += ": " + e.Mismatch.Error()
	}
	return msg
}

// Is matches another *TargetError of the same kind, so callers can use
// errors.Is(err, &TargetError{Kind: NameCollision}).
func (e *TargetError) Is(target error) bool {
	t, ok := target.(*TargetError)
	return ok && t.Kind == e.Kind
}
