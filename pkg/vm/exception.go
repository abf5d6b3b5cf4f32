package vm

import "fmt"

// JavaException represents a JVM exception being thrown. It unwinds as a
// Go error until a handler of the executing method catches it.
type JavaException struct {
	Object *Object
}

func (e *JavaException) Error() string {
	return fmt.Sprintf("JavaException: %s", e.Object.ClassName)
}

func NewJavaException(className string) *JavaException {
	return &JavaException{Object: NewObject(className)}
}
