package vm

// Object represents a JVM object instance. Fields are keyed by name; a
// field never written reads as the zero value of its type.
type Object struct {
	ClassName string
	Fields    map[string]Value
}

// NewObject allocates an instance of className.
func NewObject(className string) *Object {
	return &Object{ClassName: className, Fields: make(map[string]Value)}
}
