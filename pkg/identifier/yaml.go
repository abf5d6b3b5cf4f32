package identifier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/daimatz/jweave/pkg/bytecode"
)

// MappingFile is the on-disk form of a declarative identifier source:
//
//	types:
//	  player: com/example/Player
//	methods:
//	  tick: {name: tick, desc: ()V, scope: interceptor}
//	fields:
//	  health: {name: health, desc: I}
//	  stats: {prefix: stat}
//	instructions:
//	  before_call: {opcode: invokevirtual, owner: java/io/PrintStream, name: println}
//	  local_x: {opcode: iload, slot: 1}
//	  at_return: {opcode: ireturn}
type MappingFile struct {
	Types        map[string]MappingEntry `yaml:"types"`
	Methods      map[string]MappingEntry `yaml:"methods"`
	Fields       map[string]MappingEntry `yaml:"fields"`
	Instructions map[string]MappingEntry `yaml:"instructions"`
}

// MappingEntry describes one identifier. Which keys are meaningful
// depends on the section it appears in.
type MappingEntry struct {
	Names   StringOrArray `yaml:"names"`
	Name    string        `yaml:"name"`
	Desc    string        `yaml:"desc"`
	Prefix  string        `yaml:"prefix"`
	Owner   string        `yaml:"owner"`
	Opcode  string        `yaml:"opcode"`
	Slot    *int          `yaml:"slot"`
	Index   *int          `yaml:"index"`
	Ordinal *int          `yaml:"ordinal"`

	// Scope restricts the entry to one search type; empty means any.
	Scope string `yaml:"scope"`
}

// StringOrArray accepts either a single string or a list of strings.
type StringOrArray []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringOrArray) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var str string
		if err := node.Decode(&str); err != nil {
			return err
		}
		if str != "" {
			*s = StringOrArray{str}
		} else {
			*s = StringOrArray{}
		}
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := node.Decode(&arr); err != nil {
			return err
		}
		*s = arr
		return nil
	default:
		return fmt.Errorf("expected string or array, got %v", node.Kind)
	}
}

// UnmarshalYAML lets a type entry be written as a bare name or list.
func (e *MappingEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return node.Decode(&e.Names)
	}
	type plain MappingEntry
	return node.Decode((*plain)(e))
}

// YAMLMapper serves strategies from a MappingFile. Strategies are built
// the first time an id is asked for.
type YAMLMapper struct {
	Source string
	file   *MappingFile
}

// LoadMappingFile reads and parses a YAML mapping file.
func LoadMappingFile(path string) (*YAMLMapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}
	m, err := ParseMapping(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Source = path
	return m, nil
}

// ParseMapping parses YAML mapping data.
func ParseMapping(data []byte) (*YAMLMapper, error) {
	var mf MappingFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse mapping YAML: %w", err)
	}
	for _, section := range []map[string]MappingEntry{mf.Types, mf.Methods, mf.Fields, mf.Instructions} {
		for id, e := range section {
			if _, err := parseScope(e.Scope); err != nil {
				return nil, fmt.Errorf("identifier %q: %w", id, err)
			}
		}
	}
	return &YAMLMapper{file: &mf}, nil
}

func parseScope(s string) (SearchType, error) {
	switch s {
	case "":
		return 0, nil
	case "accessor":
		return SearchAccessor, nil
	case "interceptor":
		return SearchInterceptor, nil
	case "local_variable":
		return SearchLocalVariable, nil
	case "other":
		return SearchOther, nil
	}
	return 0, fmt.Errorf("unknown scope %q", s)
}

// Map implements Mapper.
func (m *YAMLMapper) Map(kind Kind, id string, search SearchType) (Strategy, error) {
	var section map[string]MappingEntry
	switch kind {
	case Type:
		section = m.file.Types
	case Method:
		section = m.file.Methods
	case Field:
		section = m.file.Fields
	case Instruction:
		section = m.file.Instructions
	}
	e, ok := section[id]
	if !ok {
		return nil, nil
	}
	if e.Scope != "" {
		if scope, _ := parseScope(e.Scope); scope != search {
			return nil, nil
		}
	}
	return e.strategy(kind)
}

func (e *MappingEntry) strategy(kind Kind) (Strategy, error) {
	switch kind {
	case Type:
		names := append([]string(nil), e.Names...)
		if e.Name != "" {
			names = append(names, e.Name)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("type entry without names")
		}
		return Types(names...), nil
	case Method, Field:
		if e.Prefix != "" {
			return Prefix(kind, e.Prefix), nil
		}
		if e.Name == "" {
			return nil, fmt.Errorf("%s entry without name or prefix", kind)
		}
		return Members(kind, e.Name, e.Desc), nil
	}

	if e.Index != nil {
		return AtIndex(*e.Index), nil
	}
	ordinal := -1
	if e.Ordinal != nil {
		ordinal = *e.Ordinal
	}
	var op byte
	if e.Opcode != "" {
		var ok bool
		if op, ok = bytecode.Lookup(e.Opcode); !ok {
			return nil, fmt.Errorf("unknown opcode %q", e.Opcode)
		}
	}
	switch {
	case e.Slot != nil:
		return VarInsn(op, *e.Slot, ordinal), nil
	case op == 0 && e.Name != "", op >= bytecode.OpInvokevirtual && op <= bytecode.OpInvokeinterface:
		return Invoke(op, e.Owner, e.Name, e.Desc, ordinal), nil
	case op >= bytecode.OpGetstatic && op <= bytecode.OpPutfield:
		return FieldAccess(op, e.Owner, e.Name, e.Desc, ordinal), nil
	case e.Opcode != "":
		return Opcode(op, ordinal), nil
	}
	return nil, fmt.Errorf("instruction entry needs index, slot, opcode or name")
}
