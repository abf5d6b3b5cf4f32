package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// ConstantPoolEntry is an interface implemented by all constant pool types.
type ConstantPoolEntry interface {
	Tag() uint8
}

type ConstantUtf8 struct {
	Value string
}

func (c *ConstantUtf8) Tag() uint8 { return TagUtf8 }

type ConstantInteger struct {
	Value int32
}

func (c *ConstantInteger) Tag() uint8 { return TagInteger }

type ConstantFloat struct {
	Value float32
}

func (c *ConstantFloat) Tag() uint8 { return TagFloat }

type ConstantLong struct {
	Value int64
}

func (c *ConstantLong) Tag() uint8 { return TagLong }

type ConstantDouble struct {
	Value float64
}

func (c *ConstantDouble) Tag() uint8 { return TagDouble }

type ConstantClass struct {
	NameIndex uint16
}

func (c *ConstantClass) Tag() uint8 { return TagClass }

type ConstantString struct {
	StringIndex uint16
}

func (c *ConstantString) Tag() uint8 { return TagString }

// ConstantMemberref covers Fieldref, Methodref and InterfaceMethodref,
// which share a layout and differ only by tag.
type ConstantMemberref struct {
	Kind             uint8
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

func (c *ConstantMemberref) Tag() uint8 { return c.Kind }

type ConstantNameAndType struct {
	NameIndex       uint16
	DescriptorIndex uint16
}

func (c *ConstantNameAndType) Tag() uint8 { return TagNameAndType }

type ConstantMethodHandle struct {
	ReferenceKind  uint8
	ReferenceIndex uint16
}

func (c *ConstantMethodHandle) Tag() uint8 { return TagMethodHandle }

type ConstantMethodType struct {
	DescriptorIndex uint16
}

func (c *ConstantMethodType) Tag() uint8 { return TagMethodType }

// ConstantDynamic covers Dynamic and InvokeDynamic.
type ConstantDynamic struct {
	Kind                     uint8
	BootstrapMethodAttrIndex uint16
	NameAndTypeIndex         uint16
}

func (c *ConstantDynamic) Tag() uint8 { return c.Kind }

// ConstantNamed covers Module and Package, which only carry a name index.
type ConstantNamed struct {
	Kind      uint8
	NameIndex uint16
}

func (c *ConstantNamed) Tag() uint8 { return c.Kind }

// parseConstantPool reads constant_pool_count-1 entries from the reader.
// The returned slice is 1-indexed: index 0 is nil, and so is the slot
// following every Long and Double.
func parseConstantPool(r io.Reader, count uint16) ([]ConstantPoolEntry, error) {
	pool := make([]ConstantPoolEntry, count)
	get := func(v any) error { return binary.Read(r, binary.BigEndian, v) }

	for i := uint16(1); i < count; i++ {
		var tag uint8
		if err := get(&tag); err != nil {
			return nil, fmt.Errorf("reading constant pool tag at index %d: %w", i, err)
		}

		var (
			err   error
			entry ConstantPoolEntry
			u16   uint16
			pair  [2]uint16
		)
		switch tag {
		case TagUtf8:
			if err = get(&u16); err == nil {
				buf := make([]byte, u16)
				_, err = io.ReadFull(r, buf)
				entry = &ConstantUtf8{Value: string(buf)}
			}
		case TagInteger:
			c := &ConstantInteger{}
			err = get(&c.Value)
			entry = c
		case TagFloat:
			var bits uint32
			err = get(&bits)
			entry = &ConstantFloat{Value: math.Float32frombits(bits)}
		case TagLong:
			c := &ConstantLong{}
			err = get(&c.Value)
			entry = c
		case TagDouble:
			var bits uint64
			err = get(&bits)
			entry = &ConstantDouble{Value: math.Float64frombits(bits)}
		case TagClass:
			err = get(&u16)
			entry = &ConstantClass{NameIndex: u16}
		case TagString:
			err = get(&u16)
			entry = &ConstantString{StringIndex: u16}
		case TagMethodType:
			err = get(&u16)
			entry = &ConstantMethodType{DescriptorIndex: u16}
		case TagModule, TagPackage:
			err = get(&u16)
			entry = &ConstantNamed{Kind: tag, NameIndex: u16}
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			err = get(&pair)
			entry = &ConstantMemberref{Kind: tag, ClassIndex: pair[0], NameAndTypeIndex: pair[1]}
		case TagNameAndType:
			err = get(&pair)
			entry = &ConstantNameAndType{NameIndex: pair[0], DescriptorIndex: pair[1]}
		case TagDynamic, TagInvokeDynamic:
			err = get(&pair)
			entry = &ConstantDynamic{Kind: tag, BootstrapMethodAttrIndex: pair[0], NameAndTypeIndex: pair[1]}
		case TagMethodHandle:
			c := &ConstantMethodHandle{}
			if err = get(&c.ReferenceKind); err == nil {
				err = get(&c.ReferenceIndex)
			}
			entry = c
		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
		}
		if err != nil {
			return nil, fmt.Errorf("reading constant pool entry %d (tag=%d): %w", i, tag, err)
		}
		pool[i] = entry
		if tag == TagLong || tag == TagDouble {
			i++ // 8-byte constants take two slots
		}
	}
	return pool, nil
}

// writeConstantPool is the inverse of parseConstantPool.
func writeConstantPool(w io.Writer, pool []ConstantPoolEntry) error {
	put := func(v any) error { return binary.Write(w, binary.BigEndian, v) }

	if err := put(uint16(len(pool))); err != nil {
		return err
	}
	for i := 1; i < len(pool); i++ {
		entry := pool[i]
		if entry == nil {
			// second slot of a Long or Double
			continue
		}
		if err := put(entry.Tag()); err != nil {
			return err
		}
		var err error
		switch c := entry.(type) {
		case *ConstantUtf8:
			if len(c.Value) > math.MaxUint16 {
				return fmt.Errorf("Utf8 constant at index %d too long: %d bytes", i, len(c.Value))
			}
			if err = put(uint16(len(c.Value))); err == nil {
				_, err = io.WriteString(w, c.Value)
			}
		case *ConstantInteger:
			err = put(c.Value)
		case *ConstantFloat:
			err = put(math.Float32bits(c.Value))
		case *ConstantLong:
			err = put(c.Value)
		case *ConstantDouble:
			err = put(math.Float64bits(c.Value))
		case *ConstantClass:
			err = put(c.NameIndex)
		case *ConstantString:
			err = put(c.StringIndex)
		case *ConstantMemberref:
			err = put([2]uint16{c.ClassIndex, c.NameAndTypeIndex})
		case *ConstantNameAndType:
			err = put([2]uint16{c.NameIndex, c.DescriptorIndex})
		case *ConstantMethodHandle:
			if err = put(c.ReferenceKind); err == nil {
				err = put(c.ReferenceIndex)
			}
		case *ConstantMethodType:
			err = put(c.DescriptorIndex)
		case *ConstantDynamic:
			err = put([2]uint16{c.BootstrapMethodAttrIndex, c.NameAndTypeIndex})
		case *ConstantNamed:
			err = put(c.NameIndex)
		default:
			return fmt.Errorf("cannot write constant pool entry at index %d (tag=%d)", i, entry.Tag())
		}
		if err != nil {
			return fmt.Errorf("writing constant pool entry %d: %w", i, err)
		}
	}
	return nil
}

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", index)
	}
	utf8, ok := pool[index].(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, pool[index].Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	if int(classIndex) >= len(pool) || pool[classIndex] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", classIndex)
	}
	class, ok := pool[classIndex].(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// MemberRef holds resolved field or method reference info.
type MemberRef struct {
	Kind       uint8
	ClassName  string
	Name       string
	Descriptor string
}

// ResolveMemberref resolves a Fieldref, Methodref or InterfaceMethodref.
func ResolveMemberref(pool []ConstantPoolEntry, index uint16) (*MemberRef, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	ref, ok := pool[index].(*ConstantMemberref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not a member reference (tag=%d)", index, pool[index].Tag())
	}

	className, err := GetClassName(pool, ref.ClassIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving member class: %w", err)
	}
	name, desc, err := ResolveNameAndType(pool, ref.NameAndTypeIndex)
	if err != nil {
		return nil, err
	}
	return &MemberRef{Kind: ref.Kind, ClassName: className, Name: name, Descriptor: desc}, nil
}

// ResolveNameAndType resolves a NameAndType entry into its two strings.
func ResolveNameAndType(pool []ConstantPoolEntry, index uint16) (name, desc string, err error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return "", "", fmt.Errorf("invalid NameAndType index %d", index)
	}
	nat, ok := pool[index].(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	name, err = GetUtf8(pool, nat.NameIndex)
	if err != nil {
		return "", "", fmt.Errorf("resolving member name: %w", err)
	}
	desc, err = GetUtf8(pool, nat.DescriptorIndex)
	if err != nil {
		return "", "", fmt.Errorf("resolving member descriptor: %w", err)
	}
	return name, desc, nil
}
