package compiler

import (
	"fmt"
	"strings"
)

// === Method attributes: access flags, shorty, classification ===

// Access flag bits as they appear in the class-file method table.
const (
	AccStatic         uint32 = 0x0008
	AccSynchronized   uint32 = 0x0020
	AccNative         uint32 = 0x0100
	AccFastNative     uint32 = 0x00080000
	AccCriticalNative uint32 = 0x00200000
)

// Primitive type codes, one per shorty character.
type Primitive int

const (
	PrimVoid Primitive = iota
	PrimBoolean
	PrimByte
	PrimChar
	PrimShort
	PrimInt
	PrimLong
	PrimFloat
	PrimDouble
	PrimNot // reference
)

// PrimitiveForShortyChar maps a shorty character to its primitive type.
func PrimitiveForShortyChar(c byte) (Primitive, error) {
	switch c {
	case 'V':
		return PrimVoid, nil
	case 'Z':
		return PrimBoolean, nil
	case 'B':
		return PrimByte, nil
	case 'C':
		return PrimChar, nil
	case 'S':
		return PrimShort, nil
	case 'I':
		return PrimInt, nil
	case 'J':
		return PrimLong, nil
	case 'F':
		return PrimFloat, nil
	case 'D':
		return PrimDouble, nil
	case 'L':
		return PrimNot, nil
	default:
		return PrimVoid, fmt.Errorf("invalid shorty character %q", c)
	}
}

// ComponentSize returns the in-memory size of a primitive value.
func (p Primitive) ComponentSize() int {
	switch p {
	case PrimVoid:
		return 0
	case PrimBoolean, PrimByte:
		return 1
	case PrimChar, PrimShort:
		return 2
	case PrimInt, PrimFloat, PrimNot:
		return 4
	case PrimLong, PrimDouble:
		return 8
	}
	return 0
}

func (p Primitive) String() string {
	switch p {
	case PrimVoid:
		return "void"
	case PrimBoolean:
		return "boolean"
	case PrimByte:
		return "byte"
	case PrimChar:
		return "char"
	case PrimShort:
		return "short"
	case PrimInt:
		return "int"
	case PrimLong:
		return "long"
	case PrimFloat:
		return "float"
	case PrimDouble:
		return "double"
	case PrimNot:
		return "reference"
	}
	return "unknown"
}

// MethodAttributes is the classified view of one native method.
// Computed once per compile; the generator reads it but never mutates it.
type MethodAttributes struct {
	IsStatic         bool
	IsSynchronized   bool
	IsFastNative     bool
	IsCriticalNative bool
	Shorty           string
}

// ReturnType is the primitive type of the method's return value.
func (a *MethodAttributes) ReturnType() Primitive {
	p, _ := PrimitiveForShortyChar(a.Shorty[0])
	return p
}

// ReferenceReturn reports whether the method returns a reference.
func (a *MethodAttributes) ReferenceReturn() bool {
	return a.Shorty[0] == 'L'
}

// NumArgs is the number of declared parameters (the implicit `this`
// of instance methods is not part of the shorty).
func (a *MethodAttributes) NumArgs() int {
	return len(a.Shorty) - 1
}

// ParseMethodAttributes classifies a native method and validates the
// attribute combination. The flag word must have AccNative set.
func ParseMethodAttributes(accessFlags uint32, shorty string) (*MethodAttributes, error) {
	if accessFlags&AccNative == 0 {
		return nil, fmt.Errorf("method is not native (access flags %#x)", accessFlags)
	}
	if err := checkShorty(shorty); err != nil {
		return nil, err
	}
	attrs := &MethodAttributes{
		IsStatic:         accessFlags&AccStatic != 0,
		IsSynchronized:   accessFlags&AccSynchronized != 0,
		IsFastNative:     accessFlags&AccFastNative != 0,
		IsCriticalNative: accessFlags&AccCriticalNative != 0,
		Shorty:           shorty,
	}
	if err := attrs.validate(); err != nil {
		return nil, err
	}
	return attrs, nil
}

func checkShorty(shorty string) error {
	if len(shorty) == 0 {
		return fmt.Errorf("empty shorty")
	}
	for i := 0; i < len(shorty); i++ {
		if _, err := PrimitiveForShortyChar(shorty[i]); err != nil {
			return fmt.Errorf("shorty %q: %w", shorty, err)
		}
		if i > 0 && shorty[i] == 'V' {
			return fmt.Errorf("shorty %q: void parameter", shorty)
		}
	}
	return nil
}

// validate rejects attribute combinations the stub generator does not
// support. Critical-native methods cannot touch the managed heap, so
// they must be static, unsynchronized and reference-free.
func (a *MethodAttributes) validate() error {
	if a.IsFastNative && a.IsCriticalNative {
		return fmt.Errorf("method cannot be both fast-native and critical-native")
	}
	if a.IsFastNative && a.IsSynchronized {
		return fmt.Errorf("fast-native method cannot be synchronized")
	}
	if a.IsCriticalNative {
		if !a.IsStatic {
			return fmt.Errorf("critical-native method must be static")
		}
		if a.IsSynchronized {
			return fmt.Errorf("critical-native method cannot be synchronized")
		}
		if strings.ContainsRune(a.Shorty, 'L') {
			return fmt.Errorf("critical-native method cannot take or return references")
		}
	}
	return nil
}

// DexFile is the subset of the descriptor table the compiler consumes.
type DexFile interface {
	// GetMethodShorty returns the shorty for the method at the given index.
	GetMethodShorty(methodIdx uint32) string
	// PrettyMethod renders a human-readable method name for diagnostics.
	PrettyMethod(methodIdx uint32, withSignature bool) string
}
