package protocol

import "fmt"

// Kind identifies one of the three artifact categories stored per
// (identity, hash) pair.
//
// The numeric value of a Kind is its wire byte. Tag is the ASCII character
// used in commands, Ext the file extension used by the storage layer.
type Kind uint8

const (
	KindPrimary Kind = iota
	KindMetadata
	KindResource
)

// Kinds lists every Kind in wire-byte order. Commits walk staged artifacts in
// this order.
var Kinds = [...]Kind{KindPrimary, KindMetadata, KindResource}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPrimary, KindMetadata, KindResource:
		return true
	default:
		return false
	}
}

// Tag returns the single character protocol tag of the kind.
func (k Kind) Tag() byte {
	switch k {
	case KindPrimary:
		return 'a'
	case KindMetadata:
		return 'i'
	case KindResource:
		return 'r'
	default:
		panic(fmt.Sprintf("protocol: invalid kind %d", uint8(k)))
	}
}

// Ext returns the file extension, without the leading dot, used when the
// kind is persisted.
func (k Kind) Ext() string {
	switch k {
	case KindPrimary:
		return "bin"
	case KindMetadata:
		return "info"
	case KindResource:
		return "resource"
	default:
		panic(fmt.Sprintf("protocol: invalid kind %d", uint8(k)))
	}
}

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindMetadata:
		return "metadata"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseTag maps a protocol tag byte to its Kind.
func ParseTag(b byte) (Kind, error) {
	switch b {
	case 'a':
		return KindPrimary, nil
	case 'i':
		return KindMetadata, nil
	case 'r':
		return KindResource, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, b)
	}
}

// ParseExt maps a file extension (without the dot) to its Kind.
func ParseExt(ext string) (Kind, error) {
	switch ext {
	case "bin":
		return KindPrimary, nil
	case "info":
		return KindMetadata, nil
	case "resource":
		return KindResource, nil
	default:
		return 0, fmt.Errorf("%w: extension %q", ErrUnknownKind, ext)
	}
}

// ParseByte maps a wire byte (0, 1 or 2) to its Kind.
func ParseByte(b byte) (Kind, error) {
	k := Kind(b)
	if !k.Valid() {
		return 0, fmt.Errorf("%w: byte %d", ErrUnknownKind, b)
	}
	return k, nil
}
