package storage

import (
	"fmt"
	"path"
	"strings"

	"stash/pkg/protocol"
)

// ShardLength is the number of leading filename characters used as the
// shard directory.
const ShardLength = 2

// Key addresses one stored artifact.
type Key struct {
	Identity protocol.ID
	Hash     protocol.ID
	Kind     protocol.Kind
}

// NewKey builds a Key.
func NewKey(kind protocol.Kind, identity, hash protocol.ID) Key {
	return Key{Identity: identity, Hash: hash, Kind: kind}
}

// Filename returns "<identity-hex>-<hash-hex>.<ext>".
func (k Key) Filename() string {
	return k.Identity.String() + "-" + k.Hash.String() + "." + k.Kind.Ext()
}

// Path returns the slash separated, content-addressed location of the
// artifact relative to a store root: the first two characters of the
// filename name the shard directory.
func (k Key) Path() string {
	name := k.Filename()
	return path.Join(name[:ShardLength], name)
}

func (k Key) String() string {
	return k.Filename()
}

// ParseFilename is the inverse of Key.Filename.
func ParseFilename(name string) (Key, error) {
	stem, ext, ok := strings.Cut(name, ".")
	if !ok {
		return Key{}, fmt.Errorf("%w: filename %q has no extension", protocol.ErrMalformed, name)
	}

	kind, err := protocol.ParseExt(ext)
	if err != nil {
		return Key{}, err
	}

	idHex, hashHex, ok := strings.Cut(stem, "-")
	if !ok {
		return Key{}, fmt.Errorf("%w: filename %q has no hash", protocol.ErrMalformed, name)
	}

	identity, err := protocol.ParseID(idHex)
	if err != nil {
		return Key{}, err
	}

	hash, err := protocol.ParseID(hashHex)
	if err != nil {
		return Key{}, err
	}

	return NewKey(kind, identity, hash), nil
}
