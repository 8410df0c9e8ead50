// Package object defines the immutable, content-addressed objects of a
// repository and their canonical serialization.
//
// Every object is framed git-style as "<kind> <size>\x00<payload>" and is
// identified by the SHA-256 digest of the whole frame:
//
//	blob    payload is the raw file content (or symlink target)
//	tree    payload is a sequence of entries sorted by name:
//	        {mode:4 bytes BE}{sha256:32 bytes}{nameLen:2 bytes BE}{name}
//	commit  payload is JSON with a fixed field order
package object

import (
	"bytes"
	_ "crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
)

// Kind identifies the variant of an object.
type Kind uint8

const (
	KindBlob Kind = iota + 1
	KindTree
	KindCommit
)

func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTree:
		return "tree"
	case KindCommit:
		return "commit"
	default:
		return "unknown"
	}
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "blob":
		return KindBlob, true
	case "tree":
		return KindTree, true
	case "commit":
		return KindCommit, true
	}
	return 0, false
}

// Object is one of *Blob, *Tree or *Commit.
type Object interface {
	Kind() Kind
}

// Blob is opaque file content.
type Blob struct {
	Content []byte
}

func (*Blob) Kind() Kind { return KindBlob }

// TreeEntry is a named child of a tree. Directories carry fs.ModeDir in
// Mode, symlinks carry fs.ModeSymlink and point at a blob holding the target.
type TreeEntry struct {
	Name   string
	Mode   fs.FileMode
	Digest digest.Digest
}

// IsTree reports whether the entry references a sub-tree.
func (e TreeEntry) IsTree() bool { return e.Mode.IsDir() }

// Tree is an ordered mapping from name to child object.
type Tree struct {
	Entries []TreeEntry
}

func (*Tree) Kind() Kind { return KindTree }

// Lookup returns the entry with the given name.
func (t *Tree) Lookup(name string) (TreeEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return t.Entries[i], true
	}
	return TreeEntry{}, false
}

// Commit is a versioned snapshot of a root tree.
type Commit struct {
	Tree      digest.Digest     `json:"tree"`
	Parent    digest.Digest     `json:"parent,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body,omitempty"`
	Version   string            `json:"version,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (*Commit) Kind() Kind { return KindCommit }

// Encode returns the canonical serialization of o.
func Encode(o Object) ([]byte, error) {
	var payload []byte
	switch v := o.(type) {
	case *Blob:
		payload = v.Content
	case *Tree:
		p, err := encodeTree(v)
		if err != nil {
			return nil, err
		}
		payload = p
	case *Commit:
		p, err := encodeCommit(v)
		if err != nil {
			return nil, err
		}
		payload = p
	default:
		return nil, fmt.Errorf("encode: unsupported object %T", o)
	}

	header := fmt.Sprintf("%s %d\x00", o.Kind(), len(payload))
	buf := make([]byte, len(header)+len(payload))
	copy(buf, header)
	copy(buf[len(header):], payload)
	return buf, nil
}

// DigestOf encodes o and returns its digest along with the encoded bytes.
func DigestOf(o Object) (digest.Digest, []byte, error) {
	data, err := Encode(o)
	if err != nil {
		return "", nil, err
	}
	return digest.FromBytes(data), data, nil
}

// Verify reports whether data hashes to d.
func Verify(d digest.Digest, data []byte) bool {
	if d.Validate() != nil {
		return false
	}
	v := d.Verifier()
	if _, err := v.Write(data); err != nil {
		return false
	}
	return v.Verified()
}

// Decode parses a serialized object. Malformed input wraps errdefs.ErrCorrupt.
func Decode(data []byte) (Object, error) {
	kind, payload, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindBlob:
		return &Blob{Content: payload}, nil
	case KindTree:
		return decodeTree(payload)
	default:
		return decodeCommit(payload)
	}
}

// KindOf returns the kind recorded in the header of a serialized object.
func KindOf(data []byte) (Kind, error) {
	kind, _, err := splitHeader(data)
	return kind, err
}

// References returns the digests an object depends on for completeness.
// Commit parents are history, not content, and are not included.
func References(o Object) []digest.Digest {
	switch v := o.(type) {
	case *Tree:
		refs := make([]digest.Digest, 0, len(v.Entries))
		for _, e := range v.Entries {
			refs = append(refs, e.Digest)
		}
		return refs
	case *Commit:
		return []digest.Digest{v.Tree}
	}
	return nil
}

func splitHeader(data []byte) (Kind, []byte, error) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return 0, nil, fmt.Errorf("%w: missing header terminator", errdefs.ErrCorrupt)
	}
	kindStr, sizeStr, ok := strings.Cut(string(data[:idx]), " ")
	if !ok {
		return 0, nil, fmt.Errorf("%w: malformed header", errdefs.ErrCorrupt)
	}
	kind, ok := parseKind(kindStr)
	if !ok {
		return 0, nil, fmt.Errorf("%w: unknown object type %q", errdefs.ErrCorrupt, kindStr)
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: malformed size %q", errdefs.ErrCorrupt, sizeStr)
	}
	payload := data[idx+1:]
	if size != len(payload) {
		return 0, nil, fmt.Errorf("%w: size %d does not match payload %d", errdefs.ErrCorrupt, size, len(payload))
	}
	return kind, payload, nil
}

// ValidName reports whether name may appear as a tree entry.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\x00") && len(name) <= 0xffff
}

func encodeTree(t *Tree) ([]byte, error) {
	entries := make([]TreeEntry, len(t.Entries))
	copy(entries, t.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	var buf bytes.Buffer
	for i, entry := range entries {
		if !ValidName(entry.Name) {
			return nil, fmt.Errorf("%w: tree entry %q", errdefs.ErrInvalidName, entry.Name)
		}
		if i > 0 && entries[i-1].Name == entry.Name {
			return nil, fmt.Errorf("%w: duplicate tree entry %q", errdefs.ErrInvalidName, entry.Name)
		}
		raw, err := rawSHA256(entry.Digest)
		if err != nil {
			return nil, fmt.Errorf("tree entry %q: %w", entry.Name, err)
		}
		binary.Write(&buf, binary.BigEndian, uint32(entry.Mode))
		buf.Write(raw)
		binary.Write(&buf, binary.BigEndian, uint16(len(entry.Name)))
		buf.WriteString(entry.Name)
	}
	return buf.Bytes(), nil
}

func decodeTree(data []byte) (*Tree, error) {
	tree := &Tree{}
	reader := bytes.NewReader(data)

	for reader.Len() > 0 {
		var mode uint32
		if err := binary.Read(reader, binary.BigEndian, &mode); err != nil {
			return nil, fmt.Errorf("%w: tree entry mode: %v", errdefs.ErrCorrupt, err)
		}

		var hash [32]byte
		if _, err := io.ReadFull(reader, hash[:]); err != nil {
			return nil, fmt.Errorf("%w: tree entry hash: %v", errdefs.ErrCorrupt, err)
		}

		var nameLen uint16
		if err := binary.Read(reader, binary.BigEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("%w: tree entry name length: %v", errdefs.ErrCorrupt, err)
		}

		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(reader, nameBuf); err != nil {
			return nil, fmt.Errorf("%w: tree entry name: %v", errdefs.ErrCorrupt, err)
		}

		entry := TreeEntry{
			Name:   string(nameBuf),
			Mode:   fs.FileMode(mode),
			Digest: digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(hash[:])),
		}
		if !ValidName(entry.Name) {
			return nil, fmt.Errorf("%w: invalid tree entry name %q", errdefs.ErrCorrupt, entry.Name)
		}
		if n := len(tree.Entries); n > 0 && tree.Entries[n-1].Name >= entry.Name {
			return nil, fmt.Errorf("%w: tree entries out of order at %q", errdefs.ErrCorrupt, entry.Name)
		}
		tree.Entries = append(tree.Entries, entry)
	}

	return tree, nil
}

func encodeCommit(c *Commit) ([]byte, error) {
	if err := c.Tree.Validate(); err != nil {
		return nil, fmt.Errorf("commit tree: %w", err)
	}
	if c.Parent != "" {
		if err := c.Parent.Validate(); err != nil {
			return nil, fmt.Errorf("commit parent: %w", err)
		}
	}
	normalized := *c
	normalized.Timestamp = c.Timestamp.UTC()
	return json.Marshal(&normalized)
}

func decodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", errdefs.ErrCorrupt, err)
	}
	if err := c.Tree.Validate(); err != nil {
		return nil, fmt.Errorf("%w: commit tree: %v", errdefs.ErrCorrupt, err)
	}
	if c.Parent != "" {
		if err := c.Parent.Validate(); err != nil {
			return nil, fmt.Errorf("%w: commit parent: %v", errdefs.ErrCorrupt, err)
		}
	}
	return &c, nil
}

func rawSHA256(d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Algorithm() != digest.SHA256 {
		return nil, fmt.Errorf("unsupported digest algorithm %s", d.Algorithm())
	}
	return hex.DecodeString(d.Encoded())
}

// ParseDigest parses a digest string, accepting a bare SHA-256 hex string.
func ParseDigest(s string) (digest.Digest, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		s = string(digest.SHA256) + ":" + s
	}
	return digest.Parse(s)
}
