package changelog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType is the kind of metadata mutation a record describes
type EventType uint8

const (
	TypeMark EventType = iota
	TypeCreate
	TypeMkdir
	TypeHardlink
	TypeSoftlink
	TypeMknod
	TypeUnlink
	TypeRmdir
	TypeRename
	TypeRenameTo
	TypeOpen
	TypeClose
	TypeLayout
	TypeTruncate
	TypeSetattr
	TypeXattr
	TypeHSM
	TypeMtime
	TypeCtime
	TypeAtime
	TypeMigrate
	TypeFLRWrite
	TypeResync
	TypeGetxattr
	TypeDeniedOpen

	numEventTypes
)

// Mnemonics as rendered in the text format
var typeNames = [numEventTypes]string{
	TypeMark:       "MARK",
	TypeCreate:     "CREAT",
	TypeMkdir:      "MKDIR",
	TypeHardlink:   "HLINK",
	TypeSoftlink:   "SLINK",
	TypeMknod:      "MKNOD",
	TypeUnlink:     "UNLNK",
	TypeRmdir:      "RMDIR",
	TypeRename:     "RENME",
	TypeRenameTo:   "RNMTO",
	TypeOpen:       "OPEN",
	TypeClose:      "CLOSE",
	TypeLayout:     "LYOUT",
	TypeTruncate:   "TRUNC",
	TypeSetattr:    "SATTR",
	TypeXattr:      "XATTR",
	TypeHSM:        "HSM",
	TypeMtime:      "MTIME",
	TypeCtime:      "CTIME",
	TypeAtime:      "ATIME",
	TypeMigrate:    "MIGRT",
	TypeFLRWrite:   "FLRW",
	TypeResync:     "RESYNC",
	TypeGetxattr:   "GXATR",
	TypeDeniedOpen: "NOPEN",
}

func (t EventType) String() string {
	if t < numEventTypes {
		return typeNames[t]
	}
	return "NONE"
}

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	return t < numEventTypes
}

// ParseEventType maps a mnemonic (case-insensitive) to its EventType
func ParseEventType(s string) (EventType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range typeNames {
		if n == name {
			return EventType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown changelog record type %q", s)
}

// EventTypes returns every known event type in index order
func EventTypes() []EventType {
	types := make([]EventType, 0, numEventTypes)
	for t := EventType(0); t < numEventTypes; t++ {
		types = append(types, t)
	}
	return types
}

func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid changelog record type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Flags is the record flag word. The low 12 bits are type specific, the
// high bits announce which extensions the record carries.
type Flags uint16

const (
	FlagMask   Flags = 0x0FFF
	FlagExtra  Flags = 0x2000
	FlagJobID  Flags = 0x4000
	FlagRename Flags = 0x8000
)

// ExtraFlags selects the extended fields carried when FlagExtra is set
type ExtraFlags uint64

const (
	ExtraUIDGID   ExtraFlags = 0x0001
	ExtraNID      ExtraFlags = 0x0002
	ExtraOpenMode ExtraFlags = 0x0004
	ExtraXattr    ExtraFlags = 0x0008

	ExtraAll = ExtraUIDGID | ExtraNID | ExtraOpenMode | ExtraXattr
)

// StartFlags are passed to Source.Start
type StartFlags uint32

const (
	StartBlock      StartFlags = 0x1
	StartFollow     StartFlags = 0x2
	StartJobID      StartFlags = 0x4
	StartExtraFlags StartFlags = 0x8
)

// FID identifies a filesystem object: sequence, object id and version
type FID struct {
	Seq uint64 `msgpack:"s"`
	Oid uint32 `msgpack:"o"`
	Ver uint32 `msgpack:"v"`
}

// IsZero reports whether the FID is the null identifier
func (f FID) IsZero() bool {
	return f.Seq == 0 && f.Oid == 0 && f.Ver == 0
}

func (f FID) String() string {
	return string(f.AppendText(nil))
}

// AppendText appends the bracketed hex form, e.g. [0x200000007:0x1:0x0]
func (f FID) AppendText(b []byte) []byte {
	b = append(b, "[0x"...)
	b = strconv.AppendUint(b, f.Seq, 16)
	b = append(b, ":0x"...)
	b = strconv.AppendUint(b, uint64(f.Oid), 16)
	b = append(b, ":0x"...)
	b = strconv.AppendUint(b, uint64(f.Ver), 16)
	return append(b, ']')
}

func (f FID) MarshalText() ([]byte, error) {
	return f.AppendText(nil), nil
}

func (f *FID) UnmarshalText(text []byte) error {
	parsed, err := ParseFID(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFID parses "[0xSEQ:0xOID:0xVER]"; the brackets are optional
func ParseFID(s string) (FID, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	parts := strings.Split(body, ":")
	if len(parts) != 3 {
		return FID{}, fmt.Errorf("invalid FID %q", s)
	}

	seq, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return FID{}, fmt.Errorf("invalid FID sequence in %q: %w", s, err)
	}
	oid, err := strconv.ParseUint(parts[1], 0, 32)
	if err != nil {
		return FID{}, fmt.Errorf("invalid FID object id in %q: %w", s, err)
	}
	ver, err := strconv.ParseUint(parts[2], 0, 32)
	if err != nil {
		return FID{}, fmt.Errorf("invalid FID version in %q: %w", s, err)
	}

	return FID{Seq: seq, Oid: uint32(oid), Ver: uint32(ver)}, nil
}

// Record is one immutable changelog entry
type Record struct {
	Index  uint64     `msgpack:"idx" json:"index"`
	Time   time.Time  `msgpack:"ts" json:"time"`
	Type   EventType  `msgpack:"type" json:"type"`
	Flags  Flags      `msgpack:"flags" json:"flags"`
	Extra  ExtraFlags `msgpack:"xflags" json:"extra_flags,omitempty"`
	Target FID        `msgpack:"tfid" json:"target"`

	// Parent and Name are present when Name is non-empty
	Parent FID    `msgpack:"pfid" json:"parent,omitzero"`
	Name   string `msgpack:"name" json:"name,omitempty"`

	// Present with FlagExtra|ExtraUIDGID
	UID uint64 `msgpack:"uid" json:"uid,omitempty"`
	GID uint64 `msgpack:"gid" json:"gid,omitempty"`

	// Present with FlagJobID
	JobID string `msgpack:"jobid" json:"jobid,omitempty"`

	// Present with FlagExtra|ExtraNID
	NID string `msgpack:"nid" json:"nid,omitempty"`

	// Present with FlagExtra|ExtraOpenMode
	OpenMode uint32 `msgpack:"omode" json:"open_mode,omitempty"`

	// Present with FlagExtra|ExtraXattr
	Xattr string `msgpack:"xattr" json:"xattr,omitempty"`

	// Present with FlagRename
	Source       FID    `msgpack:"sfid" json:"source,omitzero"`
	SourceParent FID    `msgpack:"spfid" json:"source_parent,omitzero"`
	SourceName   string `msgpack:"sname" json:"source_name,omitempty"`
}

// HasExtra reports whether the record carries the given extended field
func (r *Record) HasExtra(x ExtraFlags) bool {
	return r.Flags&FlagExtra != 0 && r.Extra&x != 0
}
