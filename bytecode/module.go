package bytecode

import (
	"errors"
	"fmt"

	vmerrors "github.com/caffeineduck/vmrt/errors"
)

var (
	ErrBadMagic           = errors.New("bad magic")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrBodyRange          = errors.New("body range outside body section")
	ErrDuplicateExport    = errors.New("duplicate export")
	ErrTrailingData       = errors.New("trailing data")
)

// Attr is one reflection attribute of an export.
type Attr struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Export describes an exported function. Offset and Length locate its body
// inside the body section.
type Export struct {
	Name   string
	Attrs  []Attr
	Offset uint32
	Length uint32
}

// Attr returns the value of the named attribute.
func (e Export) Attr(key string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// AttrMap returns the attributes as a map.
func (e Export) AttrMap() map[string]string {
	m := make(map[string]string, len(e.Attrs))
	for _, a := range e.Attrs {
		m[a.Key] = a.Value
	}
	return m
}

// Module is a decoded container.
type Module struct {
	Name    string
	Version Version
	Imports []string
	Exports []Export
	Bodies  []byte
}

// Body returns the encoded body of e.
func (m *Module) Body(e Export) []byte {
	return m.Bodies[e.Offset : e.Offset+e.Length]
}

// Decode parses a container. Every failure is a malformed module error.
func Decode(data []byte) (*Module, error) {
	m, err := decode(data)
	if err != nil {
		return nil, vmerrors.Malformed("decode module", err)
	}
	return m, nil
}

func decode(data []byte) (*Module, error) {
	r := &reader{data: data}

	magic, err := r.bytes(len(Magic), "magic")
	if err != nil {
		return nil, err
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, magic)
	}

	m := &Module{}
	if m.Version.Major, err = r.u16("major version"); err != nil {
		return nil, err
	}
	if m.Version.Minor, err = r.u16("minor version"); err != nil {
		return nil, err
	}
	if !m.Version.Supported() {
		qualifier := "older"
		if m.Version.Newer() {
			qualifier = "newer"
		}
		return nil, fmt.Errorf("%w: %s is %s than supported range %s",
			ErrUnsupportedVersion, m.Version, qualifier, SupportedVersions)
	}

	if m.Name, err = r.string("module name"); err != nil {
		return nil, err
	}

	n, err := r.count(1, "import count")
	if err != nil {
		return nil, err
	}
	m.Imports = make([]string, n)
	for i := range m.Imports {
		if m.Imports[i], err = r.string("import name"); err != nil {
			return nil, err
		}
	}

	n, err = r.count(4, "export count")
	if err != nil {
		return nil, err
	}
	m.Exports = make([]Export, n)
	seen := make(map[string]bool, n)
	for i := range m.Exports {
		e, err := decodeExport(r)
		if err != nil {
			return nil, err
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateExport, e.Name)
		}
		seen[e.Name] = true
		m.Exports[i] = e
	}

	bodyLen, err := r.varint("body section length")
	if err != nil {
		return nil, err
	}
	if m.Bodies, err = r.bytes(int(bodyLen), "body section"); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes after body section", ErrTrailingData, r.remaining())
	}

	for _, e := range m.Exports {
		if uint64(e.Offset)+uint64(e.Length) > uint64(len(m.Bodies)) {
			return nil, fmt.Errorf("%w: export %q spans [%d, %d) of %d bytes",
				ErrBodyRange, e.Name, e.Offset, uint64(e.Offset)+uint64(e.Length), len(m.Bodies))
		}
	}
	return m, nil
}

func decodeExport(r *reader) (Export, error) {
	var e Export
	var err error
	if e.Name, err = r.string("export name"); err != nil {
		return e, err
	}
	n, err := r.count(2, "attribute count")
	if err != nil {
		return e, err
	}
	e.Attrs = make([]Attr, n)
	for i := range e.Attrs {
		if e.Attrs[i].Key, err = r.string("attribute key"); err != nil {
			return e, err
		}
		if e.Attrs[i].Value, err = r.string("attribute value"); err != nil {
			return e, err
		}
	}
	if e.Offset, err = r.varint("body offset"); err != nil {
		return e, err
	}
	if e.Length, err = r.varint("body length"); err != nil {
		return e, err
	}
	return e, nil
}

// Encode writes m. A zero Version is written as the current version.
func Encode(m *Module) []byte {
	v := m.Version
	if v == (Version{}) {
		v = Version{CurrentMajor, CurrentMinor}
	}

	w := &writer{buf: make([]byte, 0, 64+len(m.Bodies))}
	w.buf = append(w.buf, Magic...)
	w.u16(v.Major)
	w.u16(v.Minor)
	w.string(m.Name)

	w.varint(uint32(len(m.Imports)))
	for _, imp := range m.Imports {
		w.string(imp)
	}

	w.varint(uint32(len(m.Exports)))
	for _, e := range m.Exports {
		w.string(e.Name)
		w.varint(uint32(len(e.Attrs)))
		for _, a := range e.Attrs {
			w.string(a.Key)
			w.string(a.Value)
		}
		w.varint(e.Offset)
		w.varint(e.Length)
	}

	w.bytes(m.Bodies)
	return w.buf
}
