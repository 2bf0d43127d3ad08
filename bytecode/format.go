// Package bytecode reads and writes the vmrt module container.
//
// A container is little-endian; varint means unsigned LEB128:
//
//	magic   "VMFB"
//	major   uint16
//	minor   uint16
//	name    string
//	imports varint n, n × string                 ("module.function")
//	exports varint n, n × {name, attrs, offset, length}
//	bodies  varint length + bytes
//
// Strings are a varint length followed by UTF-8 bytes. Attributes are a
// varint count of key/value string pairs. Function bodies are decoded only
// when the function is invoked; see DecodeBody.
package bytecode

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Magic opens every container.
const Magic = "VMFB"

// Format version written by Encode.
const (
	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0
)

// SupportedVersions is the semver constraint a container version must
// satisfy. Only the version Encode writes is accepted.
const SupportedVersions = "~1.0"

var current = semver.New(uint64(CurrentMajor), uint64(CurrentMinor), 0, "", "")

var supportedConstraint *semver.Constraints

func init() {
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		panic(err)
	}
	supportedConstraint = c
}

// Version is a container format version.
type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Supported reports whether this runtime can load containers of version v.
func (v Version) Supported() bool {
	sv := semver.New(uint64(v.Major), uint64(v.Minor), 0, "", "")
	return supportedConstraint.Check(sv)
}

// Newer reports whether v is newer than the version Encode writes.
func (v Version) Newer() bool {
	return semver.New(uint64(v.Major), uint64(v.Minor), 0, "", "").GreaterThan(current)
}
