// Package buildinfo carries the kernel's identity and the host build's
// version stamps.
package buildinfo

import "fmt"

const (
	SystemName      = "codename TOE"
	SystemShortName = "TOE"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Commit is set at build time via -ldflags.
var Commit = "unknown"

// Date is set at build time via -ldflags.
var Date = "unknown"

// Short returns a compact build identifier for logging.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}

// KernelVersion packs major.minor.patch into one comparable word, with an
// optional release tag rendered after a hyphen.
type KernelVersion struct {
	packed  uint32
	release string
}

// Current is the running kernel's version.
var Current = NewKernelVersion(0, 0, 1, "")

func NewKernelVersion(major, minor, patch uint8, release string) KernelVersion {
	return KernelVersion{
		packed:  uint32(major)<<16 | uint32(minor)<<8 | uint32(patch),
		release: release,
	}
}

func (v KernelVersion) Major() uint8 { return uint8(v.packed >> 16) }

func (v KernelVersion) Minor() uint8 { return uint8(v.packed >> 8) }

func (v KernelVersion) Patch() uint8 { return uint8(v.packed) }

func (v KernelVersion) String() string {
	if v.release == "" {
		return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	}
	return fmt.Sprintf("%d.%d.%d-%s", v.Major(), v.Minor(), v.Patch(), v.release)
}
