//go:build linux

package uring

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Version is the running kernel version. Several ring features are gated
// on it before the capability probe can answer, see Params.Validate.
type Version struct {
	Major    int
	Minor    int
	Patch    int
	Flavor   string
	validate bool
}

func (v Version) Validate() bool {
	return v.validate
}

func (v Version) Invalidate() bool {
	return !v.validate
}

func (v Version) Compare(o Version) int {
	if v.Major > o.Major {
		return 1
	} else if v.Major < o.Major {
		return -1
	}
	if v.Minor > o.Minor {
		return 1
	} else if v.Minor < o.Minor {
		return -1
	}
	if v.Patch > o.Patch {
		return 1
	} else if v.Patch < o.Patch {
		return -1
	}
	return 0
}

func (v Version) GTE(major, minor, patch int) bool {
	return v.Compare(Version{Major: major, Minor: minor, Patch: patch}) >= 0
}

func (v Version) LT(major, minor, patch int) bool {
	return v.Compare(Version{Major: major, Minor: minor, Patch: patch}) < 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Flavor)
}

// VersionEnable reports whether the running kernel is at least the given
// version. Callers use it to skip operations the kernel cannot host.
func VersionEnable(major, minor, patch int) bool {
	v := GetVersion()
	if v.Invalidate() {
		return false
	}
	target := Version{
		Major:    major,
		Minor:    minor,
		Patch:    patch,
		validate: true,
	}
	return v.Compare(target) >= 0
}

func GetVersion() Version {
	kernelVersionOnce.Do(func() {
		uts := &unix.Utsname{}
		if err := unix.Uname(uts); err != nil {
			kernelVersion.validate = false
			return
		}
		release := string(uts.Release[:bytes.IndexByte(uts.Release[:], 0)])
		major, minor, patch, flavor, parseErr := parseKernelVersion(release)
		kernelVersion.Major = major
		kernelVersion.Minor = minor
		kernelVersion.Patch = patch
		kernelVersion.Flavor = flavor
		kernelVersion.validate = parseErr == nil
	})
	return kernelVersion
}

var (
	kernelVersion     = Version{}
	kernelVersionOnce = sync.Once{}
)

func parseKernelVersion(release string) (major int, minor int, patch int, flavor string, err error) {
	var (
		parsed  int
		partial string
	)
	parsed, _ = fmt.Sscanf(release, "%d.%d%s", &major, &minor, &partial)
	if parsed < 2 {
		err = fmt.Errorf("cannot parse kernel version: %s", release)
		return
	}
	parsed, _ = fmt.Sscanf(partial, ".%d%s", &patch, &flavor)
	if parsed < 1 {
		flavor = partial
	}
	return
}
