package cpuid

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Sentinels for properties that could not be read.
const (
	InvalidMidr      = ^uint64(0)
	InvalidPackageID = -1
)

// Properties holds what one identification pass learned about a core.
type Properties struct {
	MidrEl1           uint64
	PhysicalPackageID int
	CoreSiblings      mapset.Set[int]
}

// DetectFor reads the identification registers and topology for one core
// from sysfs. An offline core yields the invalid sentinels.
func DetectFor(cpu int) Properties {
	p := Properties{
		MidrEl1:           InvalidMidr,
		PhysicalPackageID: InvalidPackageID,
		CoreSiblings:      mapset.NewSet[int](),
	}

	if midr, err := readHexFile(fmt.Sprintf("%s/cpu%d/regs/identification/midr_el1", sysCpuDir, cpu)); err == nil {
		p.MidrEl1 = midr
	} else {
		debugf("cpu %d: no midr_el1: %v", cpu, err)
	}

	if pkg, err := readIntFile(fmt.Sprintf("%s/cpu%d/topology/physical_package_id", sysCpuDir, cpu)); err == nil {
		p.PhysicalPackageID = pkg
	} else {
		debugf("cpu %d: no physical_package_id: %v", cpu, err)
	}

	if data, err := os.ReadFile(fmt.Sprintf("%s/cpu%d/topology/core_siblings_list", sysCpuDir, cpu)); err == nil {
		if siblings, err := ParseCpuList(strings.TrimSpace(string(data))); err == nil {
			p.CoreSiblings = siblings
		} else {
			debugf("cpu %d: bad core_siblings_list: %v", cpu, err)
		}
	}

	return p
}

func readHexFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 0, 64)
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// ParseCpuList parses the sysfs cpu list format, e.g. "0-3,8,10-11".
func ParseCpuList(list string) (mapset.Set[int], error) {
	cpus := mapset.NewSet[int]()
	if list == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(list, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			first, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("bad cpu range %q: %v", part, err)
			}
			last, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("bad cpu range %q: %v", part, err)
			}
			for cpu := first; cpu <= last; cpu++ {
				cpus.Add(cpu)
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad cpu %q: %v", part, err)
			}
			cpus.Add(cpu)
		}
	}
	return cpus, nil
}
