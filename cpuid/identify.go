package cpuid

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// collectFunc gathers per-core properties; the returned function releases
// any resources (identification workers) held open for the pass.
type collectFunc func(n int) (map[int]Properties, func())

type cpuinfoFunc func(justGetHardwareName bool, cpuIDs []int) string

// collectDirect reads each core synchronously on the calling thread.
// Offline cores yield sentinels and are ignored downstream.
func collectDirect(n int) (map[int]Properties, func()) {
	collected := make(map[int]Properties, n)
	for cpu := 0; cpu < n; cpu++ {
		collected[cpu] = DetectFor(cpu)
	}
	return collected, func() {}
}

func identify(wantsHardwareName bool, cpuIDs []int, collect collectFunc, readCpuinfo cpuinfoFunc) string {
	collected, release := collect(len(cpuIDs))
	// the workers (and with them the onlined cores) are held until the
	// whole pass, including the cpuinfo read, is done
	defer release()

	cpuToCluster := make(map[int]int)
	clusterToCpuIds := make(map[int]mapset.Set[int])
	cpuToCpuIds := make(map[int]int)

	cpus := make([]int, 0, len(collected))
	for cpu := range collected {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)

	for _, cpu := range cpus {
		props := collected[cpu]
		cpuID := MakeCpuID(props.MidrEl1)

		// remember the cluster / core mappings so gaps can be filled by
		// assuming the same core type per cluster
		if props.PhysicalPackageID != InvalidPackageID {
			cpuToCluster[cpu] = props.PhysicalPackageID

			if props.MidrEl1 != InvalidMidr {
				set, ok := clusterToCpuIds[props.PhysicalPackageID]
				if !ok {
					set = mapset.NewSet[int]()
					clusterToCpuIds[props.PhysicalPackageID] = set
				}
				set.Add(cpuID)
			}

			if props.CoreSiblings != nil {
				for _, sibling := range props.CoreSiblings.ToSlice() {
					if _, known := cpuToCluster[sibling]; !known {
						cpuToCluster[sibling] = props.PhysicalPackageID
					}
				}
			}
		}

		if props.MidrEl1 != InvalidMidr {
			cpuToCpuIds[cpu] = cpuID
		}
	}

	for _, cpu := range cpus {
		if id, ok := cpuToCpuIds[cpu]; ok {
			debugf("Read CPU %d CPUID from MIDR_EL1 -> 0x%05x", cpu, id)
		}
		if cluster, ok := cpuToCluster[cpu]; ok {
			debugf("Read CPU %d CLUSTER %d", cpu, cluster)
		}
	}

	knowAllMidrValues := len(cpuToCpuIds) == len(cpuIDs)

	hardwareName := ""
	if wantsHardwareName || !knowAllMidrValues {
		hardwareName = readCpuinfo(knowAllMidrValues, cpuIDs)
	}

	// MIDR and topology information overrides anything read from cpuinfo
	updateFromTopology(cpuIDs, cpuToCpuIds, cpuToCluster, clusterToCpuIds)

	return hardwareName
}

// updateFromTopology writes the directly-read CPU-IDs into the slots, then
// fills any still-unknown slot whose cluster has exactly one known CPU-ID.
func updateFromTopology(cpuIDs []int, cpuToCpuIds map[int]int, cpuToCluster map[int]int, clusterToCpuIds map[int]mapset.Set[int]) {
	for cpu, id := range cpuToCpuIds {
		if cpu >= 0 && cpu < len(cpuIDs) {
			cpuIDs[cpu] = id
		}
	}

	for cpu := range cpuIDs {
		if cpuIDs[cpu] != UnknownCpuID {
			continue
		}
		cluster, ok := cpuToCluster[cpu]
		if !ok {
			continue
		}
		ids, ok := clusterToCpuIds[cluster]
		if !ok || ids.Cardinality() != 1 {
			continue
		}
		id := ids.ToSlice()[0]
		debugf("Adopting CPUID 0x%05x for CPU %d from cluster %d", id, cpu, cluster)
		cpuIDs[cpu] = id
	}
}
