package cpuid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	hardwarePrefix       = "Hardware"
	cpuImplementerPrefix = "CPU implementer"
	cpuPartPrefix        = "CPU part"
	processorPrefix      = "processor"
)

func setImplementer(cpuID *int, implementer int) {
	if *cpuID == UnknownCpuID {
		*cpuID = 0
	}
	*cpuID |= implementer << 12
}

func setPart(cpuID *int, part int) {
	if *cpuID == UnknownCpuID {
		*cpuID = 0
	}
	*cpuID |= part
}

// parseProcCpuInfoFile opens /proc/cpuinfo and runs the parser over it.
func parseProcCpuInfoFile(justGetHardwareName bool, cpuIDs []int) string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		debugf("Error opening /proc/cpuinfo; the core name will be 'unknown'")
		return ""
	}
	defer f.Close()
	return parseProcCpuInfo(f, justGetHardwareName, cpuIDs)
}

// parseProcCpuInfo fills unresolved cpuIDs slots from the Hardware,
// CPU implementer, CPU part and processor fields. A section holding more
// than one processor line is invalid and ignored. When implementer/part
// appeared outside any processor section, they are broadcast to the
// [minProcessor, maxProcessor] range afterwards, but only to slots that are
// still unset; if no processor line was seen at all the broadcast is
// skipped entirely.
func parseProcCpuInfo(r io.Reader, justGetHardwareName bool, cpuIDs []int) string {
	hardwareName := ""
	foundCoreName := false

	const unknownProcessor = -1
	processor := unknownProcessor
	minProcessor := len(cpuIDs)
	maxProcessor := 0
	foundProcessorInSection := false
	outOfPlaceCpuID := UnknownCpuID
	invalidFormat := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		debugf("cpuinfo: %s", line)

		if len(line) == 0 {
			// new section, clear the processor so that a pre Linux 3.8
			// format of cpuinfo transmits no incorrect information
			processor = unknownProcessor
			foundProcessorInSection = false
			continue
		}

		foundHardware := !foundCoreName && strings.HasPrefix(line, hardwarePrefix)
		foundImplementer := strings.HasPrefix(line, cpuImplementerPrefix)
		foundPart := strings.HasPrefix(line, cpuPartPrefix)
		foundProcessor := strings.HasPrefix(line, processorPrefix)
		if !foundHardware && !foundImplementer && !foundPart && !foundProcessor {
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 || colon+2 >= len(line) {
			debugf("Unknown format of /proc/cpuinfo; the core name will be 'unknown'")
			return hardwareName
		}
		value := line[colon+2:]

		if foundHardware {
			hardwareName = value
			if justGetHardwareName {
				return hardwareName
			}
			foundCoreName = true
		}

		if foundImplementer {
			if implementer, err := strconv.ParseInt(value, 0, 32); err != nil {
				// unparseable, skip
			} else if processor != unknownProcessor {
				setImplementer(&cpuIDs[processor], int(implementer))
			} else {
				setImplementer(&outOfPlaceCpuID, int(implementer))
				invalidFormat = true
			}
		}

		if foundPart {
			if part, err := strconv.ParseInt(value, 0, 32); err != nil {
				// unparseable, skip
			} else if processor != unknownProcessor {
				setPart(&cpuIDs[processor], int(part))
			} else {
				setPart(&outOfPlaceCpuID, int(part))
				invalidFormat = true
			}
		}

		if foundProcessor {
			processorID, err := strconv.ParseInt(value, 0, 32)
			converted := err == nil

			if converted {
				if int(processorID) < minProcessor {
					minProcessor = int(processorID)
				}
				if int(processorID) > maxProcessor {
					maxProcessor = int(processorID)
				}
			}

			if foundProcessorInSection {
				// a second processor line in this section, ignore them all
				processor = unknownProcessor
				invalidFormat = true
			} else if converted {
				processor = int(processorID)
				if processor >= len(cpuIDs) {
					fatalf("Found processor %d but max is %d", processor, len(cpuIDs))
					return hardwareName
				}
				foundProcessorInSection = true
			}
		}
	}

	if invalidFormat && outOfPlaceCpuID != UnknownCpuID && minProcessor <= maxProcessor {
		end := len(cpuIDs)
		if maxProcessor < len(cpuIDs) {
			end = maxProcessor + 1
		}
		for p := minProcessor; p < end; p++ {
			if cpuIDs[p] == UnknownCpuID {
				debugf("Setting global CPUID 0x%x for processor %d", outOfPlaceCpuID, p)
				cpuIDs[p] = outOfPlaceCpuID
			}
		}
	}

	if !foundCoreName {
		debugf("Could not determine core name from /proc/cpuinfo; the core name will be 'unknown'")
	}

	return hardwareName
}
