package pmu

import (
	"embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

//go:embed resources
var resources embed.FS

// catalogFile is the YAML shape of the default table and any override file.
type catalogFile struct {
	Cpus []struct {
		CoreName     string `yaml:"core_name"`
		ID           string `yaml:"id"`
		CounterSet   string `yaml:"counter_set"`
		DtName       string `yaml:"dt_name"`
		SpeName      string `yaml:"spe_name"`
		CpuIDs       []int  `yaml:"cpu_ids"`
		PmncCounters int    `yaml:"pmnc_counters"`
		V8           bool   `yaml:"v8"`
	} `yaml:"cpus"`
	Uncores []struct {
		CoreName         string `yaml:"core_name"`
		ID               string `yaml:"id"`
		CounterSet       string `yaml:"counter_set"`
		PmncCounters     int    `yaml:"pmnc_counters"`
		HasCyclesCounter bool   `yaml:"has_cycles_counter"`
	} `yaml:"uncores"`
}

// Catalog maps CPU-IDs and PMU names to descriptors. Read-only once Load
// returns.
type Catalog struct {
	Cpus    []GatorCpu
	Uncores []UncorePmu
}

// Load reads the embedded default table and, when overridePath is not
// empty, merges the override file on top: entries whose id matches a
// default replace it, new entries append.
func Load(overridePath string) (*Catalog, error) {
	data, err := resources.ReadFile("resources/pmus.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read default pmu table: %v", err)
	}

	c := &Catalog{}
	if err := c.merge(data); err != nil {
		return nil, fmt.Errorf("bad default pmu table: %v", err)
	}

	if overridePath != "" {
		override, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read pmu override %s: %v", overridePath, err)
		}
		if err := c.merge(override); err != nil {
			return nil, fmt.Errorf("bad pmu override %s: %v", overridePath, err)
		}
	}

	sort.Slice(c.Cpus, func(i, j int) bool { return c.Cpus[i].Less(&c.Cpus[j]) })
	sort.Slice(c.Uncores, func(i, j int) bool { return c.Uncores[i].ID < c.Uncores[j].ID })
	return c, nil
}

func (c *Catalog) merge(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	for _, entry := range file.Cpus {
		if entry.ID == "" || len(entry.CpuIDs) == 0 {
			return fmt.Errorf("cpu entry %q needs an id and at least one cpu_id", entry.CoreName)
		}
		cpu := NewGatorCpu(entry.CoreName, entry.ID, entry.CounterSet, entry.DtName, entry.SpeName,
			entry.CpuIDs, entry.PmncCounters, entry.V8)
		if existing := c.findCpuIndex(entry.ID); existing >= 0 {
			c.Cpus[existing] = *cpu
		} else {
			c.Cpus = append(c.Cpus, *cpu)
		}
	}

	for _, entry := range file.Uncores {
		if entry.ID == "" {
			return fmt.Errorf("uncore entry %q needs an id", entry.CoreName)
		}
		uncore := UncorePmu{
			CoreName:         entry.CoreName,
			ID:               entry.ID,
			CounterSet:       entry.CounterSet,
			PmncCounters:     entry.PmncCounters,
			HasCyclesCounter: entry.HasCyclesCounter,
		}
		if existing := c.findUncoreIndex(entry.ID); existing >= 0 {
			c.Uncores[existing] = uncore
		} else {
			c.Uncores = append(c.Uncores, uncore)
		}
	}

	return nil
}

func (c *Catalog) findCpuIndex(id string) int {
	for i := range c.Cpus {
		if c.Cpus[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Catalog) findUncoreIndex(id string) int {
	for i := range c.Uncores {
		if c.Uncores[i].ID == id {
			return i
		}
	}
	return -1
}

// FindCpuByName looks a CPU descriptor up by its identifier or core name.
// Returns nil when unknown.
func (c *Catalog) FindCpuByName(name string) *GatorCpu {
	for i := range c.Cpus {
		if c.Cpus[i].ID == name || c.Cpus[i].CoreName == name {
			return &c.Cpus[i]
		}
	}
	return nil
}

// FindCpuByID looks a CPU descriptor up by a numeric cpu-id code.
// Returns nil when unknown.
func (c *Catalog) FindCpuByID(cpuID int) *GatorCpu {
	for i := range c.Cpus {
		if c.Cpus[i].HasCpuID(cpuID) {
			return &c.Cpus[i]
		}
	}
	return nil
}

// FindUncoreByName looks an uncore descriptor up by its identifier or core
// name. Returns nil when unknown.
func (c *Catalog) FindUncoreByName(name string) *UncorePmu {
	for i := range c.Uncores {
		if c.Uncores[i].ID == name || c.Uncores[i].CoreName == name {
			return &c.Uncores[i]
		}
	}
	return nil
}
