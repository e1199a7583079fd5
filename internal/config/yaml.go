package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type yamlRange struct {
	Phys uint64 `yaml:"phys"`
	Size uint64 `yaml:"size"`
}

type yamlRegion struct {
	Phys  uint64   `yaml:"phys"`
	Virt  uint64   `yaml:"virt"`
	Size  uint64   `yaml:"size"`
	Flags []string `yaml:"flags"`
}

type yamlDevice struct {
	Domain uint16 `yaml:"domain"`
	Bus    uint8  `yaml:"bus"`
	Devfn  uint8  `yaml:"devfn"`
}

type yamlPortRange struct {
	Base  uint32 `yaml:"base"`
	Count uint32 `yaml:"count"`
}

type yamlCell struct {
	Name    string          `yaml:"name"`
	CPUs    []uint32        `yaml:"cpus"`
	Memory  []yamlRegion    `yaml:"memory"`
	Devices []yamlDevice    `yaml:"pci_devices"`
	Ports   []yamlPortRange `yaml:"ports"`
}

type yamlSystem struct {
	HypervisorMemory yamlRange `yaml:"hypervisor_memory"`
	ConfigMemory     yamlRange `yaml:"config_memory"`
	RootCell         yamlCell  `yaml:"root_cell"`
}

func (y *yamlCell) toCell() (*Cell, error) {
	c := &Cell{
		Name:      y.Name,
		PIOBitmap: TrapAllPIO(),
	}
	for _, id := range y.CPUs {
		c.CPUs.Set(id)
	}
	for i, m := range y.Memory {
		var flags MemFlags
		for _, f := range m.Flags {
			switch f {
			case "read":
				flags |= MemRead
			case "write":
				flags |= MemWrite
			case "execute":
				flags |= MemExecute
			case "dma":
				flags |= MemDMA
			default:
				return nil, fmt.Errorf("config: region %d of cell %q: unknown flag %q", i, y.Name, f)
			}
		}
		c.Regions = append(c.Regions, MemRegion{Phys: m.Phys, Virt: m.Virt, Size: m.Size, Flags: flags})
	}
	for _, d := range y.Devices {
		c.Devices = append(c.Devices, PCIDevice{Domain: d.Domain, Bus: d.Bus, Devfn: d.Devfn})
	}
	for _, p := range y.Ports {
		if p.Count == 0 {
			p.Count = 1
		}
		AllowPIORange(c.PIOBitmap, p.Base, p.Count)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseCellYAML compiles a YAML cell description into a validated
// descriptor.
func ParseCellYAML(b []byte) (*Cell, error) {
	var y yamlCell
	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, fmt.Errorf("config: parsing cell yaml: %w", err)
	}
	return y.toCell()
}

// ParseSystemYAML compiles a YAML system description into a validated
// descriptor.
func ParseSystemYAML(b []byte) (*System, error) {
	var y yamlSystem
	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, fmt.Errorf("config: parsing system yaml: %w", err)
	}
	root, err := y.RootCell.toCell()
	if err != nil {
		return nil, err
	}
	s := &System{
		HypervisorMem: MemRange{Phys: y.HypervisorMemory.Phys, Size: y.HypervisorMemory.Size},
		ConfigMem:     MemRange{Phys: y.ConfigMemory.Phys, Size: y.ConfigMemory.Size},
		Root:          *root,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
