// Package irqchip emulates the legacy PC interrupt chipset: a cascaded
// pair of 8259A programmable interrupt controllers with their ELCR
// trigger-mode registers, plus the thin PCI configuration-space
// helpers that accompany them on real chipsets. The package exposes
// sixteen interrupt line handles to device models, a single ready line
// toward the CPU, and the guest-facing I/O port surface.
package irqchip

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irqchip/internal/chipset"
	amd64chipset "github.com/tinyrange/irqchip/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqchip/internal/devices/amd64/pci"
	"github.com/tinyrange/irqchip/internal/hv"
)

// NumLines is the number of inbound interrupt lines the subsystem
// publishes: eight per controller.
const NumLines = 16

// Config selects the I/O decode and optional companions of a
// Subsystem. The zero value normalizes to the legacy PC layout.
type Config struct {
	Version int `yaml:"version"`

	PrimaryCommandPort   uint16 `yaml:"primaryCommandPort,omitempty"`
	SecondaryCommandPort uint16 `yaml:"secondaryCommandPort,omitempty"`
	PrimaryELCRPort      uint16 `yaml:"primaryELCRPort,omitempty"`
	SecondaryELCRPort    uint16 `yaml:"secondaryELCRPort,omitempty"`

	PCI PCIConfig `yaml:"pci,omitempty"`
}

// PCIConfig enables the configuration-space helpers.
type PCIConfig struct {
	HostBridge bool `yaml:"hostBridge,omitempty"`
	Bridge     bool `yaml:"bridge,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.PrimaryCommandPort == 0 {
		c.PrimaryCommandPort = 0x20
	}
	if c.SecondaryCommandPort == 0 {
		c.SecondaryCommandPort = 0xa0
	}
	if c.PrimaryELCRPort == 0 {
		c.PrimaryELCRPort = 0x4d0
	}
	if c.SecondaryELCRPort == 0 {
		c.SecondaryELCRPort = 0x4d1
	}
}

// DefaultConfig returns the legacy PC configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if cfg.Version != 1 {
		return Config{}, fmt.Errorf("%s: unsupported config version %d", path, cfg.Version)
	}
	return cfg, nil
}

// Subsystem is an assembled interrupt chipset: the PIC pair, its line
// bank, the port dispatch tables and any configured PCI helpers. It
// also acts as the virtual machine the devices attach to.
type Subsystem struct {
	cfg Config

	pic        *amd64chipset.DualPIC
	lines      *chipset.LineSet
	cs         *chipset.Chipset
	hostBridge *pci.HostBridge
	bridge     *pci.Bridge

	devices []hv.Device
}

// New assembles a Subsystem from cfg.
func New(cfg Config) (*Subsystem, error) {
	cfg.normalize()
	if cfg.Version != 1 {
		return nil, fmt.Errorf("irqchip: unsupported config version %d", cfg.Version)
	}

	s := &Subsystem{cfg: cfg}

	s.pic = amd64chipset.NewDualPICWithLayout(amd64chipset.PortLayout{
		CommandPorts: [2]uint16{cfg.PrimaryCommandPort, cfg.SecondaryCommandPort},
		ELCRPorts:    [2]uint16{cfg.PrimaryELCRPort, cfg.SecondaryELCRPort},
	})
	s.lines = chipset.NewLineSet(s.pic)
	s.pic.SetEOINotify(s.lines.BroadcastEOI)

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("pic", portDevice{io: s.pic, lifecycle: s.pic}); err != nil {
		return nil, err
	}
	for line := 0; line < NumLines; line++ {
		if err := builder.WithInterruptLine(uint8(line), s.pic); err != nil {
			return nil, err
		}
	}
	if err := s.AddDevice(s.pic); err != nil {
		return nil, err
	}

	if cfg.PCI.HostBridge || cfg.PCI.Bridge {
		s.hostBridge = pci.NewHostBridge()
		if cfg.PCI.Bridge {
			s.bridge = pci.NewBridge(0x8086, 0x244e, nil)
			if err := s.hostBridge.AddBridge(pci.Location{Device: 1}, s.bridge); err != nil {
				return nil, err
			}
		}
		if err := builder.RegisterDevice("pci-host", portDevice{io: s.hostBridge}); err != nil {
			return nil, err
		}
		if err := s.AddDevice(s.hostBridge); err != nil {
			return nil, err
		}
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, err
	}
	s.cs = cs
	return s, nil
}

// AddDevice implements hv.VirtualMachine: the device is initialized
// against this subsystem.
func (s *Subsystem) AddDevice(dev hv.Device) error {
	if err := dev.Init(s); err != nil {
		return fmt.Errorf("irqchip: init device %T: %w", dev, err)
	}
	s.devices = append(s.devices, dev)
	slog.Debug("irqchip: attached device", "device", fmt.Sprintf("%T", dev))
	return nil
}

// SetIRQ implements hv.VirtualMachine: line changes feed the PIC pair
// through the chipset's interrupt dispatch table.
func (s *Subsystem) SetIRQ(irqLine uint32, level bool) error {
	if irqLine >= NumLines {
		return fmt.Errorf("irqchip: line %d out of range", irqLine)
	}
	return s.cs.SetIRQ(uint8(irqLine), level)
}

// Line returns the inbound handle for one of the sixteen lines.
// Device models keep the handle and call SetLevel on it.
func (s *Subsystem) Line(i uint8) chipset.LineInterrupt {
	return s.lines.AllocateLine(i)
}

// Lines returns all sixteen inbound line handles.
func (s *Subsystem) Lines() [NumLines]chipset.LineInterrupt {
	var out [NumLines]chipset.LineInterrupt
	for i := range out {
		out[i] = s.lines.AllocateLine(uint8(i))
	}
	return out
}

// LineSet exposes the line bank, e.g. for EOI callback registration.
func (s *Subsystem) LineSet() *chipset.LineSet { return s.lines }

// SetReadyLine attaches the CPU-bound INT output wire.
func (s *Subsystem) SetReadyLine(line chipset.LineInterrupt) {
	s.pic.SetReadyLine(line)
}

// HandlePIO routes one guest I/O port access.
func (s *Subsystem) HandlePIO(port uint16, data []byte, isWrite bool) error {
	return s.cs.HandlePIO(port, data, isWrite)
}

// Acknowledge runs an interrupt acknowledge cycle and returns the
// vector to deliver, if any interrupt was pending.
func (s *Subsystem) Acknowledge() (bool, uint8) {
	return s.pic.Acknowledge()
}

// AcknowledgeRead is the memory-mapped acknowledge variant, returning
// a flat line index 0..15.
func (s *Subsystem) AcknowledgeRead() uint8 {
	return s.pic.AcknowledgeRead()
}

// Reset cold-resets every registered device.
func (s *Subsystem) Reset() error {
	if s.bridge != nil {
		s.bridge.Reset()
	}
	return s.cs.Reset()
}

// Info writes the controller diagnostic lines.
func (s *Subsystem) Info(w io.Writer) error { return s.pic.Info(w) }

// IRQInfo writes the per-line assertion counters.
func (s *Subsystem) IRQInfo(w io.Writer) error { return s.pic.IRQInfo(w) }

// PIC exposes the controller pair.
func (s *Subsystem) PIC() *amd64chipset.DualPIC { return s.pic }

// Bridge exposes the PCI-to-PCI bridge when configured.
func (s *Subsystem) Bridge() *pci.Bridge { return s.bridge }

// CaptureSnapshot implements hv.DeviceSnapshotter for the PIC state.
func (s *Subsystem) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	return s.pic.CaptureSnapshot()
}

// RestoreSnapshot restores PIC state captured by CaptureSnapshot.
func (s *Subsystem) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	return s.pic.RestoreSnapshot(snap)
}

var _ hv.VirtualMachine = (*Subsystem)(nil)

// portDevice adapts an I/O port device (plus optional lifecycle) to
// the chipset registration interface.
type portDevice struct {
	io        hv.X86IOPortDevice
	lifecycle chipset.ChangeDeviceState
}

func (d portDevice) Init(vm hv.VirtualMachine) error { return d.io.Init(vm) }

func (d portDevice) Start() error {
	if d.lifecycle != nil {
		return d.lifecycle.Start()
	}
	return nil
}

func (d portDevice) Stop() error {
	if d.lifecycle != nil {
		return d.lifecycle.Stop()
	}
	return nil
}

func (d portDevice) Reset() error {
	if d.lifecycle != nil {
		return d.lifecycle.Reset()
	}
	return nil
}

func (d portDevice) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: d.io.IOPorts(), Handler: d.io}
}

var _ chipset.ChipsetDevice = portDevice{}
