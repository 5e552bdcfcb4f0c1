package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/irqchip/internal/hv"
)

// HostBridge implements a minimal PCI host bridge that services legacy
// configuration space accesses through ports 0xCF8-0xCFF. Only
// registered locations respond; reads to other devices return 0xFF and
// writes are ignored. This is sufficient for a guest to probe PCI
// early in boot without triple faulting.
type HostBridge struct {
	vm      hv.VirtualMachine
	address uint32

	devices map[Location]*ConfigSpace
}

// Location identifies a function in configuration space.
type Location struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// ConfigSpace is one function's 256-byte configuration header plus its
// write policy: read-only offsets and an optional post-write hook.
type ConfigSpace struct {
	bytes    []byte
	readOnly map[uint32]struct{}
	onWrite  func(offset uint32)
}

func newConfigSpace() *ConfigSpace {
	return &ConfigSpace{
		bytes:    make([]byte, 256),
		readOnly: make(map[uint32]struct{}),
	}
}

func (c *ConfigSpace) setReadOnlyRange(start, end uint32) {
	for offset := start; offset <= end; offset++ {
		c.readOnly[offset] = struct{}{}
	}
}

func (c *ConfigSpace) word(offset uint32) uint16 {
	return binary.LittleEndian.Uint16(c.bytes[offset:])
}

func (c *ConfigSpace) long(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(c.bytes[offset:])
}

func (c *ConfigSpace) setWord(offset uint32, value uint16) {
	binary.LittleEndian.PutUint16(c.bytes[offset:], value)
}

func (c *ConfigSpace) setLong(offset uint32, value uint32) {
	binary.LittleEndian.PutUint32(c.bytes[offset:], value)
}

const (
	pciConfigAddressPort = 0x0cf8
	pciConfigDataPort    = 0x0cfc
)

func NewHostBridge() *HostBridge {
	hb := &HostBridge{
		devices: make(map[Location]*ConfigSpace),
	}

	// PCI host bridge (bus 0, device 0, function 0)
	host := newConfigSpace()
	binary.LittleEndian.PutUint16(host.bytes[0x00:], 0x8086) // Vendor ID
	binary.LittleEndian.PutUint16(host.bytes[0x02:], 0x1237) // Device ID (82441FX)
	host.bytes[0x08] = 0x02                                  // Revision
	host.bytes[0x09] = 0x00                                  // Prog IF
	host.bytes[0x0A] = 0x00                                  // Subclass: host bridge
	host.bytes[0x0B] = 0x06                                  // Class: bridge
	host.bytes[0x0E] = 0x00                                  // Header type
	host.setReadOnlyRange(0x00, 0x03)
	host.setReadOnlyRange(0x08, 0x0B)
	host.setReadOnlyRange(0x0E, 0x0E)
	hb.devices[Location{}] = host

	return hb
}

// AddBridge registers a PCI-to-PCI bridge function at the given location.
func (hb *HostBridge) AddBridge(loc Location, br *Bridge) error {
	if _, exists := hb.devices[loc]; exists {
		return fmt.Errorf("pci: location %02x:%02x.%d already populated", loc.Bus, loc.Device, loc.Function)
	}
	hb.devices[loc] = br.config
	return nil
}

// Init implements hv.Device.
func (hb *HostBridge) Init(vm hv.VirtualMachine) error {
	hb.vm = vm
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (hb *HostBridge) IOPorts() []uint16 {
	return []uint16{
		0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
		0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
	}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			data[i] = byte(hb.address >> shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			data[i] = hb.readConfigByte(uint16(cur - pciConfigDataPort))
		default:
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x", cur)
		}
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) WriteIOPort(port uint16, data []byte) error {
	for i, b := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			mask := uint32(0xFF) << shift
			hb.address = (hb.address &^ mask) | (uint32(b) << shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			hb.writeConfigByte(uint16(cur-pciConfigDataPort), b)
		default:
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x", cur)
		}
	}
	return nil
}

func (hb *HostBridge) readConfigByte(offset uint16) byte {
	cfg, reg, ok := hb.configTarget(offset)
	if !ok || reg >= uint32(len(cfg.bytes)) {
		return 0xFF
	}
	return cfg.bytes[reg]
}

func (hb *HostBridge) writeConfigByte(offset uint16, value byte) {
	cfg, reg, ok := hb.configTarget(offset)
	if !ok || reg >= uint32(len(cfg.bytes)) {
		return
	}
	if _, ro := cfg.readOnly[reg]; ro {
		return
	}
	cfg.bytes[reg] = value
	if cfg.onWrite != nil {
		cfg.onWrite(reg)
	}
}

func (hb *HostBridge) configTarget(offset uint16) (*ConfigSpace, uint32, bool) {
	if hb.address&(1<<31) == 0 {
		return nil, 0, false
	}

	loc := Location{
		Bus:      uint8((hb.address >> 16) & 0xFF),
		Device:   uint8((hb.address >> 11) & 0x1F),
		Function: uint8((hb.address >> 8) & 0x7),
	}
	cfg, ok := hb.devices[loc]
	if !ok {
		return nil, 0, false
	}

	reg := (hb.address & 0xFC) + uint32(offset)
	return cfg, reg, true
}

var (
	_ hv.Device          = (*HostBridge)(nil)
	_ hv.X86IOPortDevice = (*HostBridge)(nil)
)
