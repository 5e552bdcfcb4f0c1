package chipset

import (
	"fmt"
	"sync"

	"github.com/tinyrange/irqchip/internal/hv"
)

const (
	primaryPicCommandPort   uint16 = 0x20
	primaryPicDataPort      uint16 = 0x21
	secondaryPicCommandPort uint16 = 0xa0
	secondaryPicDataPort    uint16 = 0xa1
	primaryPicELCRPort      uint16 = 0x4d0
	secondaryPicELCRPort    uint16 = 0x4d1

	picChainCommunicationIRQ = 2
	picIRQMask               = 0x7
	picSpuriousIRQ           = 7

	// Lines that are mandatorily edge triggered in the PC architecture
	// (timer, keyboard, cascade, RTC, FPU) read back as 0 in the ELCR.
	primaryELCRMask   uint8 = 0xf8
	secondaryELCRMask uint8 = 0xde

	indexPrimary   = 0
	indexSecondary = 1
)

// PortLayout fixes the I/O decode for a DualPIC. The zero value is not
// usable; call DefaultPortLayout for the legacy PC addresses.
type PortLayout struct {
	CommandPorts [2]uint16
	ELCRPorts    [2]uint16
}

// DefaultPortLayout returns the legacy PC port assignment.
func DefaultPortLayout() PortLayout {
	return PortLayout{
		CommandPorts: [2]uint16{primaryPicCommandPort, secondaryPicCommandPort},
		ELCRPorts:    [2]uint16{primaryPicELCRPort, secondaryPicELCRPort},
	}
}

// DualPIC implements the classic pair of cascaded 8259A controllers
// plus their ELCR trigger-mode registers. The secondary controller's
// INT output is wired to line 2 of the primary; the primary's INT
// output drives the ready line handed to SetReadyLine.
type DualPIC struct {
	mu    sync.Mutex
	ready LineInterrupt

	vm hv.VirtualMachine

	layout PortLayout
	pics   [2]*pic

	ackHook AcknowledgeHook
	lineObs LineObserver

	// eoiNotify is invoked, outside the lock, with the flat line index
	// of every in-service bit the guest releases through OCW2.
	eoiNotify  func(line uint8)
	pendingEOI []uint8

	irqLevel [16]bool
	irqCount [16]uint64
}

func NewDualPIC() *DualPIC {
	return NewDualPICWithLayout(DefaultPortLayout())
}

func NewDualPICWithLayout(layout PortLayout) *DualPIC {
	p := &DualPIC{
		ready:  LineInterruptDetached(),
		layout: layout,
	}
	p.pics[indexPrimary] = newPic(p, indexPrimary, primaryELCRMask)
	p.pics[indexSecondary] = newPic(p, indexSecondary, secondaryELCRMask)
	return p
}

func (p *DualPIC) SetReadySink(sink readySink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sink == nil {
		p.ready = LineInterruptDetached()
	} else {
		p.ready = LineInterruptFromFunc(sink.SetLevel)
	}
	p.pics[indexPrimary].updateIRQ()
}

// SetReadyLine sets the interrupt line used for INT output.
func (p *DualPIC) SetReadyLine(line LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		p.ready = LineInterruptDetached()
	} else {
		p.ready = line
	}
	p.pics[indexPrimary].updateIRQ()
}

// SetAcknowledgeHook installs a hook invoked when an interrupt is acknowledged.
func (p *DualPIC) SetAcknowledgeHook(hook AcknowledgeHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ackHook = hook
}

// SetLineObserver installs an observer notified on input line transitions.
func (p *DualPIC) SetLineObserver(obs LineObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lineObs = obs
}

// SetEOINotify installs a callback receiving the flat line index of
// every in-service bit released through OCW2. It runs after the port
// write completes, outside the controller lock.
func (p *DualPIC) SetEOINotify(fn func(line uint8)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eoiNotify = fn
}

func (p *DualPIC) Init(vm hv.VirtualMachine) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vm = vm
	return nil
}

func (p *DualPIC) IOPorts() []uint16 {
	return []uint16{
		p.layout.CommandPorts[indexPrimary],
		p.layout.CommandPorts[indexPrimary] + 1,
		p.layout.CommandPorts[indexSecondary],
		p.layout.CommandPorts[indexSecondary] + 1,
		p.layout.ELCRPorts[indexPrimary],
		p.layout.ELCRPorts[indexSecondary],
	}
}

func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case p.layout.CommandPorts[indexPrimary]:
		data[0] = p.pics[indexPrimary].read(0)
	case p.layout.CommandPorts[indexPrimary] + 1:
		data[0] = p.pics[indexPrimary].read(1)
	case p.layout.CommandPorts[indexSecondary]:
		data[0] = p.pics[indexSecondary].read(0)
	case p.layout.CommandPorts[indexSecondary] + 1:
		data[0] = p.pics[indexSecondary].read(1)
	case p.layout.ELCRPorts[indexPrimary]:
		data[0] = p.pics[indexPrimary].elcr
	case p.layout.ELCRPorts[indexSecondary]:
		data[0] = p.pics[indexSecondary].elcr
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	return nil
}

func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}

	p.mu.Lock()
	var err error
	switch port {
	case p.layout.CommandPorts[indexPrimary]:
		err = p.pics[indexPrimary].writeCommand(data[0])
	case p.layout.CommandPorts[indexPrimary] + 1:
		p.pics[indexPrimary].writeData(data[0])
	case p.layout.CommandPorts[indexSecondary]:
		err = p.pics[indexSecondary].writeCommand(data[0])
	case p.layout.CommandPorts[indexSecondary] + 1:
		p.pics[indexSecondary].writeData(data[0])
	case p.layout.ELCRPorts[indexPrimary]:
		p.pics[indexPrimary].elcr = data[0] & p.pics[indexPrimary].elcrMask
	case p.layout.ELCRPorts[indexSecondary]:
		p.pics[indexSecondary].elcr = data[0] & p.pics[indexSecondary].elcrMask
	default:
		err = fmt.Errorf("pic: invalid write port 0x%04x", port)
	}
	released := p.pendingEOI
	p.pendingEOI = nil
	notify := p.eoiNotify
	p.mu.Unlock()

	if notify != nil {
		for _, line := range released {
			notify(line)
		}
	}
	return err
}

// SetIRQ changes the level of one of the sixteen input lines. Lines
// 0..7 address the primary controller, 8..15 the secondary.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	if line >= 16 {
		return
	}
	p.mu.Lock()
	changed := p.irqLevel[line] != level
	if changed {
		p.irqLevel[line] = level
		if level {
			p.irqCount[line]++
		}
	}
	p.pics[line>>3].setLine(int(line&picIRQMask), level)
	obs := p.lineObs
	p.mu.Unlock()

	if changed && obs != nil {
		obs.PICLineChanged(line, level)
	}
}

// Acknowledge runs an interrupt acknowledge cycle across the pair and
// returns the vector to deliver. When no interrupt is pending the
// primary controller's spurious vector (irq_base+7) is returned with
// requested == false. A spurious secondary acknowledge returns the
// secondary's irq_base+7 with requested == true, as the hardware does.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()

	var vec uint8
	irq := p.pics[indexPrimary].getIRQ()
	requested := irq >= 0
	if requested {
		if irq == picChainCommunicationIRQ {
			irq2 := p.pics[indexSecondary].getIRQ()
			if irq2 >= 0 {
				p.pics[indexSecondary].intack(irq2)
			} else {
				// Spurious IRQ on the secondary controller.
				irq2 = picSpuriousIRQ
			}
			vec = p.pics[indexSecondary].irqBase + uint8(irq2)
		} else {
			vec = p.pics[indexPrimary].irqBase + uint8(irq)
		}
		p.pics[indexPrimary].intack(irq)
	} else {
		// Spurious IRQ on the primary controller.
		vec = p.pics[indexPrimary].irqBase + picSpuriousIRQ
	}

	hook := p.ackHook
	p.mu.Unlock()

	if requested && hook != nil {
		hook.PICAcknowledge(vec)
	}
	return requested, vec
}

// AcknowledgeRead is the memory-mapped acknowledge used by platforms
// without an INTA cycle: a polled acknowledge on the primary, chained
// to the secondary when the cascade line wins. The returned value is a
// flat line index 0..15 (or 7 / 15 when spurious). Subsequent command
// port reads on the primary are primed to return the ISR.
func (p *DualPIC) AcknowledgeRead() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ret := p.pics[indexPrimary].pollRead()
	if ret == picChainCommunicationIRQ {
		ret = p.pics[indexSecondary].pollRead() + 8
	}
	p.pics[indexPrimary].readRegSelect = 1
	return ret
}

// Output reports the current level of the primary INT output.
func (p *DualPIC) Output() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pics[indexPrimary].getIRQ() >= 0
}

// Reset performs a cold reset: every register is cleared, including
// the ELCRs. Warm resets (ICW1) go through the port state machine and
// preserve the ELCRs.
func (p *DualPIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range []*pic{p.pics[indexSecondary], p.pics[indexPrimary]} {
		s.initReset()
		s.elcr = 0
	}
	p.irqLevel = [16]bool{}
	return nil
}

func (p *DualPIC) Start() error { return nil }
func (p *DualPIC) Stop() error  { return nil }

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%v, secondary=%v)", p.pics[indexPrimary], p.pics[indexSecondary])
}

var _ hv.X86IOPortDevice = (*DualPIC)(nil)
var _ hv.Device = (*DualPIC)(nil)

// pic models a single 8259A. Each unit reaches its peer through the
// owning DualPIC; the back-reference is lookup only, never ownership.
type pic struct {
	owner *DualPIC
	index int

	lastIRR                uint8 // edge detection shadow of the input levels
	irr                    uint8
	imr                    uint8
	isr                    uint8
	priorityAdd            uint8 // rotating priority base, 0..7
	irqBase                uint8
	readRegSelect          uint8
	poll                   uint8
	specialMask            uint8
	initState              initState
	autoEOI                uint8
	rotateOnAutoEOI        uint8
	specialFullyNestedMode uint8
	init4                  uint8
	singleMode             uint8
	elcr                   uint8
	elcrMask               uint8
}

func newPic(owner *DualPIC, index int, elcrMask uint8) *pic {
	return &pic{
		owner:    owner,
		index:    index,
		elcrMask: elcrMask,
	}
}

// initReset is the warm reset triggered by ICW1: everything except the
// ELCR and its writable-bit mask is cleared.
func (p *pic) initReset() {
	p.lastIRR = 0
	p.irr = 0
	p.imr = 0
	p.isr = 0
	p.priorityAdd = 0
	p.irqBase = 0
	p.readRegSelect = 0
	p.poll = 0
	p.specialMask = 0
	p.initState = initIdle
	p.autoEOI = 0
	p.rotateOnAutoEOI = 0
	p.specialFullyNestedMode = 0
	p.init4 = 0
	p.singleMode = 0
	p.updateIRQ()
}

// priority returns the priority position (0 = highest) of the best set
// bit in mask, rotated by priorityAdd, or 8 if mask is empty.
func (p *pic) priority(mask uint8) int {
	if mask == 0 {
		return 8
	}
	pr := 0
	for mask&(1<<((pr+int(p.priorityAdd))&7)) == 0 {
		pr++
	}
	return pr
}

// getIRQ returns the line the unit wants acknowledged, or -1 if none.
func (p *pic) getIRQ() int {
	mask := p.irr &^ p.imr
	pr := p.priority(mask)
	if pr == 8 {
		return -1
	}
	// Compute the current in-service priority. In special mask mode the
	// masked in-service bits drop out of the comparison; in special
	// fully nested mode the primary ignores its own in-service cascade
	// line so the secondary can nest its higher-priority requests.
	cur := p.isr
	if p.specialMask != 0 {
		cur &^= p.imr
	}
	if p.specialFullyNestedMode != 0 && p.index == indexPrimary {
		cur &^= 1 << picChainCommunicationIRQ
	}
	if pr < p.priority(cur) {
		return (pr + int(p.priorityAdd)) & 7
	}
	return -1
}

// updateIRQ recomputes the unit's INT output. The primary drives the
// ready line toward the CPU; the secondary drives line 2 of the
// primary through the same input path devices use.
func (p *pic) updateIRQ() {
	pending := p.getIRQ() >= 0
	if p.index == indexPrimary {
		p.owner.ready.SetLevel(pending)
	} else {
		p.owner.pics[indexPrimary].setLine(picChainCommunicationIRQ, pending)
	}
}

// setLine applies one input transition. Level-triggered lines mirror
// the input into IRR; edge-triggered lines latch IRR on a rising edge
// and hold it until acknowledged.
func (p *pic) setLine(line int, level bool) {
	mask := uint8(1) << line
	if p.elcr&mask != 0 {
		// level triggered
		if level {
			p.irr |= mask
			p.lastIRR |= mask
		} else {
			p.irr &^= mask
			p.lastIRR &^= mask
		}
	} else {
		// edge triggered
		if level {
			if p.lastIRR&mask == 0 {
				p.irr |= mask
			}
			p.lastIRR |= mask
		} else {
			p.lastIRR &^= mask
		}
	}
	p.updateIRQ()
}

// intack latches the acknowledged line into the ISR (unless the unit
// is in auto-EOI mode) and clears the request for edge-triggered
// lines. Level-triggered requests persist until the source deasserts.
func (p *pic) intack(line int) {
	mask := uint8(1) << line
	if p.autoEOI != 0 {
		if p.rotateOnAutoEOI != 0 {
			p.priorityAdd = uint8(line+1) & picIRQMask
		}
	} else {
		p.isr |= mask
	}
	if p.elcr&mask == 0 {
		p.irr &^= mask
	}
	p.updateIRQ()
}

// pollRead is the polled acknowledge performed by a command-port read
// after OCW3 armed the poll flag: the winning line's IRR and ISR bits
// are dropped without an INTA cycle. On the secondary the cascade
// bits in the primary are dropped as well.
func (p *pic) pollRead() uint8 {
	irq := p.getIRQ()
	if irq < 0 {
		return picSpuriousIRQ
	}
	secondary := p.index == indexSecondary
	if secondary {
		primary := p.owner.pics[indexPrimary]
		primary.isr &^= 1 << picChainCommunicationIRQ
		primary.irr &^= 1 << picChainCommunicationIRQ
	}
	mask := uint8(1) << irq
	p.irr &^= mask
	p.isr &^= mask
	if secondary || irq != picChainCommunicationIRQ {
		p.updateIRQ()
	}
	return uint8(irq)
}

// read services a command-port (offset 0) or data-port (offset 1)
// read. An armed poll flag consumes the read on either port.
func (p *pic) read(offset int) uint8 {
	if p.poll != 0 {
		p.poll = 0
		// Real silicon also sets bit 7 when a request won the poll;
		// this core returns the bare line number like its ancestors.
		return p.pollRead()
	}
	if offset == 0 {
		if p.readRegSelect != 0 {
			return p.isr
		}
		return p.irr
	}
	return p.imr
}

// writeCommand decodes a command-port write into ICW1, OCW2 or OCW3.
func (p *pic) writeCommand(val uint8) error {
	if val&0x10 != 0 {
		// ICW1
		if val&0x08 != 0 {
			return fmt.Errorf("pic%d: level sensitive irq mode not supported: %w", p.index, hv.ErrVMHalted)
		}
		p.initReset()
		p.initState = initAwaitICW2
		p.init4 = val & 1
		p.singleMode = val & 2
		return nil
	}

	if val&0x08 != 0 {
		// OCW3
		if val&0x04 != 0 {
			p.poll = 1
		}
		if val&0x02 != 0 {
			p.readRegSelect = val & 1
		}
		if val&0x40 != 0 {
			p.specialMask = (val >> 5) & 1
		}
		return nil
	}

	// OCW2
	switch cmd := val >> 5; cmd {
	case 0, 4: // rotate in auto-EOI mode: clear / set
		p.rotateOnAutoEOI = cmd >> 2
	case 1, 5: // non-specific EOI, optionally rotating
		pr := p.priority(p.isr)
		if pr != 8 {
			line := (pr + int(p.priorityAdd)) & picIRQMask
			p.isr &^= 1 << line
			if cmd == 5 {
				p.priorityAdd = uint8(line+1) & picIRQMask
			}
			p.eoiReleased(line)
			p.updateIRQ()
		}
	case 3: // specific EOI
		line := int(val & picIRQMask)
		p.isr &^= 1 << line
		p.eoiReleased(line)
		p.updateIRQ()
	case 6: // set priority
		p.priorityAdd = (val + 1) & picIRQMask
		p.updateIRQ()
	case 7: // specific EOI with rotate
		line := int(val & picIRQMask)
		p.isr &^= 1 << line
		p.priorityAdd = uint8(line+1) & picIRQMask
		p.eoiReleased(line)
		p.updateIRQ()
	default:
		// cmd 2: no operation. Real silicon ignores the pattern.
	}
	return nil
}

// writeData services the data port, multiplexed by the init state.
func (p *pic) writeData(val uint8) {
	switch p.initState {
	case initIdle:
		// OCW1
		p.imr = val
		p.updateIRQ()
	case initAwaitICW2:
		p.irqBase = val & 0xf8
		if p.singleMode != 0 {
			if p.init4 != 0 {
				p.initState = initAwaitICW4
			} else {
				p.initState = initIdle
			}
		} else {
			p.initState = initAwaitICW3
		}
	case initAwaitICW3:
		// The cascade topology is fixed by construction; the payload
		// only advances the sequence.
		if p.init4 != 0 {
			p.initState = initAwaitICW4
		} else {
			p.initState = initIdle
		}
	case initAwaitICW4:
		p.specialFullyNestedMode = (val >> 4) & 1
		p.autoEOI = (val >> 1) & 1
		p.initState = initIdle
	default:
		panic(fmt.Sprintf("pic%d: impossible init state %d", p.index, p.initState))
	}
}

func (p *pic) eoiReleased(line int) {
	p.owner.pendingEOI = append(p.owner.pendingEOI, uint8(p.index*8+line))
}

func (p *pic) String() string {
	return fmt.Sprintf("pic%d{irr=%02x imr=%02x isr=%02x base=%02x}",
		p.index, p.irr, p.imr, p.isr, p.irqBase)
}

type initState uint8

const (
	initIdle initState = iota
	initAwaitICW2
	initAwaitICW3
	initAwaitICW4
)

// Snapshot support ----------------------------------------------------------

const picSnapshotVersion = 1

// picSnapshot is the version 1 persisted register set of one unit. The
// ELCR writable-bit mask is fixed by construction and not persisted.
type picSnapshot struct {
	LastIRR                uint8
	IRR                    uint8
	IMR                    uint8
	ISR                    uint8
	PriorityAdd            uint8
	IRQBase                uint8
	ReadRegSelect          uint8
	Poll                   uint8
	SpecialMask            uint8
	InitState              uint8
	AutoEOI                uint8
	RotateOnAutoEOI        uint8
	SpecialFullyNestedMode uint8
	Init4                  uint8
	SingleMode             uint8
	ELCR                   uint8
}

type dualPicSnapshot struct {
	Version int
	Pics    [2]picSnapshot
}

func (p *DualPIC) DeviceId() string { return "pic" }

func (p *DualPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := &dualPicSnapshot{Version: picSnapshotVersion}
	for i, s := range p.pics {
		snap.Pics[i] = picSnapshot{
			LastIRR:                s.lastIRR,
			IRR:                    s.irr,
			IMR:                    s.imr,
			ISR:                    s.isr,
			PriorityAdd:            s.priorityAdd,
			IRQBase:                s.irqBase,
			ReadRegSelect:          s.readRegSelect,
			Poll:                   s.poll,
			SpecialMask:            s.specialMask,
			InitState:              uint8(s.initState),
			AutoEOI:                s.autoEOI,
			RotateOnAutoEOI:        s.rotateOnAutoEOI,
			SpecialFullyNestedMode: s.specialFullyNestedMode,
			Init4:                  s.init4,
			SingleMode:             s.singleMode,
			ELCR:                   s.elcr,
		}
	}
	return snap, nil
}

func (p *DualPIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*dualPicSnapshot)
	if !ok {
		return fmt.Errorf("pic: invalid snapshot type %T", snap)
	}
	if data.Version != picSnapshotVersion {
		return fmt.Errorf("pic: unsupported snapshot version %d", data.Version)
	}
	for i, in := range data.Pics {
		if initState(in.InitState) > initAwaitICW4 {
			return fmt.Errorf("pic%d: invalid init state %d in snapshot", i, in.InitState)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.pics {
		in := data.Pics[i]
		s.lastIRR = in.LastIRR
		s.irr = in.IRR
		s.imr = in.IMR
		s.isr = in.ISR
		s.priorityAdd = in.PriorityAdd
		s.irqBase = in.IRQBase
		s.readRegSelect = in.ReadRegSelect
		s.poll = in.Poll
		s.specialMask = in.SpecialMask
		s.initState = initState(in.InitState)
		s.autoEOI = in.AutoEOI
		s.rotateOnAutoEOI = in.RotateOnAutoEOI
		s.specialFullyNestedMode = in.SpecialFullyNestedMode
		s.init4 = in.Init4
		s.singleMode = in.SingleMode
		s.elcr = in.ELCR
	}

	// The snapshot already carries the cascade state in the primary's
	// IRR and edge shadow; only the CPU-facing output needs syncing.
	p.ready.SetLevel(p.pics[indexPrimary].getIRQ() >= 0)
	return nil
}

var _ hv.DeviceSnapshotter = (*DualPIC)(nil)
