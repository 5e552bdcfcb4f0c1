package chipset

import (
	"fmt"
	"io"
)

// AcknowledgeHook is notified when the PIC has acknowledged an interrupt.
type AcknowledgeHook interface {
	PICAcknowledge(vector uint8)
}

// LineObserver is notified on input line level transitions. Hooks are
// diagnostic only and must not call back into the controller.
type LineObserver interface {
	PICLineChanged(line uint8, level bool)
}

// Info writes one diagnostic line per controller in the fixed monitor
// format.
func (p *DualPIC) Info(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.pics {
		_, err := fmt.Fprintf(w,
			"pic%d: irr=%02x imr=%02x isr=%02x hprio=%d irq_base=%02x rr_sel=%d elcr=%02x fnm=%d\n",
			i, s.irr, s.imr, s.isr, s.priorityAdd, s.irqBase,
			s.readRegSelect, s.elcr, s.specialFullyNestedMode)
		if err != nil {
			return err
		}
	}
	return nil
}

// IRQInfo writes the per-line assertion counters for lines that have
// fired at least once.
func (p *DualPIC) IRQInfo(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(w, "IRQ statistics:\n"); err != nil {
		return err
	}
	for line, count := range p.irqCount {
		if count == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%2d: %d\n", line, count); err != nil {
			return err
		}
	}
	return nil
}
