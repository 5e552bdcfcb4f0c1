package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/irqchip"
)

// irqdemo assembles the interrupt subsystem, programs it the way a PC
// BIOS would, then fires a few interrupts and prints the monitor view.
func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML configuration file (default: legacy PC layout)")
	stats := fs.Bool("stats", false, "Print per-line IRQ statistics")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg := irqchip.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = irqchip.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	sys, err := irqchip.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to assemble subsystem: %v\n", err)
		os.Exit(1)
	}

	// Standard BIOS programming: primary vectors at 0x08, secondary at
	// 0x70, both chained through line 2, everything unmasked.
	program := []struct {
		port  uint16
		value byte
	}{
		{cfg.PrimaryCommandPort, 0x11},
		{cfg.PrimaryCommandPort + 1, 0x08},
		{cfg.PrimaryCommandPort + 1, 0x04},
		{cfg.PrimaryCommandPort + 1, 0x01},
		{cfg.SecondaryCommandPort, 0x11},
		{cfg.SecondaryCommandPort + 1, 0x70},
		{cfg.SecondaryCommandPort + 1, 0x02},
		{cfg.SecondaryCommandPort + 1, 0x01},
		{cfg.PrimaryCommandPort + 1, 0x00},
		{cfg.SecondaryCommandPort + 1, 0x00},
	}
	for _, w := range program {
		if err := sys.HandlePIO(w.port, []byte{w.value}, true); err != nil {
			fmt.Fprintf(os.Stderr, "port write failed: %v\n", err)
			os.Exit(1)
		}
	}

	lines := sys.Lines()
	for _, irq := range []uint8{0, 4, 12} {
		lines[irq].SetLevel(true)
		requested, vector := sys.Acknowledge()
		if !requested {
			fmt.Printf("irq %2d: spurious (vector 0x%02x)\n", irq, vector)
			continue
		}
		fmt.Printf("irq %2d: vector 0x%02x\n", irq, vector)
		lines[irq].SetLevel(false)

		// Non-specific EOI on the owning controller(s).
		if irq >= 8 {
			if err := sys.HandlePIO(cfg.SecondaryCommandPort, []byte{0x20}, true); err != nil {
				fmt.Fprintf(os.Stderr, "EOI failed: %v\n", err)
				os.Exit(1)
			}
		}
		if err := sys.HandlePIO(cfg.PrimaryCommandPort, []byte{0x20}, true); err != nil {
			fmt.Fprintf(os.Stderr, "EOI failed: %v\n", err)
			os.Exit(1)
		}
	}

	if err := sys.Info(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "monitor output failed: %v\n", err)
		os.Exit(1)
	}
	if *stats {
		if err := sys.IRQInfo(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "statistics output failed: %v\n", err)
			os.Exit(1)
		}
	}
}
