package irqchip

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/tinyrange/irqchip/internal/chipset"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	want := Config{
		Version:              1,
		PrimaryCommandPort:   0x20,
		SecondaryCommandPort: 0xa0,
		PrimaryELCRPort:      0x4d0,
		SecondaryELCRPort:    0x4d1,
	}
	if diff := deep.Equal(cfg, want); diff != nil {
		t.Fatalf("default config: %v", diff)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "irqchip.yaml")
	content := "version: 1\nprimaryCommandPort: 0x20\npci:\n  hostBridge: true\n  bridge: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.PCI.Bridge || !cfg.PCI.HostBridge {
		t.Fatalf("pci helpers not enabled: %+v", cfg.PCI)
	}
	if cfg.SecondaryCommandPort != 0xa0 {
		t.Fatalf("secondary port not defaulted: 0x%x", cfg.SecondaryCommandPort)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("version: 7\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

type levelRecorder struct {
	level bool
}

func (r *levelRecorder) SetLevel(high bool) { r.level = high }
func (r *levelRecorder) PulseInterrupt()    {}

func programSubsystem(t *testing.T, sys *Subsystem, cfg Config) {
	t.Helper()
	writes := []struct {
		port  uint16
		value byte
	}{
		{cfg.PrimaryCommandPort, 0x11},
		{cfg.PrimaryCommandPort + 1, 0x20},
		{cfg.PrimaryCommandPort + 1, 0x04},
		{cfg.PrimaryCommandPort + 1, 0x01},
		{cfg.SecondaryCommandPort, 0x11},
		{cfg.SecondaryCommandPort + 1, 0x28},
		{cfg.SecondaryCommandPort + 1, 0x02},
		{cfg.SecondaryCommandPort + 1, 0x01},
	}
	for _, w := range writes {
		if err := sys.HandlePIO(w.port, []byte{w.value}, true); err != nil {
			t.Fatalf("write to 0x%x failed: %v", w.port, err)
		}
	}
}

func TestSubsystemEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PCI.HostBridge = true
	cfg.PCI.Bridge = true

	sys, err := New(cfg)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	ready := &levelRecorder{}
	sys.SetReadyLine(ready)
	programSubsystem(t, sys, cfg)

	lines := sys.Lines()

	// A primary-side interrupt through the published line handle.
	lines[3].SetLevel(true)
	if !ready.level {
		t.Fatalf("ready line not raised")
	}
	requested, vec := sys.Acknowledge()
	if !requested || vec != 0x23 {
		t.Fatalf("acknowledge = (%t, 0x%02x), want (true, 0x23)", requested, vec)
	}
	if ready.level {
		t.Fatalf("ready line still high after acknowledge")
	}
	lines[3].SetLevel(false)
	if err := sys.HandlePIO(cfg.PrimaryCommandPort, []byte{0x20}, true); err != nil {
		t.Fatalf("EOI failed: %v", err)
	}

	// A secondary-side interrupt rides the cascade.
	var eoiSeen bool
	sys.LineSet().RegisterEOICallback(10, func() { eoiSeen = true })

	lines[10].SetLevel(true)
	requested, vec = sys.Acknowledge()
	if !requested || vec != 0x2a {
		t.Fatalf("acknowledge = (%t, 0x%02x), want (true, 0x2a)", requested, vec)
	}
	lines[10].SetLevel(false)
	if err := sys.HandlePIO(cfg.SecondaryCommandPort, []byte{0x20}, true); err != nil {
		t.Fatalf("secondary EOI failed: %v", err)
	}
	if !eoiSeen {
		t.Fatalf("EOI broadcast did not reach the line callback")
	}
	if err := sys.HandlePIO(cfg.PrimaryCommandPort, []byte{0x20}, true); err != nil {
		t.Fatalf("primary EOI failed: %v", err)
	}

	// The PCI helpers answer on the config ports.
	addr := []byte{0x00, 0x00, 0x00, 0x80}
	if err := sys.HandlePIO(0x0cf8, addr, true); err != nil {
		t.Fatalf("config address write failed: %v", err)
	}
	vendor := []byte{0}
	if err := sys.HandlePIO(0x0cfc, vendor, false); err != nil {
		t.Fatalf("config data read failed: %v", err)
	}
	if vendor[0] != 0x86 {
		t.Fatalf("host bridge vendor byte = 0x%02x, want 0x86", vendor[0])
	}
	if sys.Bridge() == nil {
		t.Fatalf("bridge not assembled")
	}

	// Unclaimed ports are a dispatch error.
	if err := sys.HandlePIO(0x1234, []byte{0}, false); err == nil {
		t.Fatalf("expected error for unclaimed port")
	}
}

func TestSubsystemSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	sys, err := New(cfg)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	programSubsystem(t, sys, cfg)
	sys.Lines()[5].SetLevel(true)

	snap, err := sys.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	restored, err := New(cfg)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	again, err := restored.CaptureSnapshot()
	if err != nil {
		t.Fatalf("re-capture failed: %v", err)
	}
	if diff := deep.Equal(snap, again); diff != nil {
		t.Fatalf("snapshot diverged: %v", diff)
	}

	requested, vec := restored.Acknowledge()
	if !requested || vec != 0x25 {
		t.Fatalf("acknowledge after restore = (%t, 0x%02x), want (true, 0x25)", requested, vec)
	}
}

func TestSubsystemReset(t *testing.T) {
	cfg := DefaultConfig()
	sys, err := New(cfg)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	programSubsystem(t, sys, cfg)
	sys.Lines()[3].SetLevel(true)

	if err := sys.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	var buf bytes.Buffer
	if err := sys.Info(&buf); err != nil {
		t.Fatalf("info failed: %v", err)
	}
	want := "pic0: irr=00 imr=00 isr=00 hprio=0 irq_base=00 rr_sel=0 elcr=00 fnm=0\n" +
		"pic1: irr=00 imr=00 isr=00 hprio=0 irq_base=00 rr_sel=0 elcr=00 fnm=0\n"
	if buf.String() != want {
		t.Fatalf("post-reset monitor output:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestSetIRQRange(t *testing.T) {
	sys, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if err := sys.SetIRQ(16, true); err == nil {
		t.Fatalf("expected error for out-of-range line")
	}
}

var _ chipset.LineInterrupt = (*levelRecorder)(nil)
