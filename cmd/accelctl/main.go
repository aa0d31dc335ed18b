// Command accelctl is a smoke-test harness for accelcore: it loads a
// device manifest, wires a DeviceHandle to the collab/memsim fake
// accelerator, and drives it through start, enable logging, stop and
// cleanup. It is not a production VMM frontend.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"accelcore"
	"accelcore/collab"
	"accelcore/collab/memsim"
	"accelcore/config"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to the device manifest YAML file")
	flag.Parse()

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "usage: accelctl -manifest <path>")
		os.Exit(2)
	}

	if err := run(*manifestPath); err != nil {
		log.Fatalf("accelctl: %v", err)
	}
}

func run(manifestPath string) error {
	m, err := config.LoadFile(manifestPath)
	if err != nil {
		return err
	}
	log.Printf("accelctl: manifest targets %s (memsim-backed for this smoke test)", m.Device)

	arena, err := memsim.NewArena(64 << 20)
	if err != nil {
		return err
	}
	defer arena.Close()

	fw := &memsim.Framework{Arena: arena}
	ch := memsim.NewChannel(0)
	binding := memsim.NewBinding()
	registry := &memsim.Registry{}

	vqs := make([]collab.EmulatedVirtqueue, len(m.Queues))
	for i, q := range m.Queues {
		vqs[i] = &memsim.Virtqueue{
			NumVal: q.Size,
			Desc:   uint64(0x1000 * (i*4 + 1)),
			Avail:  uint64(0x1000 * (i*4 + 2)),
			Used:   uint64(0x1000 * (i*4 + 3)),
			RingAddrVal: uint64(0x1000 * (i*4 + 4)),
			RingSizeVal: 0x1000,
			HostFD:      int32(100 + i),
			GuestFD:     int32(200 + i),
		}
	}

	h, err := accelcore.InitWithChannel(ch, registry, binding, arena, fw, vqs, m.Force, m.Debug)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer h.Cleanup()

	if err := h.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Printf("accelctl: started %d queue(s)", len(vqs))

	if err := h.SetLog(true); err != nil {
		return fmt.Errorf("set_log(true): %w", err)
	}
	log.Printf("accelctl: logging enabled, status=%+v", h.Query())

	if err := h.SetLog(false); err != nil {
		return fmt.Errorf("set_log(false): %w", err)
	}

	if err := h.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	log.Printf("accelctl: stopped cleanly, status=%+v", h.Query())

	return nil
}
