// Package accelcore is the userspace control plane that couples a
// virtual-machine monitor to an in-kernel virtio device accelerator:
// the memory-region table, the dirty-page log, and the device
// lifecycle state machine that keeps the accelerator's view of guest
// memory and virtqueues synchronised with the VMM's own.
package accelcore

import (
	"fmt"
	"log"

	"accelcore/collab"
	"accelcore/dirtylog"
	"accelcore/ioctl"
	"accelcore/region"
	"accelcore/topology"
	"accelcore/virtqueue"
)

// state is the device handle's lifecycle state.
type state int

const (
	stateInit state = iota
	stateRegistered
	stateStarted
	stateStartedLogging
	stateCleaned
)

// DeviceHandle is one accelerator instance. It owns the control
// channel, the negotiated feature bitmask, the virtqueue array, the
// memory-region table, the section cache and the dirty log.
type DeviceHandle struct {
	Channel  ioctl.Channel
	Registry collab.Registry
	Binding  collab.DeviceBinding
	Mapper   collab.GuestMapper
	Fw       collab.AddressSpaceFramework
	Vqs      []collab.EmulatedVirtqueue

	Force bool
	Debug bool

	features uint64
	acked    uint64

	listener     *topology.Listener
	registration collab.Registration
	boundVqs     []*virtqueue.Virtqueue

	state state
}

func (h *DeviceHandle) logf(format string, args ...interface{}) {
	if h.Debug {
		log.Printf("accelcore: "+format, args...)
	}
}

// Init opens the control channel, takes ownership, queries features
// and registers the topology listener. Mirrors spec's init(handle,
// devfd, force).
func Init(devPath string, registry collab.Registry, binding collab.DeviceBinding, mapper collab.GuestMapper, fw collab.AddressSpaceFramework, vqs []collab.EmulatedVirtqueue, force, debug bool) (*DeviceHandle, error) {
	ch, err := ioctl.Open(devPath)
	if err != nil {
		return nil, newErr("init", KindIO, err)
	}
	return initWithChannel(ch, registry, binding, mapper, fw, vqs, force, debug)
}

// InitWithChannel is Init for callers that already have an
// ioctl.Channel (for example collab/memsim.Channel in tests), bypassing
// the real device-node open.
func InitWithChannel(ch ioctl.Channel, registry collab.Registry, binding collab.DeviceBinding, mapper collab.GuestMapper, fw collab.AddressSpaceFramework, vqs []collab.EmulatedVirtqueue, force, debug bool) (*DeviceHandle, error) {
	return initWithChannel(ch, registry, binding, mapper, fw, vqs, force, debug)
}

func initWithChannel(ch ioctl.Channel, registry collab.Registry, binding collab.DeviceBinding, mapper collab.GuestMapper, fw collab.AddressSpaceFramework, vqs []collab.EmulatedVirtqueue, force, debug bool) (*DeviceHandle, error) {
	h := &DeviceHandle{
		Channel:  ch,
		Registry: registry,
		Binding:  binding,
		Mapper:   mapper,
		Fw:       fw,
		Vqs:      vqs,
		Force:    force,
		Debug:    debug,
		boundVqs: make([]*virtqueue.Virtqueue, len(vqs)),
	}

	if err := ch.SetOwner(); err != nil {
		ch.Close()
		return nil, ioErr("init", err)
	}

	features, err := ch.GetFeatures()
	if err != nil {
		ch.Close()
		return nil, ioErr("init", err)
	}
	h.features = features
	// Acknowledge everything the accelerator negotiated except
	// LOG_ALL: logging is off until SetLog(true) turns it on, so
	// Start must not publish it prematurely.
	h.acked = features &^ ioctl.FeatureLogAll

	h.listener = &topology.Listener{
		Table:   region.NewTable(),
		Log:     &dirtylog.Log{},
		Channel: ch,
		Mapper:  mapper,
		Fw:      fw,
		Debug:   debug,
	}
	for i := range h.boundVqs {
		h.boundVqs[i] = &virtqueue.Virtqueue{}
	}
	h.listener.Vqs = h.boundVqs
	h.listener.SetLogHook = h.SetLog

	h.registration = registry.Register(h.listener)
	h.state = stateRegistered

	h.logf("init: features=%#x", features)
	return h, nil
}

// Cleanup unregisters the listener and frees the table, section cache
// and control channel. Idempotent.
func (h *DeviceHandle) Cleanup() error {
	if h.state == stateCleaned {
		return nil
	}
	if h.registration != nil {
		h.registration.Deregister()
		h.registration = nil
	}
	h.listener = nil
	if h.Channel != nil {
		if err := h.Channel.Close(); err != nil {
			h.logf("cleanup: error closing channel: %v", err)
		}
		h.Channel = nil
	}
	h.state = stateCleaned
	return nil
}

// Status is the negotiated vs. acknowledged feature bitmask and
// whether the device is started/logging, as returned by Query.
type Status struct {
	Features        uint64
	Acked           uint64
	Started         bool
	Logging         bool
}

// Query returns the handle's current status.
func (h *DeviceHandle) Query() Status {
	return Status{
		Features: h.features,
		Acked:    h.acked,
		Started:  h.state == stateStarted || h.state == stateStartedLogging,
		Logging:  h.state == stateStartedLogging,
	}
}

// Start transitions Registered -> Started: enables host notifiers,
// sets guest notifiers, negotiates features, publishes the memory
// table, and initialises each virtqueue. Any failed step unwinds every
// earlier successful step in reverse.
func (h *DeviceHandle) Start() error {
	if h.state != stateRegistered {
		return newErr("start", KindInconsistent, fmt.Errorf("device not in Registered state"))
	}

	enabledNotifiers := 0
	unwindNotifiers := func() {
		for i := enabledNotifiers - 1; i >= 0; i-- {
			if err := h.Binding.SetHostNotifier(i, false); err != nil {
				h.logf("start: unwind: disable host notifier %d: %v", i, err)
			}
		}
	}

	for i := range h.Vqs {
		if err := h.Binding.SetHostNotifier(i, true); err != nil {
			unwindNotifiers()
			return newErr("start", KindNotSupported, err)
		}
		enabledNotifiers++
	}

	if err := h.Binding.SetGuestNotifiers(true); err != nil {
		if !h.Force {
			unwindNotifiers()
			return newErr("start", KindNotSupported, err)
		}
		h.logf("start: guest notifiers unsupported, continuing (force=true)")
	}

	if err := h.Channel.SetFeatures(h.acked); err != nil {
		h.Binding.SetGuestNotifiers(false)
		unwindNotifiers()
		return ioErr("start", err)
	}

	if err := h.publishInitialTable(); err != nil {
		h.Binding.SetGuestNotifiers(false)
		unwindNotifiers()
		return err
	}

	initialized := 0
	for i, vq := range h.Vqs {
		if err := virtqueue.Init(h.boundVqs[i], uint32(i), vq, h.Mapper, h.Channel, false, 0); err != nil {
			for j := initialized - 1; j >= 0; j-- {
				virtqueue.Cleanup(h.boundVqs[j], uint32(j), h.Vqs[j], h.Mapper, h.Channel)
			}
			h.Binding.SetGuestNotifiers(false)
			unwindNotifiers()
			return newErr("start", kindFromVirtqueueErr(err), err)
		}
		initialized++
	}

	h.listener.Started = true
	h.state = stateStarted
	return nil
}

func (h *DeviceHandle) publishInitialTable() error {
	regions := make([]ioctl.MemRegion, 0, h.listener.Table.Len())
	for _, r := range h.listener.Table.Regions() {
		regions = append(regions, ioctl.MemRegion{
			GuestPhysAddr: r.GuestPhysAddr,
			MemorySize:    r.MemorySize,
			UserspaceAddr: r.UserspaceAddr,
		})
	}
	if err := h.Channel.SetMemTable(regions); err != nil {
		return ioErr("start", err)
	}
	return nil
}

// Stop transitions Started/StartedLogging -> Registered: for each
// virtqueue, reads back the last-avail-idx, unmaps rings and marks
// used-ring pages dirty; drains the log over all sections; clears
// guest notifiers; frees the log.
func (h *DeviceHandle) Stop() error {
	if h.state != stateStarted && h.state != stateStartedLogging {
		return newErr("stop", KindInconsistent, fmt.Errorf("device not started"))
	}

	for i, vq := range h.Vqs {
		if err := virtqueue.Cleanup(h.boundVqs[i], uint32(i), vq, h.Mapper, h.Channel); err != nil {
			h.logf("stop: queue %d cleanup: %v", i, err)
		}
	}

	dirtylog.SyncAll(h.listener.Log, h.listener.Sections, h.listener.MarkAdapter())

	if err := h.Binding.SetGuestNotifiers(false); err != nil {
		h.logf("stop: disable guest notifiers: %v", err)
	}
	for i := range h.Vqs {
		if err := h.Binding.SetHostNotifier(i, false); err != nil {
			h.logf("stop: disable host notifier %d: %v", i, err)
		}
	}

	h.listener.Log = &dirtylog.Log{}
	h.listener.Started = false
	h.listener.LogEnabled = false
	h.state = stateRegistered
	return nil
}

// SetLog enables or disables global dirty-page logging. Two-phase with
// unwind: SET_FEATURES, then per-VQ SET_VRING_ADDR; on failure, walks
// back through previously-updated queues restoring the prior log
// state, then restores features. Wired as the listener's SetLogHook at
// Init, so a framework-driven log_global_start/log_global_stop
// notification runs this same protocol.
func (h *DeviceHandle) SetLog(enable bool) error {
	if h.state != stateStarted && h.state != stateStartedLogging {
		return newErr("set_log", KindInconsistent, fmt.Errorf("device not started"))
	}

	var newFeatures uint64
	if enable {
		newFeatures = h.acked | ioctl.FeatureLogAll
	} else {
		newFeatures = h.acked &^ ioctl.FeatureLogAll
	}
	if err := h.Channel.SetFeatures(newFeatures); err != nil {
		return ioErr("set_log", err)
	}
	prevFeatures := h.acked
	h.acked = newFeatures

	var log *dirtylog.Log
	if enable {
		needed := dirtylog.GetLogSize(h.logRegions())
		size, _ := dirtylog.NeedsResize(0, needed)
		var err error
		log, err = dirtylog.Resize(nil, size, nil, h.listener.MarkAdapter(), h.Channel.SetLogBase)
		if err != nil {
			h.Channel.SetFeatures(prevFeatures)
			h.acked = prevFeatures
			return ioErr("set_log", err)
		}
	}

	updated := 0
	for i := range h.Vqs {
		var addr ioctl.VringAddr
		addr.Index = uint32(i)
		if enable {
			addr.Flags |= ioctl.VringFLog
			addr.LogGuestAddr = log.BaseAddr()
		}
		if err := h.Channel.SetVringAddr(addr); err != nil {
			for j := updated - 1; j >= 0; j-- {
				var revert ioctl.VringAddr
				revert.Index = uint32(j)
				if !enable {
					revert.Flags |= ioctl.VringFLog
				}
				h.Channel.SetVringAddr(revert)
			}
			h.Channel.SetFeatures(prevFeatures)
			h.acked = prevFeatures
			return ioErr("set_log", err)
		}
		updated++
	}

	if enable {
		h.listener.Log = log
		h.listener.LogEnabled = true
		h.state = stateStartedLogging
	} else {
		h.listener.Log = &dirtylog.Log{}
		h.listener.LogEnabled = false
		h.state = stateStarted
	}
	return nil
}

// EnableNotifiers toggles the per-queue host-notifier binding on,
// unwinding previously-enabled queues on failure.
func (h *DeviceHandle) EnableNotifiers() error {
	enabled := 0
	for i := range h.Vqs {
		if err := h.Binding.SetHostNotifier(i, true); err != nil {
			for j := enabled - 1; j >= 0; j-- {
				h.Binding.SetHostNotifier(j, false)
			}
			return newErr("enable_notifiers", KindNotSupported, err)
		}
		enabled++
	}
	return nil
}

// DisableNotifiers best-efforts every queue; errors are logged, never
// fatal.
func (h *DeviceHandle) DisableNotifiers() {
	for i := range h.Vqs {
		if err := h.Binding.SetHostNotifier(i, false); err != nil {
			h.logf("disable_notifiers: queue %d: %v", i, err)
		}
	}
}

func (h *DeviceHandle) logRegions() []dirtylog.Region {
	regions := make([]dirtylog.Region, 0, h.listener.Table.Len()+len(h.boundVqs))
	for _, r := range h.listener.Table.Regions() {
		regions = append(regions, dirtylog.Region{GuestPhysAddr: r.GuestPhysAddr, Size: r.MemorySize})
	}
	for _, vq := range h.boundVqs {
		regions = append(regions, dirtylog.Region{GuestPhysAddr: vq.UsedPhys, Size: vq.UsedSize})
	}
	return regions
}

func kindFromVirtqueueErr(err error) Kind {
	verr, ok := err.(*virtqueue.Error)
	if !ok {
		return KindIO
	}
	switch verr.Kind {
	case virtqueue.KindNoMemory:
		return KindNoMemory
	case virtqueue.KindRelocated:
		return KindRelocated
	default:
		return KindIO
	}
}
