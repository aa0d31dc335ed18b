package accelcore

import (
	"testing"

	"accelcore/collab"
	"accelcore/collab/memsim"
	"accelcore/ioctl"
)

func newTestHandle(t *testing.T) (*DeviceHandle, *memsim.Channel, *memsim.Binding, []*memsim.Virtqueue) {
	t.Helper()

	arena, err := memsim.NewArena(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Close() })

	fw := &memsim.Framework{Arena: arena}
	ch := memsim.NewChannel(ioctl.FeatureLogAll | 0x1)
	binding := memsim.NewBinding()
	registry := &memsim.Registry{}

	vqs := []*memsim.Virtqueue{
		{NumVal: 256, Desc: 0x1000, Avail: 0x2000, Used: 0x3000, RingAddrVal: 0x4000, RingSizeVal: 0x1000, LastAvailIdxVal: 42, HostFD: 1, GuestFD: 2},
	}
	collabVqs := make([]collab.EmulatedVirtqueue, len(vqs))
	for i, vq := range vqs {
		collabVqs[i] = vq
	}

	h, err := InitWithChannel(ch, registry, binding, arena, fw, collabVqs, false, false)
	if err != nil {
		t.Fatalf("InitWithChannel: %v", err)
	}
	return h, ch, binding, vqs
}

func TestLifecycleStartStopCleanup(t *testing.T) {
	h, ch, binding, vqs := newTestHandle(t)

	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ch.Owned {
		t.Error("expected SET_OWNER to have been issued during Init")
	}
	if !binding.GuestOn {
		t.Error("expected guest notifiers enabled after Start")
	}

	ch.VringBase[0] = vqs[0].LastAvailIdxVal // accelerator "wrote back" what it was given

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if vqs[0].LastAvailIdxVal != 42 {
		t.Errorf("emulated queue last-avail-idx = %d, want 42 (scenario 6)", vqs[0].LastAvailIdxVal)
	}
	if binding.GuestOn {
		t.Error("expected guest notifiers disabled after Stop")
	}

	if err := h.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !ch.Closed {
		t.Error("expected control channel closed after Cleanup")
	}

	// Cleanup must be idempotent.
	if err := h.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestSetLogRoundTrip(t *testing.T) {
	h, ch, _, _ := newTestHandle(t)
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	featuresBeforeLog := ch.Acked

	if err := h.SetLog(true); err != nil {
		t.Fatalf("SetLog(true): %v", err)
	}
	if !h.Query().Logging {
		t.Error("expected Query().Logging after SetLog(true)")
	}
	if ch.Acked&ioctl.FeatureLogAll == 0 {
		t.Error("expected F_LOG_ALL set in acked features")
	}

	if err := h.SetLog(false); err != nil {
		t.Fatalf("SetLog(false): %v", err)
	}
	if h.Query().Logging {
		t.Error("expected Query().Logging false after SetLog(false)")
	}
	if ch.Acked != featuresBeforeLog {
		t.Errorf("acked features = %#x, want restored to %#x", ch.Acked, featuresBeforeLog)
	}
}

func TestStartPublishesNegotiatedFeatures(t *testing.T) {
	h, ch, _, _ := newTestHandle(t)

	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := (ioctl.FeatureLogAll | 0x1) &^ ioctl.FeatureLogAll
	if ch.Acked != want {
		t.Errorf("SET_FEATURES at start = %#x, want %#x (negotiated features minus LOG_ALL)", ch.Acked, want)
	}
	if ch.Acked == 0 {
		t.Fatal("expected Start to publish the negotiated feature set, not zero")
	}
}

// TestListenerLogGlobalStartStopDrivesProtocol exercises spec §4.3/§4.4's
// framework-driven log_global_start/log_global_stop path: the listener
// callback, not just DeviceHandle.SetLog directly, must run the full
// two-phase SET_FEATURES/SET_VRING_ADDR protocol.
func TestListenerLogGlobalStartStopDrivesProtocol(t *testing.T) {
	h, ch, _, _ := newTestHandle(t)
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.listener.LogGlobalStart()
	if !h.Query().Logging {
		t.Error("expected Query().Logging after listener.LogGlobalStart")
	}
	if ch.Acked&ioctl.FeatureLogAll == 0 {
		t.Error("expected F_LOG_ALL acknowledged after listener.LogGlobalStart")
	}
	if ch.VringAddrs[0].Flags&ioctl.VringFLog == 0 {
		t.Error("expected SET_VRING_ADDR(+LOG) after listener.LogGlobalStart")
	}

	h.listener.LogGlobalStop()
	if h.Query().Logging {
		t.Error("expected Query().Logging false after listener.LogGlobalStop")
	}
	if ch.Acked&ioctl.FeatureLogAll != 0 {
		t.Error("expected F_LOG_ALL cleared after listener.LogGlobalStop")
	}
}

// TestListenerLogGlobalStartAbortsOnFailure exercises spec §9's "abort
// on error" requirement for log_global_start/log_global_stop: the
// memory-tracking contract can't be honoured if the protocol fails
// partway, so the callback aborts rather than returning an error.
func TestListenerLogGlobalStartAbortsOnFailure(t *testing.T) {
	h, ch, _, _ := newTestHandle(t)
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.FailOp = "SetFeatures"

	defer func() {
		if recover() == nil {
			t.Fatal("expected listener.LogGlobalStart to abort on a failed log protocol")
		}
	}()
	h.listener.LogGlobalStart()
}

func TestStartFailureUnwindsNotifiers(t *testing.T) {
	h, _, binding, _ := newTestHandle(t)
	binding.FailIndex = 0 // fail enabling the very first host notifier

	if err := h.Start(); err == nil {
		t.Fatal("expected Start to fail")
	}
	if len(binding.NotifiersOn) != 0 {
		t.Errorf("expected no notifiers left enabled after unwind, got %v", binding.NotifiersOn)
	}
}
