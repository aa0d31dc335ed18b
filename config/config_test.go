package config

import "testing"

func TestLoadManifest(t *testing.T) {
	data := []byte(`
device: /dev/accel0
force: true
queues:
  - size: 256
  - size: 256
`)
	m, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Device != "/dev/accel0" {
		t.Errorf("device = %q", m.Device)
	}
	if !m.Force {
		t.Error("expected force = true")
	}
	if len(m.Queues) != 2 || m.Queues[0].Size != 256 {
		t.Errorf("queues = %+v", m.Queues)
	}
}

func TestLoadRejectsMissingDevice(t *testing.T) {
	_, err := Load([]byte("queues:\n  - size: 256\n"))
	if err == nil {
		t.Fatal("expected an error for a manifest with no device")
	}
}

func TestLoadRejectsNoQueues(t *testing.T) {
	_, err := Load([]byte("device: /dev/accel0\n"))
	if err == nil {
		t.Fatal("expected an error for a manifest with no queues")
	}
}
