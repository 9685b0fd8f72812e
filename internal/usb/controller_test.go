package usb

import "testing"

type fakeController struct {
	wakeups      []uint8
	portChanges  []string
	wakeupErr    error
}

func (c *fakeController) WakeupEndpoint(slotID uint8, ep Endpoint) error {
	c.wakeups = append(c.wakeups, slotID)
	return c.wakeupErr
}

func (c *fakeController) PostPortChange(portKey string, flags uint32) error {
	c.portChanges = append(c.portChanges, portKey)
	return nil
}

func TestNotifyControllerWakesEndpointWithoutPortChangeOutsideU3(t *testing.T) {
	reg := NewRegistry()
	ctrl := &fakeController{}
	reg.RegisterController("ctrl-0", ctrl)
	reg.RegisterPort("port-0", &Port{LinkState: LinkStateU0})

	tab := NewTablet("tablet-0", reg)
	tab.dev.ControllerKey = "ctrl-0"
	tab.dev.PortKey = "port-0"
	tab.dev.RemoteWakeup = true
	tab.dev.Addr = 5

	if err := tab.PointEvent(0x01, 0x4000, 0x4000); err != nil {
		t.Fatalf("PointEvent: %v", err)
	}

	if len(ctrl.wakeups) != 1 || ctrl.wakeups[0] != 5 {
		t.Fatalf("wakeups = %v, want [5]", ctrl.wakeups)
	}
	if len(ctrl.portChanges) != 0 {
		t.Fatalf("expected no port-change event outside U3, got %v", ctrl.portChanges)
	}
}

// TestTabletClickScenario exercises the end-to-end tablet click:
// button 0x01, x=0x4000, y=0x4000 with the port in U3.
func TestTabletClickScenario(t *testing.T) {
	reg := NewRegistry()
	ctrl := &fakeController{}
	reg.RegisterController("ctrl-0", ctrl)
	reg.RegisterPort("port-0", &Port{LinkState: LinkStateU3})

	tab := NewTablet("tablet-0", reg)
	tab.dev.ControllerKey = "ctrl-0"
	tab.dev.PortKey = "port-0"
	tab.dev.RemoteWakeup = true

	if err := tab.PointEvent(0x01, 0x4000, 0x4000); err != nil {
		t.Fatalf("PointEvent: %v", err)
	}

	report, ok := tab.queue.pop()
	if !ok {
		t.Fatal("expected one queued pointer report")
	}
	if report.PosX != 0x4000 || report.PosY != 0x4000 {
		t.Fatalf("report = %+v, want pos_x/pos_y = 0x4000", report)
	}
	if report.ButtonState != 1 {
		t.Fatalf("button state = %d, want 1", report.ButtonState)
	}
	if report.PosZ != 0 {
		t.Fatalf("pos_z = %d, want 0", report.PosZ)
	}

	if len(ctrl.wakeups) != 1 {
		t.Fatalf("expected exactly one endpoint wakeup, got %d", len(ctrl.wakeups))
	}
	if len(ctrl.portChanges) != 1 || ctrl.portChanges[0] != "port-0" {
		t.Fatalf("expected one port-change event for port-0, got %v", ctrl.portChanges)
	}

	port, _ := reg.port("port-0")
	if port.LinkState != LinkStateResume {
		t.Fatalf("port link state = %v, want Resume", port.LinkState)
	}
}

func TestTabletClickClampsCoordinates(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterController("ctrl-0", &fakeController{})
	tab := NewTablet("tablet-0", reg)
	tab.dev.ControllerKey = "ctrl-0"

	if err := tab.PointEvent(0x01, 0xffff, 0xffff); err != nil {
		t.Fatalf("PointEvent: %v", err)
	}
	report, _ := tab.queue.pop()
	if report.PosX != tabletCoordinateMax || report.PosY != tabletCoordinateMax {
		t.Fatalf("report = %+v, want clamped to 0x%x", report, tabletCoordinateMax)
	}
}

func TestPointerQueueFullIsNoOp(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterController("ctrl-0", &fakeController{})
	tab := NewTablet("tablet-0", reg)
	tab.dev.ControllerKey = "ctrl-0"

	for i := 0; i < hidQueueLength+4; i++ {
		if err := tab.PointEvent(0x01, 1, 1); err != nil {
			t.Fatalf("PointEvent %d: %v", i, err)
		}
	}
	if tab.queue.len() != hidQueueLength {
		t.Fatalf("queue length = %d, want the %d-entry cap", tab.queue.len(), hidQueueLength)
	}
}
