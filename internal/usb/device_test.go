package usb

import "testing"

func newTestDevice() *Device {
	d := NewDevice()
	d.Descriptors = NewDescriptor(
		[]byte{18, 1, 0, 1, 0, 0, 0, 8, 1, 2, 3, 4, 5, 6, 1, 2, 3, 1},
		[]Config{{Raw: []byte{9, 2, 9, 0, 1, 1, 0, configAttrSelfPowered, 50}, Value: 1, Attributes: configAttrSelfPowered, NumInterfaces: 2}},
		[]string{"mfr", "product", "serial"},
	)
	return d
}

func TestResetEndpointsPreAllocation(t *testing.T) {
	d := NewDevice()
	if d.Control.Type != EndpointControl || d.Control.Num != 0 {
		t.Fatalf("control endpoint = %+v", d.Control)
	}
	for i := 0; i < maxEndpoints; i++ {
		if d.In[i].Type != EndpointInvalid || d.In[i].Num != uint8(i+1) || !d.In[i].In {
			t.Fatalf("in endpoint %d = %+v", i, d.In[i])
		}
		if d.Out[i].Type != EndpointInvalid || d.Out[i].Num != uint8(i+1) || d.Out[i].In {
			t.Fatalf("out endpoint %d = %+v", i, d.Out[i])
		}
	}
}

func TestParseSetupFromParameter(t *testing.T) {
	// request_type=0x80, request=0x06 (GET_DESCRIPTOR), value=0x0100,
	// index=0x0000, length=0x0012.
	param := uint64(0x80) | uint64(0x06)<<8 | uint64(0x0100)<<16 | uint64(0)<<32 | uint64(0x0012)<<48
	req := ParseSetupFromParameter(param)
	if req.RequestType != 0x80 || req.Request != 0x06 || req.Value != 0x0100 || req.Index != 0 || req.Length != 0x0012 {
		t.Fatalf("decoded = %+v", req)
	}
}

func TestHandleControlGetDeviceDescriptor(t *testing.T) {
	d := newTestDevice()
	pkt := &Packet{}
	req := DeviceRequest{RequestType: reqTypeDeviceIn, Request: reqGetDescriptor, Value: uint16(descTypeDevice) << 8, Length: 18}

	handled, err := d.HandleControlForDescriptor(pkt, req)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if pkt.ActualLength != 18 {
		t.Fatalf("actual length = %d, want 18", pkt.ActualLength)
	}
}

func TestHandleControlSetAddress(t *testing.T) {
	d := newTestDevice()
	pkt := &Packet{}

	handled, err := d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceOut, Request: reqSetAddress, Value: 42})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if d.Addr != 42 {
		t.Fatalf("addr = %d, want 42", d.Addr)
	}

	_, err = d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceOut, Request: reqSetAddress, Value: 200})
	if err == nil {
		t.Fatal("expected an error for an address above 127")
	}
	if pkt.Status != StatusStall {
		t.Fatalf("status = %v, want Stall", pkt.Status)
	}
	if d.Addr != 42 {
		t.Fatal("address must not change on a rejected SET_ADDRESS")
	}
}

func TestHandleControlConfigurationRoundTrip(t *testing.T) {
	d := newTestDevice()
	pkt := &Packet{}

	if got := d.Descriptors.SelectedConfig(); got != 0 {
		t.Fatalf("initial selected config = %d, want 0", got)
	}

	handled, err := d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceOut, Request: reqSetConfiguration, Value: 1})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	handled, err = d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceIn, Request: reqGetConfiguration})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if d.Scratch[0] != 1 || pkt.ActualLength != 1 {
		t.Fatalf("scratch[0]=%d actualLength=%d, want 1/1", d.Scratch[0], pkt.ActualLength)
	}
}

func TestHandleControlStatusBits(t *testing.T) {
	d := newTestDevice()
	d.HandleControlForDescriptor(&Packet{}, DeviceRequest{RequestType: reqTypeDeviceOut, Request: reqSetConfiguration, Value: 1})
	d.RemoteWakeup = true

	pkt := &Packet{}
	handled, err := d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceIn, Request: reqGetStatus})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if d.Scratch[0]&0x1 == 0 {
		t.Fatal("expected the self-powered bit to be set")
	}
	if d.Scratch[0]&0x2 == 0 {
		t.Fatal("expected the remote-wakeup bit to be set")
	}
}

func TestHandleControlRemoteWakeupFeature(t *testing.T) {
	d := newTestDevice()
	pkt := &Packet{}

	d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceOut, Request: reqSetFeature, Value: featureRemoteWakeup})
	if !d.RemoteWakeup {
		t.Fatal("expected SET_FEATURE(REMOTE_WAKEUP) to set the flag")
	}

	d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceOut, Request: reqClearFeature, Value: featureRemoteWakeup})
	if d.RemoteWakeup {
		t.Fatal("expected CLEAR_FEATURE(REMOTE_WAKEUP) to clear the flag")
	}
}

func TestHandleControlInterfaceAltSetting(t *testing.T) {
	d := newTestDevice()
	pkt := &Packet{}
	d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeDeviceOut, Request: reqSetConfiguration, Value: 1})

	handled, err := d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeInterfaceOut, Request: reqSetInterface, Index: 0, Value: 2})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	handled, err = d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: reqTypeInterfaceIn, Request: reqGetInterface, Index: 0})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if d.Scratch[0] != 2 || pkt.ActualLength != 1 {
		t.Fatalf("scratch[0]=%d actualLength=%d, want 2/1", d.Scratch[0], pkt.ActualLength)
	}
}

func TestHandleControlUnhandledPairFallsThrough(t *testing.T) {
	d := newTestDevice()
	pkt := &Packet{}

	// A vendor/HID-class request this core does not own.
	handled, err := d.HandleControlForDescriptor(pkt, DeviceRequest{RequestType: 0x21, Request: 0x0a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Fatal("expected an unclaimed (request_type, request) pair to report unhandled")
	}
}
