package packet

import (
	"bytes"
	"testing"
)

func TestBase64RoundTrip(t *testing.T) {
	f := NewPacketFactory()
	inner := NewNetworkIdentifier("abc")
	p := NewBase64Packet(inner, f)

	var buf bytes.Buffer
	if err := NewLoader().Write(&buf, p, true); err != nil {
		t.Fatal(err)
	}
	got, err := NewLoader().Read(&buf, f, nil)
	if err != nil {
		t.Fatal(err)
	}
	b64, ok := got.(*Base64Packet)
	if !ok {
		t.Fatalf("got %T", got)
	}
	id, ok := b64.Inner.(*NetworkIdentifier)
	if !ok || id.ID != "abc" {
		t.Errorf("got inner %+v", b64.Inner)
	}
}

func TestBase64StreamedRoundTrip(t *testing.T) {
	f := NewPacketFactory()
	inner := NewFragmentSendStop(7)
	p := NewBase64Packet(inner, f)

	var buf bytes.Buffer
	if err := NewLoader().WriteStreamed(&buf, p, true); err != nil {
		t.Fatal(err)
	}
	got, err := NewLoader().ReadStreamed(&buf, f, nil)
	if err != nil {
		t.Fatal(err)
	}
	b64 := got.(*Base64Packet)
	stop, ok := b64.Inner.(*FragmentSendStop)
	if !ok || stop.PacketID != 7 {
		t.Errorf("got inner %+v", b64.Inner)
	}
}

func TestBase64CacheInvalidatesOnSetInner(t *testing.T) {
	f := NewPacketFactory(WithEnvelopeCache(true))
	p := f.newBase64Packet()
	p.SetInner(NewNetworkIdentifier("first"))

	first, err := p.innerFramed()
	if err != nil {
		t.Fatal(err)
	}
	p.SetInner(NewNetworkIdentifier("second"))
	second, err := p.innerFramed()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first, second) {
		t.Error("expected cache to invalidate after SetInner")
	}
}
