package wire

import (
	"bytes"
	"testing"
)

func TestProtocolTagEquals(t *testing.T) {
	a := NewProtocolTag(254, 3)
	b := NewProtocolTag(254, 3)
	c := NewProtocolTag(254, 4)
	if !a.Equals(b) {
		t.Error("expected equal tags to compare equal")
	}
	if a.Equals(c) {
		t.Error("expected differing minor to compare unequal")
	}
}

func TestProtocolTagWireOrder(t *testing.T) {
	var buf bytes.Buffer
	tag := NewProtocolTag(254, 3)
	if err := tag.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{254, 3}) {
		t.Fatalf("expected major-then-minor order, got %v", buf.Bytes())
	}
	got, err := ReadProtocolTag(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equals(tag) {
		t.Errorf("round trip mismatch: got %v", got)
	}
}
