package fragment

import (
	"testing"

	"github.com/google/uuid"

	"github.com/Pablu23/calmnet/internal/packet"
)

func pump(s *Sender, r *Receiver) {
	for _, p := range s.PollOutbound() {
		r.Ingest(p)
	}
	for _, p := range r.PollOutbound() {
		s.Ingest(p)
	}
}

func newSenderReceiver(opts *Options) (*Sender, *Receiver) {
	factory := packet.NewPacketFactory()
	loader := packet.NewLoader()
	return NewSender(opts, loader), NewReceiver(opts, loader, factory)
}

// TestSingleFragmentRoundTrip exercises a message small enough to fit
// in one fragment end to end: submit, allocate, transfer, reassemble.
func TestSingleFragmentRoundTrip(t *testing.T) {
	opts := NewDefaultOptions()
	sender, receiver := newSenderReceiver(opts)

	msg := packet.NewNetworkIdentifier("hello")
	if err := sender.Submit(msg); err != nil {
		t.Fatal(err)
	}

	var got packet.Packet
	for i := 0; i < 20 && got == nil; i++ {
		pump(sender, receiver)
		got, _ = receiver.PollRecv()
	}
	id, ok := got.(*packet.NetworkIdentifier)
	if !ok || id.ID != "hello" {
		t.Fatalf("got %#v", got)
	}

	finished, ok := false, false
	for i := 0; i < 20 && !finished; i++ {
		pump(sender, receiver)
		if _, ok = sender.PollFinished(); ok {
			finished = true
		}
	}
	if !finished {
		t.Error("expected sender to observe completion")
	}
}

// TestMultiFragmentRoundTrip forces a message across several fragments
// by shrinking SplitSize well below the payload size.
func TestMultiFragmentRoundTrip(t *testing.T) {
	opts := NewDefaultOptions()
	opts.SplitSize = 4
	sender, receiver := newSenderReceiver(opts)

	msg := packet.NewNetworkIdentifier("a fairly long peer identifier string")
	if err := sender.Submit(msg); err != nil {
		t.Fatal(err)
	}

	var got packet.Packet
	for i := 0; i < 200 && got == nil; i++ {
		pump(sender, receiver)
		got, _ = receiver.PollRecv()
	}
	id, ok := got.(*packet.NetworkIdentifier)
	if !ok || id.ID != "a fairly long peer identifier string" {
		t.Fatalf("got %#v", got)
	}
}

// TestEqualityVerification exercises the equality-verification loop:
// the sender does not consider the message complete (and the receiver
// does not consider it ready) until SendVerifyComplete flows.
func TestEqualityVerification(t *testing.T) {
	opts := NewDefaultOptions()
	opts.VerifyResponses = true
	opts.EqualityVerifyFragments = true
	sender, receiver := newSenderReceiver(opts)

	msg := packet.NewNetworkIdentifier("verify-me")
	if err := sender.Submit(msg); err != nil {
		t.Fatal(err)
	}

	var got packet.Packet
	for i := 0; i < 50 && got == nil; i++ {
		pump(sender, receiver)
		got, _ = receiver.PollRecv()
	}
	id, ok := got.(*packet.NetworkIdentifier)
	if !ok || id.ID != "verify-me" {
		t.Fatalf("got %#v", got)
	}

	finished := false
	for i := 0; i < 50 && !finished; i++ {
		pump(sender, receiver)
		if _, ok := sender.PollFinished(); ok {
			finished = true
		}
	}
	if !finished {
		t.Error("expected equality-verified transfer to still reach completion")
	}
}

// TestStopVerificationForcesCompletion checks that StopVerification
// lets an equality-verifying entry complete (as a plain SendComplete,
// not SendVerifyComplete) even while fragments remain unacknowledged.
func TestStopVerificationForcesCompletion(t *testing.T) {
	opts := NewDefaultOptions()
	opts.VerifyResponses = true
	opts.EqualityVerifyFragments = true
	sender, receiver := newSenderReceiver(opts)

	if err := sender.Submit(packet.NewNetworkIdentifier("x")); err != nil {
		t.Fatal(err)
	}
	// Drive allocation + first fragment emission, but never let the
	// receiver's ack reach the sender: the emitted fragment is dropped.
	pump(sender, receiver)
	sender.PollOutbound()

	var packetID uint32
	for pid := range sender.registry {
		packetID = pid
	}
	sender.StopVerification(packetID)

	var got packet.Packet
	for i := 0; i < 10 && got == nil; i++ {
		got = sender.registry[packetID].nextOutbound(packetID)
		if _, ok := got.(*packet.FragmentSendComplete); ok {
			break
		}
		got = nil
	}
	complete, ok := got.(*packet.FragmentSendComplete)
	if !ok {
		t.Fatalf("expected FragmentSendComplete after StopVerification, got %#v", got)
	}
	if complete.Ack {
		t.Error("expected the sender's own completion notice to have ack=false")
	}
}

// TestIdempotentMessageResponse delivers the same MessageResponse twice
// and checks the second delivery neither resubmits the fragment nor
// alters the completion path (spec §4.5 tie-breaks).
func TestIdempotentMessageResponse(t *testing.T) {
	opts := NewDefaultOptions()
	sender, receiver := newSenderReceiver(opts)

	if err := sender.Submit(packet.NewNetworkIdentifier("x")); err != nil {
		t.Fatal(err)
	}

	// Drive allocation + first fragment emission.
	for i := 0; i < 5; i++ {
		pump(sender, receiver)
	}

	// Find the registered packet-id and replay a MessageResponse twice
	// directly against the sender.
	var packetID uint32
	for pid := range sender.registry {
		packetID = pid
	}
	resp := packet.NewFragmentMessageResponse(packetID, 0, nil)
	sender.Ingest(resp)
	sender.Ingest(resp)

	entry := sender.registry[packetID]
	if entry == nil {
		t.Fatal("entry disappeared unexpectedly")
	}
	if entry.pending.Contains(0) {
		t.Error("expected fragment 0 to be acknowledged")
	}
	if _, ok := entry.nextOutbound(packetID).(*packet.FragmentSendComplete); !ok {
		t.Error("expected the entry to proceed to completion rather than resend")
	}
}

// TestDuplicateFragmentMessage checks that re-delivering the same
// fragment overwrites the stored body without double-queuing the ack.
func TestDuplicateFragmentMessage(t *testing.T) {
	opts := NewDefaultOptions()
	_, receiver := newSenderReceiver(opts)

	id := uuid.New()
	receiver.Ingest(packet.NewFragmentAllocate(1, id))
	receiver.PollOutbound() // drains the Allocation response for packet-id 0

	receiver.Ingest(packet.NewFragmentMessage(0, 0, []byte("first")))
	receiver.Ingest(packet.NewFragmentMessage(0, 0, []byte("second")))

	entry := receiver.registry[0]
	if entry == nil {
		t.Fatal("expected entry for packet-id 0")
	}
	if string(entry.fragments[0]) != "second" {
		t.Errorf("got body %q", entry.fragments[0])
	}
	if len(entry.ackQueue) != 1 {
		t.Errorf("expected exactly one queued ack, got %d", len(entry.ackQueue))
	}
}

// TestAllocateUUIDAlreadyInUse checks that a duplicate Allocate for a
// uuid already registered is ignored rather than creating a second
// entry.
func TestAllocateUUIDAlreadyInUse(t *testing.T) {
	opts := NewDefaultOptions()
	_, receiver := newSenderReceiver(opts)

	id := uuid.New()
	receiver.Ingest(packet.NewFragmentAllocate(1, id))
	receiver.Ingest(packet.NewFragmentAllocate(1, id))
	receiver.PollOutbound()

	if len(receiver.registry) != 1 {
		t.Errorf("expected exactly one registry entry, got %d", len(receiver.registry))
	}
}

// TestDeleteSchedulesSendStop checks Receiver.Delete both drops the
// entry and queues a SendStop for the peer.
func TestDeleteSchedulesSendStop(t *testing.T) {
	opts := NewDefaultOptions()
	_, receiver := newSenderReceiver(opts)

	id := uuid.New()
	receiver.Ingest(packet.NewFragmentAllocate(1, id))
	receiver.PollOutbound()

	receiver.Delete(0)
	if _, ok := receiver.registry[0]; ok {
		t.Error("expected entry removed")
	}

	out := receiver.PollOutbound()
	found := false
	for _, p := range out {
		if stop, ok := p.(*packet.FragmentSendStop); ok && stop.PacketID == 0 {
			found = true
		}
	}
	if !found {
		t.Error("expected a queued FragmentSendStop")
	}
}

// TestPacketIDAllocationSkipsInUse checks the running counter advances
// past ids already registered.
func TestPacketIDAllocationSkipsInUse(t *testing.T) {
	opts := NewDefaultOptions()
	_, receiver := newSenderReceiver(opts)

	receiver.Ingest(packet.NewFragmentAllocate(1, uuid.New()))
	// Rewind the counter so the second allocation starts at the id the
	// first one still holds and must skip it.
	receiver.nextID = 0
	receiver.Ingest(packet.NewFragmentAllocate(1, uuid.New()))
	out := receiver.PollOutbound()

	seen := map[uint32]bool{}
	for _, p := range out {
		if alloc, ok := p.(*packet.FragmentAllocation); ok {
			if !alloc.Success {
				t.Fatal("expected both allocations to succeed")
			}
			seen[alloc.PacketID] = true
		}
	}
	if len(seen) != 2 {
		t.Errorf("expected 2 distinct packet-ids, got %v", seen)
	}
}
