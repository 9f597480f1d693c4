package fragment

import (
	"bytes"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/kelindar/bitmap"

	"github.com/Pablu23/calmnet/internal/packet"
)

// receiverEntry is the inbound state bundle for one message, keyed by
// packet-id in Receiver.registry (spec §4.6).
type receiverEntry struct {
	allocUUID     uuid.UUID
	fragmentCount uint32
	fragments     [][]byte
	missing       bitmap.Bitmap // fragment-ids not yet received (idsToReceive)

	ackQueue    []uint32      // idsToAKN, FIFO
	ackQueued   bitmap.Bitmap // membership test for ackQueue

	sendsTillCompleteForced int
	verifyReceived          bool
	consumed                bool
}

func newReceiverEntry(allocUUID uuid.UUID, count uint32, sendsTillCompleteForced int) *receiverEntry {
	e := &receiverEntry{
		allocUUID:               allocUUID,
		fragmentCount:           count,
		fragments:               make([][]byte, count),
		sendsTillCompleteForced: sendsTillCompleteForced,
	}
	for i := uint32(0); i < count; i++ {
		e.missing.Set(i)
	}
	return e
}

func (e *receiverEntry) receiveFragment(fragmentID uint32, body []byte) {
	if fragmentID >= e.fragmentCount {
		return
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	e.fragments[fragmentID] = stored
	e.missing.Remove(fragmentID)
	if !e.ackQueued.Contains(fragmentID) {
		e.ackQueue = append(e.ackQueue, fragmentID)
		e.ackQueued.Set(fragmentID)
	}
}

// nextOutbound advances this entry's state machine by one step and
// returns the packet to emit, or nil if nothing is owed this poll.
// complete reports whether the returned packet is the final
// SendComplete(ack=true) that retires the entry.
func (e *receiverEntry) nextOutbound(packetID uint32, opts *Options) (pkt packet.Packet, complete bool) {
	if len(e.ackQueue) > 0 {
		id := e.ackQueue[0]
		e.ackQueue = e.ackQueue[1:]
		e.ackQueued.Remove(id)
		var body []byte
		if opts.VerifyResponses {
			body = e.fragments[id]
		}
		return packet.NewFragmentMessageResponse(packetID, id, body), false
	}

	guard := opts.effectiveEqualityVerify() && !e.verifyReceived
	if !guard && e.sendsTillCompleteForced > 0 {
		e.sendsTillCompleteForced--
	}
	if e.sendsTillCompleteForced != 0 || guard {
		return nil, false
	}
	if e.missing.Count() == 0 {
		return packet.NewFragmentSendComplete(packetID, true), true
	}
	return packet.NewFragmentRetrySend(packetID, false), false
}

func (e *receiverEntry) readyToConsume(equalityVerify bool) bool {
	return !e.consumed && e.missing.Count() == 0 && (!equalityVerify || e.verifyReceived)
}

func (e *receiverEntry) reassemble() []byte {
	var buf bytes.Buffer
	for _, fragment := range e.fragments {
		buf.Write(fragment)
	}
	return buf.Bytes()
}

// Receiver is the per-message inbound state machine of spec §4.6.
type Receiver struct {
	opts    *Options
	loader  *packet.Loader
	factory packet.Factory

	mu        sync.Mutex
	nextID    uint32
	registry  map[uint32]*receiverEntry
	uuidToID  map[uuid.UUID]uint32
	outAllocs []packet.Packet
	outStops  []packet.Packet

	outputMu    sync.Mutex
	outputCV    *sync.Cond
	outputQueue []packet.Packet
	closed      bool

	finishedMu sync.Mutex
	finishedIDs []uint32
}

// NewReceiver constructs a Receiver. loader/factory are used to parse
// the reassembled byte stream back into an application packet.
func NewReceiver(opts *Options, loader *packet.Loader, factory packet.Factory) *Receiver {
	r := &Receiver{
		opts:     opts,
		loader:   loader,
		factory:  factory,
		registry: make(map[uint32]*receiverEntry),
		uuidToID: make(map[uuid.UUID]uint32),
	}
	r.outputCV = sync.NewCond(&r.outputMu)
	return r
}

// allocateID finds the smallest packet-id at or after the running
// counter that is not already registered, advancing the counter past
// it (spec §4.6 "Packet-id allocation").
func (r *Receiver) allocateID() (uint32, bool) {
	id := r.nextID
	for {
		if _, used := r.registry[id]; !used {
			if id == math.MaxUint32 {
				r.nextID = 0
			} else {
				r.nextID = id + 1
			}
			return id, true
		}
		if id == math.MaxUint32 {
			return 0, false
		}
		id++
	}
}

// Ingest consumes a fragment-protocol packet addressed to the
// receiver: FragmentAllocate, FragmentMessage, FragmentSendComplete,
// FragmentSendVerifyComplete, or FragmentRetrySend (only the ack=true
// marker has an effect). Returns whether pkt was one of those kinds.
func (r *Receiver) Ingest(pkt packet.Packet) bool {
	switch p := pkt.(type) {
	case *packet.FragmentAllocate:
		r.ingestAllocate(p)
	case *packet.FragmentMessage:
		r.ingestMessage(p)
	case *packet.FragmentSendComplete:
		r.ingestSendComplete(p)
	case *packet.FragmentSendVerifyComplete:
		r.ingestSendVerifyComplete(p)
	case *packet.FragmentRetrySend:
		if p.Ack {
			r.ingestRetrySendMarker(p)
		}
	default:
		return false
	}
	return true
}

func (r *Receiver) ingestAllocate(p *packet.FragmentAllocate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, inUse := r.uuidToID[p.UUID]; inUse {
		return
	}
	id, ok := r.allocateID()
	if !ok {
		r.outAllocs = append(r.outAllocs, packet.NewFragmentAllocation(0, p.UUID, false))
		return
	}
	r.registry[id] = newReceiverEntry(p.UUID, p.FragmentCount, r.opts.EmptySendsTillForced+1)
	r.uuidToID[p.UUID] = id
	r.outAllocs = append(r.outAllocs, packet.NewFragmentAllocation(id, p.UUID, true))
}

func (r *Receiver) ingestMessage(p *packet.FragmentMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.registry[p.PacketID]
	if !ok {
		return
	}
	entry.receiveFragment(p.FragmentID, p.Body)
}

func (r *Receiver) ingestSendComplete(p *packet.FragmentSendComplete) {
	if p.Ack {
		return // the receiver only ingests the sender's ack=false variant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.registry[p.PacketID]; ok {
		entry.sendsTillCompleteForced = 0
	}
}

func (r *Receiver) ingestSendVerifyComplete(p *packet.FragmentSendVerifyComplete) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.registry[p.PacketID]; ok {
		entry.sendsTillCompleteForced = 0
		entry.verifyReceived = true
	}
}

func (r *Receiver) ingestRetrySendMarker(p *packet.FragmentRetrySend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.registry[p.PacketID]; ok {
		entry.sendsTillCompleteForced = r.opts.EmptySendsTillForced + 1
	}
}

// PollOutbound returns control packets to emit: outstanding Allocation
// responses, per-entry next control or ack, and any queued SendStop.
func (r *Receiver) PollOutbound() []packet.Packet {
	r.mu.Lock()

	out := make([]packet.Packet, 0, len(r.outAllocs)+len(r.outStops)+len(r.registry))
	out = append(out, r.outAllocs...)
	r.outAllocs = nil
	out = append(out, r.outStops...)
	r.outStops = nil

	var toRetire []uint32
	var toConsume []uint32
	for pid, entry := range r.registry {
		if pkt, complete := entry.nextOutbound(pid, r.opts); pkt != nil {
			out = append(out, pkt)
			if complete {
				toRetire = append(toRetire, pid)
			}
		}
		if entry.readyToConsume(r.opts.effectiveEqualityVerify()) {
			toConsume = append(toConsume, pid)
		}
	}

	var decoded []packet.Packet
	for _, pid := range toConsume {
		entry := r.registry[pid]
		entry.consumed = true
		full := entry.reassemble()
		inner, err := r.loader.Read(bytes.NewReader(full), r.factory, nil)
		if err == nil && inner != nil {
			decoded = append(decoded, inner)
		}
	}

	for _, pid := range toRetire {
		delete(r.registry, pid)
	}
	for uid, id := range r.uuidToID {
		if _, stillRegistered := r.registry[id]; !stillRegistered {
			delete(r.uuidToID, uid)
		}
	}
	r.mu.Unlock()

	if len(toRetire) > 0 {
		r.finishedMu.Lock()
		r.finishedIDs = append(r.finishedIDs, toRetire...)
		r.finishedMu.Unlock()
	}
	if len(decoded) > 0 {
		r.outputMu.Lock()
		r.outputQueue = append(r.outputQueue, decoded...)
		r.outputMu.Unlock()
		r.outputCV.Broadcast()
	}
	return out
}

// Delete schedules a SendStop for packetID and drops its entry.
func (r *Receiver) Delete(packetID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registry[packetID]; !ok {
		return
	}
	delete(r.registry, packetID)
	for uid, id := range r.uuidToID {
		if id == packetID {
			delete(r.uuidToID, uid)
		}
	}
	r.outStops = append(r.outStops, packet.NewFragmentSendStop(packetID))
}

// ReceiveReady reports whether a reconstructed packet is available
// without consuming it.
func (r *Receiver) ReceiveReady() bool {
	r.outputMu.Lock()
	defer r.outputMu.Unlock()
	return len(r.outputQueue) > 0
}

// PollRecv is the non-blocking pop of a reconstructed packet.
func (r *Receiver) PollRecv() (packet.Packet, bool) {
	r.outputMu.Lock()
	defer r.outputMu.Unlock()
	if len(r.outputQueue) == 0 {
		return nil, false
	}
	p := r.outputQueue[0]
	r.outputQueue = r.outputQueue[1:]
	return p, true
}

// RecvBlocking blocks until a reconstructed packet is available or the
// receiver is closed.
func (r *Receiver) RecvBlocking() (packet.Packet, bool) {
	r.outputMu.Lock()
	defer r.outputMu.Unlock()
	for len(r.outputQueue) == 0 && !r.closed {
		r.outputCV.Wait()
	}
	if len(r.outputQueue) == 0 {
		return nil, false
	}
	p := r.outputQueue[0]
	r.outputQueue = r.outputQueue[1:]
	return p, true
}

// PollFinished drains one packet-id whose transfer fully completed
// (its final SendComplete(ack=true) was emitted), mirroring Sender's
// finished-id bookkeeping for the receiver side.
func (r *Receiver) PollFinished() (uint32, bool) {
	r.finishedMu.Lock()
	defer r.finishedMu.Unlock()
	if len(r.finishedIDs) == 0 {
		return 0, false
	}
	id := r.finishedIDs[0]
	r.finishedIDs = r.finishedIDs[1:]
	return id, true
}

// Close releases any blocked RecvBlocking waiters.
func (r *Receiver) Close() {
	r.outputMu.Lock()
	r.closed = true
	r.outputMu.Unlock()
	r.outputCV.Broadcast()
}
