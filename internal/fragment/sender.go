package fragment

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/calmnet/internal/packet"
)

type sendPhase int

const (
	phasePrimary sendPhase = iota
	phaseResending
	phaseCompleted
)

// senderEntry is the outbound state bundle for one message, keyed by
// packet-id in Sender.registry (spec §3 "Sender registry").
type senderEntry struct {
	fragments [][]byte
	pending   bitmap.Bitmap // fragment-ids not yet acknowledged

	phase         sendPhase
	nextUnsent    uint32 // next fragment index to emit during phasePrimary
	resendOrder   []uint32
	resendCursor  int
	pendingMarker bool // next outbound call owes a RetrySend(ack=true) marker
	forceStop     bool

	verifyResponses bool
	verifyEquality  bool
}

func newSenderEntry(fragments [][]byte, verifyResponses, verifyEquality bool) *senderEntry {
	e := &senderEntry{
		fragments:       fragments,
		verifyResponses: verifyResponses,
		verifyEquality:  verifyEquality,
	}
	for i := range fragments {
		e.pending.Set(uint32(i))
	}
	return e
}

func (e *senderEntry) startResendPass() {
	e.resendOrder = e.resendOrder[:0]
	e.pending.Range(func(id uint32) {
		e.resendOrder = append(e.resendOrder, id)
	})
	e.resendCursor = 0
}

func (e *senderEntry) completedPacket(packetID uint32) packet.Packet {
	if e.verifyEquality && e.pending.Count() == 0 {
		return packet.NewFragmentSendVerifyComplete(packetID)
	}
	return packet.NewFragmentSendComplete(packetID, false)
}

// nextOutbound returns the single next packet this entry owes the
// outer poll cycle, advancing its state machine by exactly one step
// (spec §4.5 "poll_outbound returns at most one packet per active
// entry per call").
func (e *senderEntry) nextOutbound(packetID uint32) packet.Packet {
	switch e.phase {
	case phasePrimary:
		if e.nextUnsent < uint32(len(e.fragments)) {
			idx := e.nextUnsent
			e.nextUnsent++
			return packet.NewFragmentMessage(packetID, idx, e.fragments[idx])
		}
		return e.finishPass(packetID)

	case phaseResending:
		if e.pendingMarker {
			e.pendingMarker = false
			return packet.NewFragmentRetrySend(packetID, true)
		}
		if e.resendCursor < len(e.resendOrder) {
			id := e.resendOrder[e.resendCursor]
			e.resendCursor++
			return packet.NewFragmentMessage(packetID, id, e.fragments[id])
		}
		return e.finishPass(packetID)

	default: // phaseCompleted
		return e.completedPacket(packetID)
	}
}

// finishPass is reached whenever a primary or resend pass has nothing
// left queued to emit. It decides whether the outstanding set
// (msgToResend) is already empty — in which case verification (if any)
// is satisfied and the entry completes — or another resend pass is
// needed, per spec §4.5's "the sender repeatedly scans msgToResend in
// order and re-emits until it is empty or force_stop is latched."
func (e *senderEntry) finishPass(packetID uint32) packet.Packet {
	if !e.verifyEquality || e.pending.Count() == 0 || e.forceStop {
		e.phase = phaseCompleted
		return e.completedPacket(packetID)
	}
	e.phase = phaseResending
	e.startResendPass()
	return e.nextOutbound(packetID)
}

// triggerResend moves the entry into a signalled resend pass, the
// transition ingest(RetrySend(!ack)) causes from any active phase
// (spec §4.5 draws the arrow from PrimarySend; this implementation
// also honours it from Resending/Completed since a receiver can ask
// for retry after the sender believes it is done emitting).
func (e *senderEntry) triggerResend() {
	e.phase = phaseResending
	e.pendingMarker = true
	e.startResendPass()
}

type allocationInput struct {
	bytes         []byte
	fragmentCount uint32
}

// Sender is the per-message outbound state machine of spec §4.5.
type Sender struct {
	opts   *Options
	loader *packet.Loader

	mu               sync.Mutex
	allocationInputs map[uuid.UUID]allocationInput
	registry         map[uint32]*senderEntry

	finishedMu sync.Mutex
	finishedCV *sync.Cond
	finishedIDs []uint32
	closed      bool
}

// NewSender constructs a Sender. loader is used to frame application
// packets into the opaque byte stream that gets split into fragments.
func NewSender(opts *Options, loader *packet.Loader) *Sender {
	s := &Sender{
		opts:             opts,
		loader:           loader,
		allocationInputs: make(map[uuid.UUID]allocationInput),
		registry:         make(map[uint32]*senderEntry),
	}
	s.finishedCV = sync.NewCond(&s.finishedMu)
	return s
}

// Submit enqueues pkt for allocation. Non-blocking.
func (s *Sender) Submit(pkt packet.Packet) error {
	var buf bytes.Buffer
	if err := s.loader.Write(&buf, pkt, true); err != nil {
		return err
	}
	data := buf.Bytes()
	count := splitCount(len(data), s.opts.SplitSize)

	id := uuid.New()
	s.mu.Lock()
	s.allocationInputs[id] = allocationInput{bytes: data, fragmentCount: count}
	s.mu.Unlock()
	return nil
}

func splitCount(total, splitSize int) uint32 {
	if total == 0 {
		return 1
	}
	return uint32((total + splitSize - 1) / splitSize)
}

func splitBytes(data []byte, splitSize int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for offset := 0; offset < len(data); offset += splitSize {
		end := offset + splitSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[offset:end])
	}
	return out
}

// PollOutbound returns the packets to transmit now: one FragmentAllocate
// per pending message still awaiting allocation, plus one "next" packet
// from each active registry entry.
func (s *Sender) PollOutbound() []packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]packet.Packet, 0, len(s.allocationInputs)+len(s.registry))
	for id, input := range s.allocationInputs {
		out = append(out, packet.NewFragmentAllocate(input.fragmentCount, id))
	}
	for pid, entry := range s.registry {
		out = append(out, entry.nextOutbound(pid))
	}
	return out
}

// Ingest consumes a fragment-protocol packet addressed to the sender:
// FragmentAllocation, FragmentMessageResponse, FragmentRetrySend,
// FragmentSendComplete, or FragmentSendStop. Returns whether pkt was
// one of those kinds.
func (s *Sender) Ingest(pkt packet.Packet) bool {
	switch p := pkt.(type) {
	case *packet.FragmentAllocation:
		s.ingestAllocation(p)
	case *packet.FragmentMessageResponse:
		s.ingestMessageResponse(p)
	case *packet.FragmentRetrySend:
		s.ingestRetrySend(p)
	case *packet.FragmentSendComplete:
		s.ingestSendComplete(p)
	case *packet.FragmentSendStop:
		s.ingestSendStop(p)
	default:
		return false
	}
	return true
}

func (s *Sender) ingestAllocation(p *packet.FragmentAllocation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input, ok := s.allocationInputs[p.UUID]
	if !ok {
		return
	}
	delete(s.allocationInputs, p.UUID)
	if !p.Success {
		log.WithField("uuid", p.UUID).Warn("fragment: allocation denied by peer")
		return
	}
	fragments := splitBytes(input.bytes, s.opts.SplitSize)
	s.registry[p.PacketID] = newSenderEntry(fragments, s.opts.VerifyResponses, s.opts.effectiveEqualityVerify())
}

func (s *Sender) ingestMessageResponse(p *packet.FragmentMessageResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.registry[p.PacketID]
	if !ok || int(p.FragmentID) >= len(entry.fragments) {
		return
	}
	acked := !entry.verifyResponses || bytes.Equal(p.Body, entry.fragments[p.FragmentID])
	if acked {
		entry.pending.Remove(p.FragmentID)
	}
}

func (s *Sender) ingestRetrySend(p *packet.FragmentRetrySend) {
	if p.Ack {
		// The receiver never emits RetrySend(ack=true); only the
		// sender does, as its own resend-pass marker. Nothing to do.
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.registry[p.PacketID]
	if !ok {
		return
	}
	entry.triggerResend()
}

func (s *Sender) ingestSendComplete(p *packet.FragmentSendComplete) {
	if !p.Ack {
		return
	}
	s.removeFinished(p.PacketID)
}

func (s *Sender) ingestSendStop(p *packet.FragmentSendStop) {
	s.removeFinished(p.PacketID)
}

func (s *Sender) removeFinished(packetID uint32) {
	s.mu.Lock()
	if _, ok := s.registry[packetID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.registry, packetID)
	s.mu.Unlock()

	s.finishedMu.Lock()
	s.finishedIDs = append(s.finishedIDs, packetID)
	s.finishedMu.Unlock()
	s.finishedCV.Broadcast()
}

// Delete removes a registry entry, the only cancellation primitive on
// the sender side (spec §5).
func (s *Sender) Delete(packetID uint32) {
	s.mu.Lock()
	delete(s.registry, packetID)
	s.mu.Unlock()
}

// StopVerification latches force_stop on the given entry, if any, so
// that when its current pass runs out it completes instead of starting
// another resend pass. With fragments still unacknowledged the
// completion packet is SendComplete, not SendVerifyComplete.
func (s *Sender) StopVerification(packetID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.registry[packetID]; ok {
		entry.forceStop = true
	}
}

// StopAllVerification latches force_stop on every active entry.
func (s *Sender) StopAllVerification() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.registry {
		entry.forceStop = true
	}
}

// ClearPending discards all messages awaiting allocation.
func (s *Sender) ClearPending() {
	s.mu.Lock()
	s.allocationInputs = make(map[uuid.UUID]allocationInput)
	s.mu.Unlock()
}

// ClearRegistry discards all active entries without notifying finished.
func (s *Sender) ClearRegistry() {
	s.mu.Lock()
	s.registry = make(map[uint32]*senderEntry)
	s.mu.Unlock()
}

// ClearFinished discards any not-yet-collected finished packet-ids.
func (s *Sender) ClearFinished() {
	s.finishedMu.Lock()
	s.finishedIDs = nil
	s.finishedMu.Unlock()
}

// BlockOnFinished blocks until a packet-id completes, or the engine is
// closed (ok=false).
func (s *Sender) BlockOnFinished() (id uint32, ok bool) {
	s.finishedMu.Lock()
	defer s.finishedMu.Unlock()
	for len(s.finishedIDs) == 0 && !s.closed {
		s.finishedCV.Wait()
	}
	if len(s.finishedIDs) == 0 {
		return 0, false
	}
	id = s.finishedIDs[0]
	s.finishedIDs = s.finishedIDs[1:]
	return id, true
}

// PollFinished is BlockOnFinished's non-blocking counterpart.
func (s *Sender) PollFinished() (id uint32, ok bool) {
	s.finishedMu.Lock()
	defer s.finishedMu.Unlock()
	if len(s.finishedIDs) == 0 {
		return 0, false
	}
	id = s.finishedIDs[0]
	s.finishedIDs = s.finishedIDs[1:]
	return id, true
}

// Close releases any blocked BlockOnFinished waiters, clears all
// queues and registries (spec §5 "Close/teardown").
func (s *Sender) Close() {
	s.mu.Lock()
	s.allocationInputs = make(map[uuid.UUID]allocationInput)
	s.registry = make(map[uint32]*senderEntry)
	s.mu.Unlock()

	s.finishedMu.Lock()
	s.finishedIDs = nil
	s.closed = true
	s.finishedMu.Unlock()
	s.finishedCV.Broadcast()
}
