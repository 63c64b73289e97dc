package jt1078

// streamKey identifies one logical media stream.
type streamKey struct {
	sim     string
	channel uint8
}

// Reassembler merges fragmented packet payloads into complete frames, one
// buffer per (device, channel). TCP delivers fragments in order, so the
// only loss modes are a missing FIRST or a FIRST arriving over a stale
// buffer; both discard rather than risk a corrupt frame.
type Reassembler struct {
	buffers map[streamKey][]byte
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[streamKey][]byte)}
}

// Push feeds one packet in. It returns a complete frame payload when the
// packet finishes one (atomic, or the LAST of a fragment run), nil
// otherwise.
func (r *Reassembler) Push(p *Packet) []byte {
	key := streamKey{sim: p.SIM, channel: p.Channel}

	switch p.Marker {
	case MarkerAtomic:
		return p.Payload

	case MarkerFirst:
		buf := make([]byte, len(p.Payload))
		copy(buf, p.Payload)
		r.buffers[key] = buf
		return nil

	case MarkerMiddle:
		buf, ok := r.buffers[key]
		if !ok {
			return nil
		}
		r.buffers[key] = append(buf, p.Payload...)
		return nil

	case MarkerLast:
		buf, ok := r.buffers[key]
		if !ok {
			return nil
		}
		delete(r.buffers, key)
		return append(buf, p.Payload...)

	default:
		return nil
	}
}

// DropChannel clears the buffer for one stream.
func (r *Reassembler) DropChannel(sim string, channel uint8) {
	delete(r.buffers, streamKey{sim: sim, channel: channel})
}

// DropDevice clears every buffer belonging to a device, used on
// disconnect.
func (r *Reassembler) DropDevice(sim string) {
	for key := range r.buffers {
		if key.sim == sim {
			delete(r.buffers, key)
		}
	}
}
