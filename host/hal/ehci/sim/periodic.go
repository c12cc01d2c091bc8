package sim

import "sync/atomic"

func atomicLoad(p *uint32) uint32     { return atomic.LoadUint32(p) }
func atomicStore(p *uint32, v uint32) { atomic.StoreUint32(p, v) }

// runPeriodic walks the frame list entry of the current frame and executes
// this microframe's transaction of every iTD on it. Periodic QHs are
// skipped. Caller holds s.mu.
func (s *Controller) runPeriodic() {
	if s.periodic == 0 {
		return
	}
	uf := s.frindex & 7
	frame := s.frindex >> 3
	slot := s.periodic + 4*(frame%uint32(s.frameListSize()))
	if s.word(slot) == nil {
		s.hostError("periodic list base", "phys", s.periodic)
		return
	}

	link := s.load(slot)
	for range maxRing {
		if link&linkT != 0 {
			return
		}
		addr := link & linkAddrMask
		if s.word(addr) == nil {
			s.hostError("periodic link", "phys", addr)
			return
		}
		if link&linkTypeMask == linkTypeITD {
			s.executeITD(addr, uf)
		}
		link = s.load(addr + itdLink)
	}
}

// executeITD runs transaction uf of the iTD at it.
func (s *Controller) executeITD(it, uf uint32) {
	tp := it + itdTransaction + 4*uf
	w := s.load(tp)
	if w&itdActive == 0 {
		return
	}

	b0 := s.load(it + itdBuffer)
	b1 := s.load(it + itdBuffer + 4)
	addr := uint8(b0 & 0x7F)
	ep := uint8(b0>>8) & 0xF
	mps := int(b1 & 0x7FF)
	in := b1&itdDirIn != 0
	length := int(w&itdLen) >> itdLenSh

	pkt := Packet{Address: addr, Endpoint: ep, PID: PIDOut, Handshake: Iso}
	if in {
		pkt.Endpoint |= 0x80
		pkt.PID = PIDIn
	}

	w &^= itdActive
	fn := s.functionAt(addr)
	switch {
	case fn == nil:
		w |= itdXactErr
		pkt.Handshake = XactErr
	case in:
		data := fn.IsoIn(ep, min(mps, length))
		if len(data) > length {
			w |= itdBabble
			pkt.Handshake = Babble
			data = data[:length]
		}
		if !s.isoCopy(it, w, data, true) {
			s.hostError("iso buffer", "itd", it)
			return
		}
		w = w&^itdLen | uint32(len(data))<<itdLenSh
		pkt.Len = len(data)
	default:
		data := make([]byte, length)
		if !s.isoCopy(it, w, data, false) {
			s.hostError("iso buffer", "itd", it)
			return
		}
		fn.IsoOut(ep, data)
		pkt.Len = length
	}
	s.logPacket(pkt)

	atomicStore(s.word(tp), w)
	if w&itdIOC != 0 {
		s.sts |= stsInt
	}
	if w&(itdXactErr|itdBabble) != 0 {
		s.sts |= stsErr
	}
}

// isoCopy moves data between memory and the transaction's buffer, which
// may continue onto the next page pointer.
func (s *Controller) isoCopy(it, w uint32, data []byte, in bool) bool {
	page := int(w>>itdPageSh) & 7
	off := w & itdOffset
	for done := 0; done < len(data); {
		if page >= 7 {
			return false
		}
		base := s.load(it+itdBuffer+4*uint32(page)) &^ (pageSize - 1)
		chunk := min(len(data)-done, pageSize-int(off))
		mem := s.span(base+off, chunk)
		if mem == nil {
			return false
		}
		if in {
			copy(mem, data[done:done+chunk])
		} else {
			copy(data[done:done+chunk], mem)
		}
		done += chunk
		page++
		off = 0
	}
	return true
}
