package sim

import (
	"errors"

	"github.com/ardnew/softehci/pkg"
)

// maxRing bounds the QHs visited per pass so a corrupted ring cannot spin.
const maxRing = 4096

// runAsync makes one pass over the async ring starting at ASYNCLISTADDR,
// executing transactions until the microframe budget is spent. Caller
// holds s.mu.
func (s *Controller) runAsync() {
	head := s.async
	if head == 0 {
		return
	}
	budget := s.budget
	cur := head
	for range maxRing {
		if s.word(cur) == nil {
			s.hostError("async list address", "phys", cur)
			return
		}
		s.serviceQH(cur, &budget)
		if budget <= 0 || s.sts&stsHalted != 0 {
			return
		}
		link := s.load(cur + qhLink)
		if link&linkT != 0 || link&linkTypeMask != linkTypeQH {
			return
		}
		if cur = link & linkAddrMask; cur == head {
			return
		}
	}
}

func (s *Controller) load(phys uint32) uint32 {
	if p := s.word(phys); p != nil {
		return atomicLoad(p)
	}
	return 0
}

func (s *Controller) store(phys, v uint32) {
	if p := s.word(phys); p != nil {
		atomicStore(p, v)
	}
}

// serviceQH advances one queue head until it halts, runs out of active
// qTDs, NAKs, or the budget is spent.
func (s *Controller) serviceQH(q uint32, budget *int) {
	for *budget > 0 {
		tok := s.load(q + qhToken)
		if tok&tokActive == 0 {
			if tok&tokHalted != 0 {
				return
			}
			if !s.fetch(q) {
				return
			}
			continue
		}
		*budget--
		if !s.execute(q, tok) {
			return
		}
	}
}

// fetch loads the qTD at the overlay's next pointer. An inactive qTD is
// copied into the overlay as is and the queue stops there.
func (s *Controller) fetch(q uint32) bool {
	next := s.load(q + qhNext)
	if next&linkT != 0 {
		return false
	}
	td := next & linkAddrMask
	if s.word(td) == nil {
		s.hostError("qtd address", "phys", td)
		return false
	}

	tok := s.load(td + qtdToken)
	if s.load(q+qhChar)&charDTC == 0 {
		tok = tok&^tokToggle | s.load(q+qhToken)&tokToggle
	}
	s.store(q+qhCurrent, td)
	s.store(q+qhNext, s.load(td+qtdNext))
	s.store(q+qhAltNext, s.load(td+qtdAltNext))
	for i := range uint32(5) {
		s.store(q+qhBuffer+4*i, s.load(td+qtdBuffer+4*i))
	}
	s.store(q+qhToken, tok)
	return tok&tokActive != 0
}

// position returns the bus address the overlay's current page and offset
// point at.
func (s *Controller) position(q, tok uint32) (page int, off uint32) {
	return int(tok&tokCPage) >> tokCPageSh, s.load(q+qhBuffer) & (pageSize - 1)
}

// copyData moves n bytes between the overlay's buffer window and data,
// splitting at page boundaries. in selects memory writes.
func (s *Controller) copyData(q, tok uint32, data []byte, in bool) bool {
	page, off := s.position(q, tok)
	for done := 0; done < len(data); {
		if page >= 5 {
			return false
		}
		base := s.load(q+qhBuffer+4*uint32(page)) &^ (pageSize - 1)
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

// advance moves the overlay's page and offset n bytes forward and returns
// the updated token.
func (s *Controller) advance(q, tok uint32, n int) uint32 {
	page, off := s.position(q, tok)
	off += uint32(n)
	page += int(off / pageSize)
	off %= pageSize
	b0 := s.load(q + qhBuffer)
	s.store(q+qhBuffer, b0&^(pageSize-1)|off)
	return tok&^tokCPage | uint32(page)<<tokCPageSh&tokCPage
}

// execute runs one transaction of the active overlay. It reports whether
// the queue head may continue in this pass.
func (s *Controller) execute(q, tok uint32) bool {
	char := s.load(q + qhChar)
	addr := uint8(char & 0x7F)
	ep := uint8(char>>charEPShift) & 0xF
	mps := int(char>>charMPSShift) & 0x7FF
	pid := PID(tok >> tokPIDShift & 3)
	total := int(tok&tokBytes) >> tokBytesSh
	toggle := tok&tokToggle != 0

	key := epKey{addr, ep}
	if pid == PIDIn {
		key.ep |= 0x80
	}
	pkt := Packet{Address: addr, Endpoint: key.ep, PID: pid, Toggle: toggle}

	if n := s.nak[key]; n > 0 && pid != PIDSetup {
		s.nak[key] = n - 1
		s.naks++
		return false
	}
	if n := s.xact[key]; n > 0 {
		s.xact[key] = n - 1
		pkt.Handshake = XactErr
		s.logPacket(pkt)
		return s.transactionError(q, tok)
	}

	fn := s.functionAt(addr)
	if fn == nil {
		pkt.Handshake = XactErr
		s.logPacket(pkt)
		return s.transactionError(q, tok)
	}
	if s.stall[key] && pid != PIDSetup {
		pkt.Handshake = STALL
		s.logPacket(pkt)
		s.halt(q, tok, 0)
		return false
	}

	var (
		n     int
		short bool
		err   error
	)
	switch pid {
	case PIDSetup:
		buf := make([]byte, 8)
		if !s.copyData(q, tok, buf, false) {
			s.hostError("setup buffer", "qh", q)
			return false
		}
		// SETUP is always acknowledged.
		_ = fn.Setup(buf)
		n = 8

	case PIDIn:
		want := min(mps, total)
		var data []byte
		data, err = fn.In(ep, toggle, want)
		if err == nil && len(data) > want {
			pkt.Handshake, pkt.Len = Babble, len(data)
			s.logPacket(pkt)
			s.halt(q, tok, tokBabble)
			return false
		}
		if err == nil {
			if !s.copyData(q, tok, data, true) {
				s.hostError("in buffer", "qh", q)
				return false
			}
			n = len(data)
			short = n < mps
		}

	case PIDOut:
		n = min(mps, total)
		buf := make([]byte, n)
		if !s.copyData(q, tok, buf, false) {
			s.hostError("out buffer", "qh", q)
			return false
		}
		err = fn.Out(ep, toggle, buf)
	}

	switch {
	case errors.Is(err, ErrNAK):
		s.naks++
		return false
	case errors.Is(err, pkg.ErrStall):
		pkt.Handshake = STALL
		s.logPacket(pkt)
		s.halt(q, tok, 0)
		return false
	case err != nil:
		pkt.Handshake = XactErr
		s.logPacket(pkt)
		return s.transactionError(q, tok)
	}

	pkt.Len = n
	s.logPacket(pkt)

	tok = s.advance(q, tok, n)
	total -= n
	tok = tok&^tokBytes | uint32(total)<<tokBytesSh&tokBytes
	tok ^= tokToggle

	if total > 0 && !short {
		s.store(q+qhToken, tok)
		return true
	}
	s.retire(q, tok, short)
	return true
}

// retire writes the finished overlay token back to its qTD. A short packet
// follows the alternate next pointer when it is valid.
func (s *Controller) retire(q, tok uint32, short bool) {
	tok &^= tokActive
	s.store(q+qhToken, tok)
	s.store(s.load(q+qhCurrent)+qtdToken, tok)
	if short {
		if alt := s.load(q + qhAltNext); alt&linkT == 0 {
			s.store(q+qhNext, alt)
		}
	}
	if tok&tokIOC != 0 || short {
		s.sts |= stsInt
	}
}

// halt stops the queue head with extra status bits.
func (s *Controller) halt(q, tok, bits uint32) {
	tok = tok&^tokActive | tokHalted | bits
	s.store(q+qhToken, tok)
	s.store(s.load(q+qhCurrent)+qtdToken, tok)
	s.sts |= stsErr
}

// transactionError decrements the error counter and halts the queue head
// when it reaches zero. A counter of zero at submission means unlimited
// retries.
func (s *Controller) transactionError(q, tok uint32) bool {
	cerr := int(tok&tokCErrMask) >> 10
	switch cerr {
	case 0:
		s.store(q+qhToken, tok|tokXactErr)
		return false
	case 1:
		s.halt(q, tok&^tokCErrMask, tokXactErr)
		return false
	default:
		s.store(q+qhToken, tok&^tokCErrMask|uint32(cerr-1)<<10|tokXactErr)
		return false
	}
}
