package ehci

import (
	"sync/atomic"
	"unsafe"
)

// Link pointer fields shared by the frame list, QH horizontal links, qTD
// next pointers and iTD next pointers.
const (
	linkTerminate uint32 = 1 << 0
	linkTypeITD   uint32 = 0 << 1
	linkTypeQH    uint32 = 1 << 1
	linkTypeSITD  uint32 = 2 << 1
	linkTypeFSTN  uint32 = 3 << 1
	linkTypeMask  uint32 = 3 << 1
	linkAddrMask  uint32 = ^uint32(0x1F)
)

// qTD token (also the QH overlay token).
const (
	tokenPing       uint32 = 1 << 0
	tokenSplitX     uint32 = 1 << 1
	tokenMissedMF   uint32 = 1 << 2
	tokenXactErr    uint32 = 1 << 3
	tokenBabble     uint32 = 1 << 4
	tokenDataBufErr uint32 = 1 << 5
	tokenHalted     uint32 = 1 << 6
	tokenActive     uint32 = 1 << 7
	tokenStatusMask uint32 = 0xFF

	tokenPIDShift          = 8
	tokenPIDMask           = 0x3 << tokenPIDShift
	tokenCErrShift         = 10
	tokenCErrMask          = 0x3 << tokenCErrShift
	tokenCPageShift        = 12
	tokenCPageMask         = 0x7 << tokenCPageShift
	tokenIOC        uint32 = 1 << 15
	tokenBytesShift        = 16
	tokenBytesMask         = 0x7FFF << tokenBytesShift
	tokenToggle     uint32 = 1 << 31
)

// Packet identifiers encoded in the token PID field.
const (
	pidOut   uint32 = 0
	pidIn    uint32 = 1
	pidSetup uint32 = 2
)

// QH endpoint characteristics (dword 1).
const (
	qhAddrMask              = 0x7F
	qhInactivate     uint32 = 1 << 7
	qhEndpointShift         = 8
	qhSpeedShift            = 12
	qhDataToggleCtl  uint32 = 1 << 14
	qhHeadOfList     uint32 = 1 << 15
	qhMaxPacketShift        = 16
	qhMaxPacketMask         = 0x7FF
	qhControlEP      uint32 = 1 << 27
	qhNAKReloadShift        = 28
)

// Endpoint speed encoding in the QH EPS field.
const (
	epsFull uint32 = 0
	epsLow  uint32 = 1
	epsHigh uint32 = 2
)

// QH endpoint capabilities (dword 2).
const (
	qhSMaskShift = 0
	qhCMaskShift = 8
	qhHubShift   = 16
	qhPortShift  = 23
	qhMultShift  = 30
)

// iTD transaction status and control word.
const (
	itdOffsetMask        = 0xFFF
	itdPageShift         = 12
	itdPageMask          = 0x7 << itdPageShift
	itdIOC        uint32 = 1 << 15
	itdLenShift          = 16
	itdLenMask           = 0xFFF << itdLenShift
	itdXactErr    uint32 = 1 << 28
	itdBabble     uint32 = 1 << 29
	itdBufErr     uint32 = 1 << 30
	itdActive     uint32 = 1 << 31
	itdErrMask           = itdXactErr | itdBabble | itdBufErr
)

// iTD buffer pointer low bits.
const (
	itdEndpointShift        = 8
	itdDirIn         uint32 = 1 << 11
	itdMaxPacketMask        = 0x7FF
	itdMultMask             = 0x3
)

// Buffer geometry.
const (
	pageSize        = 4096
	pageMask        = pageSize - 1
	qtdBufferPages  = 5
	itdBufferPages  = 7
	itdTransactions = 8
	maxQTDBytes     = qtdBufferPages * pageSize
)

// qtd is a queue element transfer descriptor. Hardware requires 32-byte
// alignment; the pool stride pads it to 64.
type qtd struct {
	Next     uint32
	AltNext  uint32
	Token    uint32
	Buffer   [qtdBufferPages]uint32
	BufferHi [qtdBufferPages]uint32
	_        [3]uint32
}

// qh is a queue head. The overlay area mirrors the qTD the controller is
// currently executing.
type qh struct {
	Link    uint32
	Char    uint32
	Caps    uint32
	Current uint32

	Next     uint32
	AltNext  uint32
	Token    uint32
	Buffer   [qtdBufferPages]uint32
	BufferHi [qtdBufferPages]uint32

	_ [7]uint32
}

// itd is a high-speed isochronous transfer descriptor covering the eight
// microframes of one frame.
type itd struct {
	Link        uint32
	Transaction [itdTransactions]uint32
	Buffer      [itdBufferPages]uint32
	BufferHi    [itdBufferPages]uint32
	_           [1]uint32
}

const (
	qtdSize = 64
	qhSize  = 96
	itdSize = 96
)

// Layout assertions. Each index expression is out of range, or the constant
// subtraction underflows, unless the left operand equals the right.
var (
	_ = [1]struct{}{}[unsafe.Sizeof(qtd{})-qtdSize]
	_ = [1]struct{}{}[unsafe.Sizeof(qh{})-qhSize]
	_ = [1]struct{}{}[unsafe.Sizeof(itd{})-itdSize]

	_ = [1]struct{}{}[unsafe.Offsetof(qtd{}.Token)-0x08]
	_ = [1]struct{}{}[unsafe.Offsetof(qtd{}.Buffer)-0x0C]
	_ = [1]struct{}{}[unsafe.Offsetof(qtd{}.BufferHi)-0x20]

	_ = [1]struct{}{}[unsafe.Offsetof(qh{}.Current)-0x0C]
	_ = [1]struct{}{}[unsafe.Offsetof(qh{}.Next)-0x10]
	_ = [1]struct{}{}[unsafe.Offsetof(qh{}.Token)-0x18]
	_ = [1]struct{}{}[unsafe.Offsetof(qh{}.Buffer)-0x1C]
	_ = [1]struct{}{}[unsafe.Offsetof(qh{}.BufferHi)-0x30]

	_ = [1]struct{}{}[unsafe.Offsetof(itd{}.Transaction)-0x04]
	_ = [1]struct{}{}[unsafe.Offsetof(itd{}.Buffer)-0x24]
	_ = [1]struct{}{}[unsafe.Offsetof(itd{}.BufferHi)-0x40]
)

// load and store are the only accessors used on words the controller may
// read or write concurrently.
func load(p *uint32) uint32     { return atomic.LoadUint32(p) }
func store(p *uint32, v uint32) { atomic.StoreUint32(p, v) }

func linkValid(l uint32) bool { return l&linkTerminate == 0 }

func linkAddr(l uint32) uint32 { return l & linkAddrMask }

// qtdToken encodes an active token.
func qtdToken(pid uint32, n int, toggle bool, cerr int, ioc bool) uint32 {
	t := tokenActive |
		pid<<tokenPIDShift |
		uint32(cerr&3)<<tokenCErrShift |
		uint32(n)<<tokenBytesShift&tokenBytesMask
	if toggle {
		t |= tokenToggle
	}
	if ioc {
		t |= tokenIOC
	}
	return t
}

func tokenBytes(t uint32) int  { return int(t&tokenBytesMask) >> tokenBytesShift }
func tokenPID(t uint32) uint32 { return (t & tokenPIDMask) >> tokenPIDShift }
func tokenCErr(t uint32) int   { return int(t&tokenCErrMask) >> tokenCErrShift }

// setBuffer points q at n bytes starting at bus address phys. Only the first
// pointer carries a byte offset.
func (q *qtd) setBuffer(phys uint32, n int) {
	q.Buffer[0] = phys
	end := phys + uint32(n)
	page := phys &^ pageMask
	for i := 1; i < qtdBufferPages; i++ {
		page += pageSize
		if n == 0 || page >= end {
			break
		}
		q.Buffer[i] = page
	}
}

// qhCharacteristics encodes QH dword 1 for a high-speed endpoint whose data
// toggle is carried by each qTD.
func qhCharacteristics(addr, endpoint uint8, maxPacket uint16, nakReload int) uint32 {
	return uint32(addr)&qhAddrMask |
		uint32(endpoint&0xF)<<qhEndpointShift |
		epsHigh<<qhSpeedShift |
		qhDataToggleCtl |
		uint32(maxPacket)&qhMaxPacketMask<<qhMaxPacketShift |
		uint32(nakReload&0xF)<<qhNAKReloadShift
}

// qhCapabilities encodes QH dword 2: one transaction per microframe, no
// split-transaction hub routing.
func qhCapabilities() uint32 {
	return 1 << qhMultShift
}

// itdTransaction encodes an active iTD transaction word.
func itdTransaction(page int, offset uint32, n int, ioc bool) uint32 {
	t := itdActive |
		uint32(n)<<itdLenShift&itdLenMask |
		uint32(page)<<itdPageShift&itdPageMask |
		offset&itdOffsetMask
	if ioc {
		t |= itdIOC
	}
	return t
}

func itdLength(t uint32) int { return int(t&itdLenMask) >> itdLenShift }
