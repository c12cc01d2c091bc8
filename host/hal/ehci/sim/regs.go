package sim

// Register file layout. The capability block is capLength bytes long and
// the operational registers follow it.
const (
	capLength  = 0x20
	hciVersion = 0x0100

	regCapLength  = 0x00
	regHCSParams  = 0x04
	regHCCParams  = 0x08
	regUSBCmd     = 0x00
	regUSBSts     = 0x04
	regUSBIntr    = 0x08
	regFrIndex    = 0x0C
	regCtrlDS     = 0x10
	regPeriodic   = 0x14
	regAsyncList  = 0x18
	regConfigFlag = 0x40
	regPortSC     = 0x44

	hcsPortPower = 1 << 4
	hccAddr64    = 1 << 0
	hccProgFL    = 1 << 1
)

const (
	cmdRun      = 1 << 0
	cmdReset    = 1 << 1
	cmdFLSShift = 2
	cmdFLSMask  = 3 << cmdFLSShift
	cmdPSE      = 1 << 4
	cmdASE      = 1 << 5
	cmdIAAD     = 1 << 6

	stsInt    = 1 << 0
	stsErr    = 1 << 1
	stsPCD    = 1 << 2
	stsFLR    = 1 << 3
	stsHSE    = 1 << 4
	stsIAA    = 1 << 5
	stsHalted = 1 << 12
	stsPSS    = 1 << 14
	stsASS    = 1 << 15
	stsW1C    = stsInt | stsErr | stsPCD | stsFLR | stsHSE | stsIAA

	frIndexMask = 0x3FFF
)

const (
	portConnect   = 1 << 0
	portCSC       = 1 << 1
	portEnable    = 1 << 2
	portPEC       = 1 << 3
	portOCC       = 1 << 5
	portReset     = 1 << 8
	portLineMask  = 3 << 10
	portLineK     = 1 << 10
	portLineJ     = 2 << 10
	portPower     = 1 << 12
	portOwner     = 1 << 13
	portChangeW1C = portCSC | portPEC | portOCC
)

// Descriptor word offsets in bytes.
const (
	linkT        = 1 << 0
	linkTypeMask = 3 << 1
	linkTypeITD  = 0 << 1
	linkTypeQH   = 1 << 1
	linkAddrMask = ^uint32(0x1F)

	qhLink    = 0x00
	qhChar    = 0x04
	qhCurrent = 0x0C
	qhNext    = 0x10
	qhAltNext = 0x14
	qhToken   = 0x18
	qhBuffer  = 0x1C

	qtdNext    = 0x00
	qtdAltNext = 0x04
	qtdToken   = 0x08
	qtdBuffer  = 0x0C

	itdLink        = 0x00
	itdTransaction = 0x04
	itdBuffer      = 0x24
)

// Token and characteristics fields.
const (
	tokXactErr  = 1 << 3
	tokBabble   = 1 << 4
	tokHalted   = 1 << 6
	tokActive   = 1 << 7
	tokPIDShift = 8
	tokCErrMask = 3 << 10
	tokCPageSh  = 12
	tokCPage    = 7 << tokCPageSh
	tokIOC      = 1 << 15
	tokBytesSh  = 16
	tokBytes    = 0x7FFF << tokBytesSh
	tokToggle   = 1 << 31

	charEPShift  = 8
	charDTC      = 1 << 14
	charMPSShift = 16

	itdOffset  = 0xFFF
	itdPageSh  = 12
	itdIOC     = 1 << 15
	itdLenSh   = 16
	itdLen     = 0xFFF << itdLenSh
	itdXactErr = 1 << 28
	itdBabble  = 1 << 29
	itdActive  = 1 << 31
	itdDirIn   = 1 << 11
)

const pageSize = 4096
