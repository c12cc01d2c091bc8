package ehci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQTDToken(t *testing.T) {
	tok := qtdToken(pidIn, 1000, true, 3, true)
	assert.NotZero(t, tok&tokenActive)
	assert.Equal(t, pidIn, tokenPID(tok))
	assert.Equal(t, 1000, tokenBytes(tok))
	assert.Equal(t, 3, tokenCErr(tok))
	assert.NotZero(t, tok&tokenToggle)
	assert.NotZero(t, tok&tokenIOC)
	assert.Zero(t, tok&tokenHalted)

	tok = qtdToken(pidSetup, 8, false, 0, false)
	assert.Equal(t, pidSetup, tokenPID(tok))
	assert.Zero(t, tok&(tokenToggle|tokenIOC|tokenCErrMask))
}

func TestSetBuffer(t *testing.T) {
	var q qtd
	q.setBuffer(0x2000_0F00, 5000)
	assert.Equal(t, uint32(0x2000_0F00), q.Buffer[0], "first pointer keeps its offset")
	assert.Equal(t, uint32(0x2000_1000), q.Buffer[1])
	assert.Equal(t, uint32(0x2000_2000), q.Buffer[2])
	assert.Zero(t, q.Buffer[3], "unused pages stay clear")

	var z qtd
	z.setBuffer(0x2000_0000, 0)
	assert.Equal(t, uint32(0x2000_0000), z.Buffer[0])
	assert.Zero(t, z.Buffer[1])
}

func TestSplitQTDs(t *testing.T) {
	tests := []struct {
		name string
		phys uint32
		n    int
		mps  int
		want []int
	}{
		{"zero length", 0x1000, 0, 512, []int{0}},
		{"one page", 0x1000, 100, 512, []int{100}},
		{"exactly five pages", 0x1000, maxQTDBytes, 512, []int{maxQTDBytes}},
		{"two qtds aligned", 0x1000, maxQTDBytes + 1, 512, []int{maxQTDBytes, 1}},
		{"unaligned start", 0x1100, maxQTDBytes, 512, []int{maxQTDBytes - 512, 512}},
		{"odd packet size", 0x1000, 30000, 1000, []int{20000, 10000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitQTDs(tt.phys, tt.n, tt.mps)
			assert.Equal(t, tt.want, got)

			sum := 0
			for i, sz := range got {
				sum += sz
				if i < len(got)-1 {
					assert.Zero(t, sz%tt.mps, "qTD %d is not whole packets", i)
				}
			}
			assert.Equal(t, tt.n, sum)
		})
	}
}

func TestQHCharacteristics(t *testing.T) {
	c := qhCharacteristics(5, 2, 512, 4)
	assert.Equal(t, uint32(5), c&qhAddrMask)
	assert.Equal(t, uint32(2), c>>qhEndpointShift&0xF)
	assert.Equal(t, epsHigh, c>>qhSpeedShift&3)
	assert.NotZero(t, c&qhDataToggleCtl)
	assert.Zero(t, c&qhHeadOfList)
	assert.Equal(t, uint32(512), c>>qhMaxPacketShift&qhMaxPacketMask)
	assert.Equal(t, uint32(4), c>>qhNAKReloadShift)
	assert.Equal(t, uint32(1), qhCapabilities()>>qhMultShift)
}

func TestITDTransaction(t *testing.T) {
	w := itdTransaction(3, 0x234, 1024, true)
	assert.NotZero(t, w&itdActive)
	assert.NotZero(t, w&itdIOC)
	assert.Equal(t, 1024, itdLength(w))
	assert.Equal(t, uint32(3), (w&itdPageMask)>>itdPageShift)
	assert.Equal(t, uint32(0x234), w&itdOffsetMask)
}

func TestLinkHelpers(t *testing.T) {
	assert.False(t, linkValid(linkTerminate))
	assert.True(t, linkValid(0x1000|linkTypeQH))
	assert.Equal(t, uint32(0x1000), linkAddr(0x1000|linkTypeQH))
}
