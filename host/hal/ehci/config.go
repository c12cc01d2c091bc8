package ehci

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softehci/pkg"
)

// Config holds the tunables of one controller instance. A zero field takes
// its value from [DefaultConfig].
type Config struct {
	// Descriptor pool capacities. The QH pool includes the permanent async
	// head and the qTD pool the shared halt descriptor.
	QHPoolSize  int `yaml:"qh_pool_size"`
	QTDPoolSize int `yaml:"qtd_pool_size"`
	ITDPoolSize int `yaml:"itd_pool_size"`

	// FrameListSize is the periodic frame list length: 1024, or 512 or 256
	// on controllers with a programmable frame list.
	FrameListSize int `yaml:"frame_list_size"`

	// FrameLookahead is how many frames past the controller's frame index
	// an iTD must be placed. The default of 5 covers typical prefetch
	// depth; it is not derived from any particular controller.
	FrameLookahead int `yaml:"frame_lookahead"`

	TransferTimeout  time.Duration `yaml:"transfer_timeout"`
	DoorbellTimeout  time.Duration `yaml:"doorbell_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PortResetDelay   time.Duration `yaml:"port_reset_delay"`

	// InterruptThreshold is the maximum interrupt rate in microframes.
	InterruptThreshold int `yaml:"interrupt_threshold"`

	// ErrorRetries seeds the qTD error counter (CERR), 1 to 3. Zero
	// selects the default, so unlimited retries cannot be configured.
	ErrorRetries int `yaml:"error_retries"`

	// NAKReload seeds the QH NAK counter reload field, 1 to 15. Zero
	// selects the default.
	NAKReload int `yaml:"nak_reload"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		QHPoolSize:         64,
		QTDPoolSize:        256,
		ITDPoolSize:        128,
		FrameListSize:      1024,
		FrameLookahead:     5,
		TransferTimeout:    5 * time.Second,
		DoorbellTimeout:    500 * time.Millisecond,
		HandshakeTimeout:   250 * time.Millisecond,
		PortResetDelay:     50 * time.Millisecond,
		InterruptThreshold: 1,
		ErrorRetries:       3,
		NAKReload:          4,
	}
}

// ParseConfig decodes YAML, fills unset fields from defaults and validates
// the result.
func ParseConfig(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse ehci config: %w", err)
	}
	return c.normalize()
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func (c Config) withDefaults() (Config, error) {
	if err := mergo.Merge(&c, DefaultConfig()); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) normalize() (Config, error) {
	c, err := c.withDefaults()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	bad := func(field string, v any) error {
		return fmt.Errorf("%w: %s = %v", pkg.ErrInvalidParameter, field, v)
	}

	switch {
	case c.QHPoolSize < 2:
		return bad("qh_pool_size", c.QHPoolSize)
	case c.QTDPoolSize < 2:
		return bad("qtd_pool_size", c.QTDPoolSize)
	case c.ITDPoolSize < 1:
		return bad("itd_pool_size", c.ITDPoolSize)
	case c.FrameListSize != 256 && c.FrameListSize != 512 && c.FrameListSize != 1024:
		return bad("frame_list_size", c.FrameListSize)
	case c.FrameLookahead < 1 || c.FrameLookahead >= c.FrameListSize/2:
		return bad("frame_lookahead", c.FrameLookahead)
	case c.TransferTimeout <= 0:
		return bad("transfer_timeout", c.TransferTimeout)
	case c.DoorbellTimeout <= 0:
		return bad("doorbell_timeout", c.DoorbellTimeout)
	case c.HandshakeTimeout <= 0:
		return bad("handshake_timeout", c.HandshakeTimeout)
	case c.PortResetDelay <= 0:
		return bad("port_reset_delay", c.PortResetDelay)
	case c.ErrorRetries < 1 || c.ErrorRetries > 3:
		return bad("error_retries", c.ErrorRetries)
	case c.NAKReload < 1 || c.NAKReload > 15:
		return bad("nak_reload", c.NAKReload)
	}

	switch c.InterruptThreshold {
	case 1, 2, 4, 8, 16, 32, 64:
	default:
		return bad("interrupt_threshold", c.InterruptThreshold)
	}
	return nil
}

// frameListBits encodes FrameListSize in the USBCMD frame list size field.
func (c Config) frameListBits() uint32 {
	switch c.FrameListSize {
	case 512:
		return 1 << CmdFLSShift
	case 256:
		return 2 << CmdFLSShift
	default:
		return 0
	}
}
