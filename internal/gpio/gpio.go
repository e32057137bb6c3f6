// Package gpio drives the relay output lines.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Writer sets GPIO output lines.
type Writer interface {
	// Set drives pin to its logical on/off level. Active-low wiring is
	// handled by the implementation.
	Set(pin int, on bool) error

	// Close releases GPIO resources.
	Close() error
}

// Default relay pins (BCM numbering).
const (
	PinFilter    = 17
	PinDispenser = 27
)

// DefaultChip is the Raspberry Pi GPIO chip.
const DefaultChip = "gpiochip0"
