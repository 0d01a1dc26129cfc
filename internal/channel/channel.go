// Package channel maps numeric radio frequencies to mailbox channel ids.
//
// Two independent clients find each other solely by resolving the same
// frequency to the same channel id, so Resolve must be deterministic across
// processes and total over the supported band.
package channel

import (
	"errors"
	"fmt"
	"math"
)

// ID identifies one channel document (and its candidate sub-collections) in
// the mailbox store.
type ID string

// Supported band, inclusive, in MHz. Frequencies are quantized to one
// decimal place, giving 60 distinct channels.
const (
	MinFrequency = 462.0
	MaxFrequency = 467.9
)

var ErrOutOfBand = errors.New("channel: frequency out of band")

// Resolve quantizes freq to one decimal (half away from zero) and returns
// the channel id for it. The mapping is injective over distinct quantized
// frequencies: ch-462-7 for 462.7, ch-467-0 for 467.0 and so on.
func Resolve(freq float64) (ID, error) {
	if math.IsNaN(freq) || math.IsInf(freq, 0) {
		return "", fmt.Errorf("%w: %v", ErrOutOfBand, freq)
	}

	tenths := int64(math.Round(freq * 10))
	if tenths < int64(math.Round(MinFrequency*10)) || tenths > int64(math.Round(MaxFrequency*10)) {
		return "", fmt.Errorf("%w: %.1f", ErrOutOfBand, freq)
	}

	return ID(fmt.Sprintf("ch-%d-%d", tenths/10, tenths%10)), nil
}
