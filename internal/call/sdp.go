package call

import (
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

// ValidateSDP checks that s parses as a session description with at least
// one media section.
func ValidateSDP(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty sdp", ErrMalformedEvent)
	}
	var desc psdp.SessionDescription
	if err := desc.Unmarshal([]byte(s)); err != nil {
		return fmt.Errorf("%w: sdp: %v", ErrMalformedEvent, err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: sdp has no media", ErrMalformedEvent)
	}
	return nil
}

// MediaSummary returns the media kinds in s, e.g. ["audio", "video"].
// It returns nil when s does not parse.
func MediaSummary(s string) []string {
	var desc psdp.SessionDescription
	if err := desc.Unmarshal([]byte(s)); err != nil {
		return nil
	}
	kinds := make([]string, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		kinds = append(kinds, md.MediaName.Media)
	}
	return kinds
}
