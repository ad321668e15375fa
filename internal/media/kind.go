// Package media defines the supported media kinds and their remote
// processing profiles.
//
// Videos and reels transcode asynchronously on the remote side, so their
// polling windows are materially longer than stills. Reels additionally get a
// longer initial delay before the first status poll: polling a reel container
// seconds after creation never observes FINISHED and just burns read quota.
package media

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a publish job carries.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindReel     Kind = "reel"
	KindCarousel Kind = "carousel"
)

var allKinds = []Kind{KindImage, KindVideo, KindReel, KindCarousel}

// Parse converts a string into a known Kind.
func Parse(value string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range allKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown media kind %q", value)
}

// IsVideoLike reports whether the kind requires remote transcoding.
func (k Kind) IsVideoLike() bool { return k == KindVideo || k == KindReel }

// PollProfile bounds the awaitProcessing loop for one kind.
type PollProfile struct {
	// InitialDelay before the first status poll.
	InitialDelay time.Duration
	// Interval between polls.
	Interval time.Duration
	// Timeout for the whole processing wait. Exceeding it is a retryable
	// ProcessingTimeout, not a terminal failure.
	Timeout time.Duration
}

// Profile returns the processing-wait profile for the kind.
func (k Kind) Profile() PollProfile {
	switch k {
	case KindReel:
		return PollProfile{InitialDelay: 30 * time.Second, Interval: 10 * time.Second, Timeout: 15 * time.Minute}
	case KindVideo:
		return PollProfile{InitialDelay: 15 * time.Second, Interval: 10 * time.Second, Timeout: 10 * time.Minute}
	case KindCarousel:
		return PollProfile{InitialDelay: 3 * time.Second, Interval: 3 * time.Second, Timeout: 2 * time.Minute}
	default: // image
		return PollProfile{InitialDelay: 2 * time.Second, Interval: 3 * time.Second, Timeout: 90 * time.Second}
	}
}
