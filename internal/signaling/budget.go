package signaling

import "github.com/wilsonzlin/consult-signal/internal/ratelimit"

// Frame prices against MAX_SIGNALING_MESSAGES_PER_SECOND. Trickle ICE sends
// candidates in bursts right after an offer or answer, so a candidate costs
// half a message. A frame that fails to decode costs two.
const (
	costMessage   = 1.0
	costCandidate = 0.5
	costMalformed = 2.0
)

// signalBudget meters one connection's inbound frames.
type signalBudget struct {
	bucket *ratelimit.Bucket
}

func newSignalBudget(clock ratelimit.Clock, perSecond int) signalBudget {
	return signalBudget{bucket: ratelimit.NewBucket(clock, float64(perSecond), float64(perSecond))}
}

// charge spends the price of a decoded frame, or of an undecodable one when
// m is nil.
func (b signalBudget) charge(m *wireMessage) bool {
	return b.bucket.Take(frameCost(m))
}

func frameCost(m *wireMessage) float64 {
	switch {
	case m == nil:
		return costMalformed
	case m.Type == MessageTypeCandidate:
		return costCandidate
	default:
		return costMessage
	}
}
