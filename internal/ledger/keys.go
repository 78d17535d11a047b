package ledger

// Shared key prefixes. The upstream scorer reads and writes the same keys, so
// these never carry the instance namespace.
const (
	BanPrefix       = "blacklist:"
	StrikePrefix    = "global_strikes:"
	RateLimitPrefix = "rate_limit:"
)

// Keys builds every key this service touches.
type Keys struct {
	// Namespace prefixes private keys (applied markers, traces).
	Namespace string
}

func (k Keys) Ban(actorID string) string       { return BanPrefix + actorID }
func (k Keys) Strikes(actorID string) string   { return StrikePrefix + actorID }
func (k Keys) RateLimit(actorID string) string { return RateLimitPrefix + actorID }

// Applied marks that an event's enforcement mutation already ran.
func (k Keys) Applied(eventID string) string { return k.Namespace + "applied:" + eventID }

func (k Keys) TraceMeta(eventID string) string   { return k.Namespace + "trace:" + eventID + ":meta" }
func (k Keys) TraceStages(eventID string) string { return k.Namespace + "trace:" + eventID + ":stages" }
func (k Keys) TraceOrder(eventID string) string  { return k.Namespace + "trace:" + eventID + ":order" }
