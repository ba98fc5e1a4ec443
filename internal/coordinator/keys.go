package coordinator

import "fmt"

// All per-campaign keys carry the {campaignId} hash tag so they colocate on
// one shard in cluster mode. Every mutating script touches keys of exactly
// one campaign.

func keyLimit(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:limit", campaignID)
}

func keyLeases(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:leases", campaignID)
}

func keyLease(campaignID, member string) string {
	return fmt.Sprintf("campaign:{%s}:lease:%s", campaignID, member)
}

func keyLeaseBorn(campaignID, member string) string {
	return fmt.Sprintf("campaign:{%s}:lease:%s:born", campaignID, member)
}

func keyReserved(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:reserved", campaignID)
}

func keyLedger(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:reserved:ledger", campaignID)
}

func keyWaitlistHigh(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:waitlist:high", campaignID)
}

func keyWaitlistNormal(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:waitlist:normal", campaignID)
}

func keyWaitlistMarker(campaignID, jobID string) string {
	return fmt.Sprintf("campaign:{%s}:waitlist:marker:%s", campaignID, jobID)
}

func keyWaitlistSeen(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:waitlist:seen", campaignID)
}

func keyPromoteGate(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:promote-gate", campaignID)
}

func keyColdStart(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:cold-start", campaignID)
}

func keyColdStartSuccesses(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:cold-start:successes", campaignID)
}

func keyPaused(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:paused", campaignID)
}

func keyCircuit(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:circuit", campaignID)
}

// ChannelSlotAvailable is the pub/sub channel a lease release publishes to.
func ChannelSlotAvailable(campaignID string) string {
	return fmt.Sprintf("campaign:%s:slot-available", campaignID)
}

// PatternSlotAvailable matches slot-available channels for all campaigns.
const PatternSlotAvailable = "campaign:*:slot-available"

// PreDialMember returns the leases-set member for a pre-dial lease.
func PreDialMember(callID string) string {
	return "pre-" + callID
}
