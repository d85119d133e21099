package presence

import "github.com/petervdpas/hostline/internal/proto"

// Availability is the derived state of a host as shown in the presence list.
type Availability string

const (
	Online    Availability = proto.StatusOnline
	Available Availability = proto.StatusAvailable
	InCall    Availability = proto.StatusInCall
	Offline   Availability = proto.StatusOffline
)

// Derive is the only place availability is inferred from raw host fields.
// Every code path that turns wire data or local state into an Availability
// goes through here.
func Derive(status string, active, inCall bool, channelRef string) Availability {
	if !active || status == proto.StatusOffline {
		return Offline
	}
	if inCall || status == proto.StatusInCall {
		if channelRef == "" {
			// in_call without a channel cannot be joined or reconciled
			return Online
		}
		return InCall
	}
	if status == proto.StatusAvailable && channelRef != "" {
		return Available
	}
	return Online
}

// FromStatus builds a record from a published host status.
func FromStatus(s proto.HostStatus) HostRecord {
	return HostRecord{
		HostID:       s.HostID,
		ChannelRef:   s.ChannelRef,
		Availability: Derive(s.Status, s.Active, s.InCall, s.ChannelRef),
		Active:       s.Active,
		InCallWith:   s.InCallWith,
	}
}
