package narration

import (
	"github.com/koscakluka/ema-narrator/core/distribution"
	"github.com/koscakluka/ema-narrator/core/events"
)

type eventEmitter func(events.Event)

// newBusEventEmitter streams mixer, response and system events to observers
// as system updates and logs every event. Block events reach observers
// through block state updates instead.
func (n *Narrator) newBusEventEmitter() eventEmitter {
	return func(event events.Event) {
		fields := map[string]any{}
		logArgs := []any{"kind", string(event.Kind())}

		switch typedEvent := event.(type) {
		case events.BlockCreated:
			logArgs = append(logArgs, "block_id", typedEvent.BlockID, "source_id", typedEvent.SourceID, "priority", typedEvent.Priority)
		case events.BlockTTSReady:
			logArgs = append(logArgs, "block_id", typedEvent.BlockID, "tier", typedEvent.Tier)
		case events.BlockSkipped:
			logArgs = append(logArgs, "block_id", typedEvent.BlockID, "reason", typedEvent.Reason)
		case events.BlockPlaying:
			logArgs = append(logArgs, "block_id", typedEvent.BlockID)
		case events.BlockPlayed:
			logArgs = append(logArgs, "block_id", typedEvent.BlockID)
		case events.BlockAwaitingResponse:
			logArgs = append(logArgs, "block_id", typedEvent.BlockID, "options", typedEvent.Options)
		case events.BlockRepeated:
			logArgs = append(logArgs, "block_id", typedEvent.BlockID, "attempt", typedEvent.Attempt)
		case events.MixerUnavailable:
			fields["address"] = typedEvent.Address
			if typedEvent.Err != nil {
				fields["error"] = typedEvent.Err.Error()
			}
		case events.MixerRecovered:
			fields["address"] = typedEvent.Address
			fields["flushed"] = typedEvent.Flushed
			fields["dropped"] = typedEvent.Dropped
		case events.ResponseRouted:
			fields["block_id"] = typedEvent.BlockID
			fields["source_id"] = typedEvent.SourceID
			fields["response"] = typedEvent.Response
		case events.ResponsePending:
			fields["block_id"] = typedEvent.BlockID
			fields["source_id"] = typedEvent.SourceID
		case events.ResponseExpired:
			fields["block_id"] = typedEvent.BlockID
			fields["source_id"] = typedEvent.SourceID
		case events.SystemDegraded:
			fields["block_id"] = typedEvent.BlockID
			fields["reason"] = typedEvent.Reason
		}

		switch event.Kind().Namespace() {
		case "mixer", "response", "system":
			for key, value := range fields {
				logArgs = append(logArgs, key, value)
			}
			n.bus.Publish(distribution.Update{
				Entity: distribution.EntitySystem,
				Action: distribution.ActionStart,
				Kind:   string(event.Kind()),
				Fields: fields,
				Value:  event,
			})
		}
		logger.Debug("narration event", logArgs...)

		if n.onEvent != nil {
			n.onEvent(event)
		}
	}
}
