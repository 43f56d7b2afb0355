// Package coordinator keeps activity state consistent across contexts that
// share nothing but a broadcast channel.
//
// Every context runs its own Coordinator. A Coordinator owns:
//
//   - a registry mapping each known context token to Prompted, Active or Idle
//   - a freshness map of last-activity timestamps
//   - an optional leader elector sharing the same channel
//
// Local calls (Idle, Active, Prompt, Start, Reset, Activate, Pause, Resume,
// Message, MarkLastActive) update local state, broadcast a message and fire
// callbacks when an aggregate condition holds. Inbound messages replay the
// same transition tagged with the sender's token but are never re-broadcast,
// so there are no echo loops.
//
// Aggregates are recomputed from the whole registry on every event:
//
//   - all prompted: OnPrompt fires on every qualifying event
//   - all idle: OnIdle fires once per transition into the condition
//   - any active: OnActive fires on every qualifying event
//
// # Usage
//
//	bus := channel.NewBus()
//	c, err := coordinator.Open(ctx, bus, "idle", coordinator.Callbacks{
//	    OnIdle:   func() { log.Print("every tab is idle") },
//	    OnActive: func() { log.Print("someone is active") },
//	}, coordinator.WithLeaderElection(true))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	c.Idle()
package coordinator
