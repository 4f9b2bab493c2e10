// mautrix-imessage - A Matrix-iMessage puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package expert

import (
	"github.com/lrhodin/barcelona/pkg/pipeline"
)

// NextStep is returned by observer callbacks to keep or end the observation.
type NextStep int

const (
	Continue NextStep = iota
	Stop
)

// Observer receives the events of a single message until its callback
// returns Stop or it is cancelled.
type Observer struct {
	sub *pipeline.Subscription
}

// Observe subscribes callback to the events of the message whose ID is
// returned by messageID. The ID is read on every event, so an observer may be
// created before the message has been assigned one. An empty ID matches
// nothing.
func (e *Expert) Observe(messageID func() string, callback func(Event) NextStep) *Observer {
	obs := &Observer{}
	obs.sub = e.events.Pipe(func(evt Event) {
		id := messageID()
		if id == "" || evt.ID != id {
			return
		}
		if callback(evt) == Stop {
			obs.Cancel()
		}
	})
	return obs
}

// ObserveID is Observe for a message whose ID is already known.
func (e *Expert) ObserveID(id string, callback func(Event) NextStep) *Observer {
	return e.Observe(func() string { return id }, callback)
}

// Cancel ends the observation. It is safe to call more than once.
func (o *Observer) Cancel() {
	o.sub.Cancel()
}

func (o *Observer) Cancelled() bool {
	return o.sub.Cancelled()
}
