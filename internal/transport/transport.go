// Package transport defines the outbound messaging contract the dispatcher
// core relies on. The real-time wire protocol is an external collaborator;
// this package only names topics, redirect destinations, and the primitives
// used to reach participants.
package transport

import (
	"context"
	"time"
)

// Topic identifies an outbound notification channel.
type Topic string

const (
	// TopicWaitingStatus carries pool size and queue position updates.
	TopicWaitingStatus Topic = "waiting_status"
	// TopicCountdown carries the remaining dispatch countdown time.
	TopicCountdown Topic = "countdown"
	// TopicCountdownStop announces a cancelled countdown.
	TopicCountdownStop Topic = "countdown_stop"
	// TopicStep instructs members to move to a stage position.
	TopicStep Topic = "step"
	// TopicPause halts member progress while a disconnect is outstanding.
	TopicPause Topic = "pause"
	// TopicResume releases members paused by TopicPause.
	TopicResume Topic = "resume"
	// TopicPeerConnected announces a member (re)joining to the others.
	TopicPeerConnected Topic = "peer_connected"
	// TopicPeerList carries the current member roster.
	TopicPeerList Topic = "peer_list"
	// TopicSettlement carries the final per-member winnings and exit code.
	TopicSettlement Topic = "settlement"
)

// Destination names a static page a participant can be redirected to.
type Destination string

const (
	// DestDisconnected is shown to kicked-out participants.
	DestDisconnected Destination = "disconnected"
	// DestCheckedOut is shown to already checked-out participants.
	DestCheckedOut Destination = "checked_out"
	// DestOverbooked is shown to surplus participants trimmed at session start.
	DestOverbooked Destination = "overbooked"
	// DestAborted is shown when a session cannot start at all.
	DestAborted Destination = "aborted"
)

// Message is one outbound notification addressed to a single participant.
type Message struct {
	To      string
	Topic   Topic
	Payload any
}

// Messenger is the outbound notification contract.
type Messenger interface {
	SendToOne(ctx context.Context, participantID string, topic Topic, payload any) error
	SendToAll(ctx context.Context, topic Topic, payload any) error
	SendToGroup(ctx context.Context, groupID string, topic Topic, payload any) error
	// Redirect instructs the transport to move a participant out of the
	// experiment flow to a static destination.
	Redirect(ctx context.Context, participantID string, destination Destination) error
}

// GroupRegistrar is implemented by transports that keep group rosters and
// the broadcast audience server-side, so SendToGroup and SendToAll resolve
// recipients without the caller enumerating them on every send.
type GroupRegistrar interface {
	SetGroup(groupID string, participantIDs []string)
	SetAudience(participantIDs []string)
}

// WaitingStatus is the payload broadcast on TopicWaitingStatus.
type WaitingStatus struct {
	PoolSize       int  `json:"pool_size"`
	Waiting        int  `json:"waiting"`
	AtLeastPlayers int  `json:"at_least_players"`
	Retry          bool `json:"retry"`
	RoomClosed     bool `json:"room_closed"`
}

// CountdownNotice is the payload broadcast on TopicCountdown.
type CountdownNotice struct {
	Remaining time.Duration `json:"remaining"`
}

// StepOrder is the payload broadcast on TopicStep.
type StepOrder struct {
	StagePos string `json:"stage_pos"`
	CatchUp  bool   `json:"catch_up"`
}
