package bridge

// Event is one inbound notification from the chat network. The concrete
// types below are the only implementations.
type Event interface{ isEvent() }

// InviteEvent: the bot was invited to RoomID by Sender.
type InviteEvent struct {
	RoomID string
	Sender string
}

// MembershipEvent is any other membership change.
type MembershipEvent struct {
	RoomID     string
	UserID     string
	Membership string // join, leave, ban, invite
	Sender     string
}

// MessageEvent is a plain-text projection of a room message.
type MessageEvent struct {
	RoomID string
	Sender string
	Text   string
	Emote  bool
}

// AliasQueryEvent asks whether the bridge owns Alias; answering yes means
// creating the room.
type AliasQueryEvent struct {
	Alias string
}

// AliasProvisionedEvent follows a successful AliasQueryEvent once the room
// exists.
type AliasProvisionedEvent struct {
	Alias  string
	RoomID string
}

// UserQueryEvent asks whether the bridge owns UserID; answering yes means
// registering the account.
type UserQueryEvent struct {
	UserID string
}

func (InviteEvent) isEvent()           {}
func (MembershipEvent) isEvent()       {}
func (MessageEvent) isEvent()          {}
func (AliasQueryEvent) isEvent()       {}
func (AliasProvisionedEvent) isEvent() {}
func (UserQueryEvent) isEvent()        {}

// Outcome carries what an event produced, when anything.
type Outcome struct {
	RoomID string
	UserID string
}
