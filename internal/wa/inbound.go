package wa

import (
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Inbound is a received message reduced to what the conversation needs.
type Inbound struct {
	ID          string
	Sender      string
	DisplayName string
	Text        string
	HasImage    bool
	FromMe      bool
	IsGroup     bool
	IsBroadcast bool
	ReceivedAt  time.Time
	// Raw is kept for forwarding and media download.
	Raw *events.Message
}

// FromEvent converts a whatsmeow message event. It reports false for events without content.
func FromEvent(evt *events.Message) (Inbound, bool) {
	if evt == nil || evt.Message == nil {
		return Inbound{}, false
	}
	msg := evt.Message
	in := Inbound{
		ID:          string(evt.Info.ID),
		Sender:      evt.Info.Chat.ToNonAD().String(),
		DisplayName: strings.TrimSpace(evt.Info.PushName),
		FromMe:      evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
		IsBroadcast: evt.Info.Chat.Server == types.BroadcastServer,
		ReceivedAt:  evt.Info.Timestamp,
		Raw:         evt,
	}
	switch {
	case msg.GetConversation() != "":
		in.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		in.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		in.HasImage = true
		in.Text = msg.GetImageMessage().GetCaption()
	}
	in.Text = strings.TrimSpace(in.Text)
	return in, true
}
