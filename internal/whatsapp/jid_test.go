package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"201064766851@c.us", "201064766851@s.whatsapp.net"},
		{"201064766851@s.whatsapp.net", "201064766851@s.whatsapp.net"},
		{"+201064766851", "201064766851@s.whatsapp.net"},
		{" 201064766851 ", "201064766851@s.whatsapp.net"},
		{"120363025246125486@g.us", "120363025246125486@g.us"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			jid, err := ParseRecipient(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, jid.String())
		})
	}

	for _, bad := range []string{"", "   ", "@c.us"} {
		_, err := ParseRecipient(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestChatID(t *testing.T) {
	user := waTypes.NewJID("201064766851", waTypes.DefaultUserServer)
	assert.Equal(t, "201064766851@c.us", chatID(user))

	group := waTypes.NewJID("120363025246125486", waTypes.GroupServer)
	assert.Equal(t, "120363025246125486@g.us", chatID(group))
}

func TestToMessage(t *testing.T) {
	at := time.Date(2024, 9, 21, 10, 0, 0, 0, time.UTC)
	sender := waTypes.NewJID("201064766851", waTypes.DefaultUserServer)
	evt := &events.Message{
		Info: waTypes.MessageInfo{
			MessageSource: waTypes.MessageSource{Chat: sender, Sender: sender},
			ID:            "3EB0C767D26A1D",
			Timestamp:     at,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}
	msg := toMessage(evt)
	assert.Equal(t, "3EB0C767D26A1D", msg.ID)
	assert.Equal(t, "201064766851@c.us", msg.From)
	assert.Equal(t, "201064766851@c.us", msg.Chat)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, at, msg.Timestamp)

	evt.Message = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted reply")}}
	assert.Equal(t, "quoted reply", toMessage(evt).Body)
}
