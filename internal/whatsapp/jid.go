package whatsapp

import (
	"strings"

	"github.com/pkg/errors"
	waTypes "go.mau.fi/whatsmeow/types"
)

// legacyUserServer is the chat-id suffix used by older WhatsApp web clients.
const legacyUserServer = "c.us"

// ParseRecipient accepts "<number>@c.us", "<number>@s.whatsapp.net", a group
// JID or a bare phone number and returns the whatsmeow JID.
func ParseRecipient(recipient string) (waTypes.JID, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return waTypes.EmptyJID, errors.New("empty recipient")
	}
	if !strings.Contains(recipient, "@") {
		recipient = strings.TrimPrefix(recipient, "+") + "@" + waTypes.DefaultUserServer
	}
	if user, server, ok := strings.Cut(recipient, "@"); ok && server == legacyUserServer {
		recipient = user + "@" + waTypes.DefaultUserServer
	}
	jid, err := waTypes.ParseJID(recipient)
	if err != nil {
		return waTypes.EmptyJID, errors.Wrapf(err, "invalid recipient %q", recipient)
	}
	if jid.User == "" {
		return waTypes.EmptyJID, errors.Errorf("invalid recipient %q", recipient)
	}
	return jid, nil
}

// chatID renders a JID in the legacy "<number>@c.us" form used by the API.
func chatID(jid waTypes.JID) string {
	jid = jid.ToNonAD()
	if jid.Server == waTypes.DefaultUserServer {
		return jid.User + "@" + legacyUserServer
	}
	return jid.String()
}
