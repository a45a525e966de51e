package bot

import (
	"context"
	"time"

	"github.com/lazypower/companion/internal/telegram"
)

// TelegramTransport adapts a Bot API client to Transport.
type TelegramTransport struct {
	*telegram.Client
}

// NewTelegramTransport wraps c.
func NewTelegramTransport(c *telegram.Client) *TelegramTransport {
	return &TelegramTransport{Client: c}
}

// Updates fetches pending updates. Updates that are not private text
// messages from a person come back with an empty Text so the caller can
// still advance its offset past them.
func (t *TelegramTransport) Updates(ctx context.Context, offset int64, timeout int) ([]Inbound, error) {
	updates, err := t.GetUpdates(ctx, offset, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]Inbound, 0, len(updates))
	for _, u := range updates {
		out = append(out, fromUpdate(u))
	}
	return out, nil
}

func fromUpdate(u telegram.Update) Inbound {
	in := Inbound{UpdateID: u.UpdateID}
	m := u.Message
	if m == nil || m.From == nil || m.From.IsBot || m.Text == nil {
		return in
	}
	in.UserID = m.From.ID
	in.Username = m.From.Username
	in.FirstName = m.From.FirstName
	in.Text = *m.Text
	if m.Date > 0 {
		in.At = time.Unix(m.Date, 0)
	}
	return in
}
