package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	tele "gopkg.in/telebot.v4"

	"fanout/internal/dispatch"
	logx "fanout/pkg/logx"
)

// Config configures the Bot API client.
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint, e.g. a local bot API server.
	APIURL string
	// Offline skips the getMe handshake; used by tests and dry runs.
	Offline bool
	Timeout time.Duration

	// BreakerThreshold consecutive transient failures open the breaker for
	// BreakerReset.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Client delivers and deletes messages through the Telegram Bot API. It
// implements dispatch.Deliverer and dispatch.Remover.
type Client struct {
	bot *tele.Bot
	cb  *gobreaker.CircuitBreaker
	log logx.Logger
}

var (
	_ dispatch.Deliverer = (*Client)(nil)
	_ dispatch.Remover   = (*Client)(nil)
)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{bot: b, cb: newBreaker(cfg.BreakerThreshold, cfg.BreakerReset, log), log: log}, nil
}

// Deliver copies p.CopyFrom when set, otherwise sends p.Text split into
// chunks the API accepts. Every created message ID is returned so deletion
// can reach all of them.
func (c *Client) Deliver(ctx context.Context, recipientID string, p dispatch.Payload) (dispatch.Receipt, error) {
	to, err := parseRecipient(recipientID)
	if err != nil {
		return dispatch.Receipt{}, dispatch.Permanent(err)
	}
	if p.CopyFrom != nil && len(p.CopyFrom.MessageIDs) > 0 {
		return c.copy(ctx, to, p)
	}
	return c.sendText(ctx, to, p)
}

func (c *Client) sendText(ctx context.Context, to tele.Recipient, p dispatch.Payload) (dispatch.Receipt, error) {
	chunks := splitText(p.Text, textLimit, p.ParseMode)
	opt := &tele.SendOptions{ParseMode: tele.ParseMode(p.ParseMode)}

	var rec dispatch.Receipt
	for i, chunk := range chunks {
		if i > 0 && ctx.Err() != nil {
			return partial(rec), ctx.Err()
		}
		m, err := guard(c.cb, func() (*tele.Message, error) { return c.bot.Send(to, chunk, opt) })
		if err != nil {
			if i > 0 {
				// Already sent chunks stay deletable through the error path.
				c.log.Warn("text chunk failed", logx.String("to", to.Recipient()), logx.Int("chunk", i), logx.Err(err))
			}
			return partial(rec), classify(err)
		}
		rec.ExternalIDs = append(rec.ExternalIDs, strconv.Itoa(m.ID))
	}
	return partial(rec), nil
}

func (c *Client) copy(ctx context.Context, to tele.Recipient, p dispatch.Payload) (dispatch.Receipt, error) {
	src := p.CopyFrom
	var rec dispatch.Receipt
	if len(src.MessageIDs) > 1 {
		rec.GroupedID = fmt.Sprintf("%d:%d", src.ChatID, src.MessageIDs[0])
	}
	for i, id := range src.MessageIDs {
		if i > 0 && ctx.Err() != nil {
			return partial(rec), ctx.Err()
		}
		msg := tele.StoredMessage{MessageID: strconv.Itoa(id), ChatID: src.ChatID}
		m, err := guard(c.cb, func() (*tele.Message, error) { return c.bot.Copy(to, msg) })
		if err != nil {
			return partial(rec), classify(err)
		}
		rec.ExternalIDs = append(rec.ExternalIDs, strconv.Itoa(m.ID))
	}
	return partial(rec), nil
}

func partial(r dispatch.Receipt) dispatch.Receipt {
	if len(r.ExternalIDs) > 0 {
		r.ExternalID = r.ExternalIDs[0]
	}
	r.Count = len(r.ExternalIDs)
	return r
}

// Remove deletes one message. A message that is already gone counts as
// removed.
func (c *Client) Remove(_ context.Context, recipientID, externalID string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("telegram: delete needs a numeric chat id: %q", recipientID))
	}
	msg := tele.StoredMessage{MessageID: externalID, ChatID: chatID}
	_, err = guard(c.cb, func() (struct{}, error) { return struct{}{}, c.bot.Delete(msg) })
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) && strings.Contains(strings.ToLower(te.Description), "message to delete not found") {
		c.log.Debug("message already deleted", logx.String("chat", recipientID), logx.String("message", externalID))
		return nil
	}
	return classify(err)
}

// recipient addresses a chat by numeric ID or @username.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func parseRecipient(id string) (tele.Recipient, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("telegram: empty recipient")
	}
	if strings.HasPrefix(id, "@") {
		if len(id) < 2 {
			return nil, fmt.Errorf("telegram: invalid username %q", id)
		}
		return recipient(id), nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q", id)
	}
	return &tele.Chat{ID: n}, nil
}

// classify maps Bot API failures onto the dispatch error taxonomy: 429 is
// a flood wait, 400 and 403 are permanent, anything else is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &dispatch.FloodWaitError{Wait: time.Duration(fe.RetryAfter) * time.Second, Err: errors.New("telegram: too many requests")}
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) && fep != nil {
		return &dispatch.FloodWaitError{Wait: time.Duration(fep.RetryAfter) * time.Second, Err: errors.New("telegram: too many requests")}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case http.StatusBadRequest, http.StatusForbidden:
			return dispatch.Permanent(err)
		case http.StatusTooManyRequests:
			return &dispatch.FloodWaitError{Wait: time.Second, Err: err}
		}
	}
	return err
}
