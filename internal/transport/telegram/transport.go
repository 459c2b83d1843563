// Package telegram is the Bot API transport. Pairing binds the bot to the chat
// that opens the bot's deep link; recipients register by sharing their contact,
// which maps their phone number onto a chat the bot may write to.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string
	// ContactPrompt is the text shown with the share-contact button.
	ContactPrompt string
	// Heartbeat is how often a live session checks the Bot API is reachable.
	Heartbeat time.Duration
}

const (
	defaultHeartbeat = 30 * time.Second
	// lostAfter consecutive poll or heartbeat network failures drop the session.
	lostAfter = 2
)

const defaultContactPrompt = "شارك رقم هاتفك لتصلك الإشعارات\nShare your phone number to receive notifications."

type Transport struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	events  chan<- transport.Event
	sess    *session
	pairing string
	sup     *rtsup.Supervisor

	netFailures int
	lost        bool
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.ContactPrompt) == "" {
		cfg.ContactPrompt = defaultContactPrompt
	}
	t := &Transport{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		OnError: t.onError,
	})
	if err != nil {
		return nil, err
	}
	t.bot = b
	t.registerHandlers()
	return t, nil
}

// onError receives handler failures and, with a nil context, poller failures.
func (t *Transport) onError(err error, c tele.Context) {
	if c != nil {
		t.log.Warn("telegram handler error", logx.Err(err))
		return
	}
	t.log.Debug("telegram poll error", logx.Err(err))
	switch {
	case isUnauthorized(err):
		t.disconnect("bot token revoked")
	case isNetworkError(err):
		t.networkFailed(err)
	}
}

func (t *Transport) networkFailed(err error) {
	t.mu.Lock()
	t.netFailures++
	n := t.netFailures
	t.mu.Unlock()
	if n >= lostAfter {
		t.log.Warn("telegram unreachable", logx.Int("failures", n), logx.Err(err))
		t.disconnect("network unreachable")
	}
}

func (t *Transport) networkOK() {
	t.mu.Lock()
	t.netFailures = 0
	t.mu.Unlock()
}

// heartbeat calls getMe so an outage is noticed even with nothing to send.
func (t *Transport) heartbeat(ctx context.Context) {
	tick := time.NewTicker(t.cfg.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		_, err := t.bot.Raw("getMe", nil)
		switch {
		case err == nil:
			t.networkOK()
		case ctx.Err() != nil:
			return
		case isUnauthorized(err):
			t.disconnect("bot token revoked")
		case isNetworkError(err):
			t.networkFailed(err)
		default:
			t.log.Debug("heartbeat failed", logx.Err(err))
		}
	}
}

func (t *Transport) registerHandlers() {
	t.bot.Handle("/start", t.onStart)
	t.bot.Handle(tele.OnContact, t.onContact)
}

// Initialize resumes the stored session, or issues a pairing deep link when
// there is none. A session recorded for another bot is rejected.
func (t *Transport) Initialize(ctx context.Context, credential []byte, events chan<- transport.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Raw("getMe", nil); err != nil {
		if isUnauthorized(err) {
			return fmt.Errorf("bot token rejected: %w", err)
		}
		return fmt.Errorf("telegram unreachable: %w", err)
	}

	var sess *session
	if credential != nil {
		s, err := decodeSession(credential, t.bot.Me.ID)
		if err != nil {
			t.log.Warn("stored session unusable", logx.Err(err))
			return fmt.Errorf("%w: %w", transport.ErrCredentialRejected, err)
		}
		sess = s
	}

	t.mu.Lock()
	t.events = events
	t.sess = sess
	t.pairing = ""
	t.netFailures = 0
	t.lost = false
	if sess == nil {
		t.pairing = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	code := t.pairing
	sup := t.startLocked()
	t.mu.Unlock()

	if sess != nil {
		raw, err := sess.encode()
		if err != nil {
			return err
		}
		t.log.Info("resuming telegram session", logx.Int("recipients", len(sess.Recipients)))
		sup.Go0("session.resume", func(c context.Context) {
			if transport.Emit(c, events, transport.Event{Kind: transport.EventAuthenticated, Credential: raw}) {
				transport.Emit(c, events, transport.Event{Kind: transport.EventReady, Credential: raw})
			}
		})
		return nil
	}

	link := deepLink(t.bot.Me.Username, code)
	t.log.Info("telegram pairing required; open the bot link from the owner account", logx.String("bot", t.bot.Me.Username))
	sup.Go0("session.pairing_code", func(c context.Context) {
		transport.Emit(c, events, transport.Event{Kind: transport.EventPairingCode, PairingCode: link})
	})
	return nil
}

// startLocked launches polling once per session lifetime. Caller holds t.mu.
func (t *Transport) startLocked() *rtsup.Supervisor {
	if t.sup != nil {
		return t.sup
	}
	sup := rtsup.New(context.Background(),
		rtsup.WithLogger(t.log.With(logx.String("comp", "telegram.poll"))),
		rtsup.WithCancelOnError(false),
	)
	t.sup = sup

	bot := t.bot
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		go bot.Stop()
	})
	sup.Go0("telegram.heartbeat", t.heartbeat)
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		t.log.Info("polling started")
		bot.Start()
		t.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return sup
}

func (t *Transport) onStart(c tele.Context) error {
	payload := strings.TrimSpace(c.Message().Payload)
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	t.mu.Lock()
	pairing := t.pairing
	if pairing != "" && payload == pairing && t.sess == nil {
		t.sess = &session{
			BotID:       t.bot.Me.ID,
			OwnerChatID: c.Chat().ID,
			PairedAt:    time.Now().UTC(),
			Recipients:  map[string]int64{},
		}
		t.pairing = ""
		raw, err := t.sess.encode()
		events, sup := t.events, t.sup
		t.mu.Unlock()
		if err != nil {
			return err
		}

		t.log.Info("telegram session paired", logx.Int64("owner", sender.ID))
		if sup != nil {
			sup.Go0("session.paired", func(ctx context.Context) {
				if transport.Emit(ctx, events, transport.Event{Kind: transport.EventAuthenticated, Credential: raw}) {
					transport.Emit(ctx, events, transport.Event{Kind: transport.EventReady, Credential: raw})
				}
			})
		}
		return c.Send("✅ Paired. This bot now relays notifications.")
	}
	t.mu.Unlock()

	return c.Send(t.cfg.ContactPrompt, contactKeyboard())
}

func contactKeyboard() *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
	menu.Reply(menu.Row(menu.Contact("📱 Share phone number")))
	return menu
}

// onContact registers the sender's own phone number. Contacts of other people
// are ignored so nobody can subscribe a number they do not own.
func (t *Transport) onContact(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Contact == nil || c.Sender() == nil {
		return nil
	}
	if m.Contact.UserID != c.Sender().ID {
		return c.Send("Please share your own contact using the button.", contactKeyboard())
	}
	phone := phoneDigits(m.Contact.PhoneNumber)
	if phone == "" {
		return nil
	}

	t.mu.Lock()
	if t.sess == nil {
		t.mu.Unlock()
		return c.Send("The service is not ready yet, please try again later.")
	}
	t.sess.Recipients[phone] = c.Chat().ID
	raw, err := t.sess.encode()
	events, sup := t.events, t.sup
	t.mu.Unlock()
	if err != nil {
		return err
	}

	t.log.Info("recipient registered", logx.Recipient(phone))
	if sup != nil {
		sup.Go0("session.recipient", func(ctx context.Context) {
			transport.Emit(ctx, events, transport.Event{Kind: transport.EventCredentialUpdated, Credential: raw})
		})
	}
	return c.Send("✅ تم التسجيل / Registered.", &tele.ReplyMarkup{RemoveKeyboard: true})
}

func (t *Transport) chatFor(recipientID string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return 0, transport.ErrNotConnected
	}
	chat, ok := t.sess.Recipients[recipientID]
	if !ok {
		return 0, fmt.Errorf("%w: %s has not shared a contact", transport.ErrRecipientUnknown, logx.MaskID(recipientID))
	}
	return chat, nil
}

func (t *Transport) SendMessage(ctx context.Context, recipientID, payload string) error {
	chatID, err := t.chatFor(recipientID)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(payload, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: tele.ModeMarkdown, DisableWebPagePreview: true})
		if err != nil {
			switch {
			case isUnauthorized(err):
				t.disconnect("bot token revoked")
			case isNetworkError(err):
				t.log.Warn("telegram send failed below the api", logx.Err(err))
				t.disconnect("network unreachable")
			}
			return classify(err)
		}
	}
	t.networkOK()
	return nil
}

// disconnect reports the session lost, at most once per Initialize.
func (t *Transport) disconnect(reason string) {
	t.mu.Lock()
	events, sup := t.events, t.sup
	if sup == nil || t.lost {
		t.mu.Unlock()
		return
	}
	t.lost = true
	t.mu.Unlock()
	sup.Go0("session.disconnected", func(ctx context.Context) {
		transport.Emit(ctx, events, transport.Event{Kind: transport.EventDisconnected, Reason: reason})
	})
}

func (t *Transport) IsKnownRecipient(_ context.Context, recipientID string) (bool, error) {
	_, err := t.chatFor(recipientID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, transport.ErrRecipientUnknown):
		return false, nil
	default:
		return false, err
	}
}

func (t *Transport) Credential(context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil, nil
	}
	return t.sess.clone().encode()
}

// Shutdown stops polling. Long polls are not waited on for more than a couple
// of seconds.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	sup := t.sup
	t.sup = nil
	t.events = nil
	t.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}
