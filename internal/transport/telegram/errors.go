package telegram

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/delivery"
	"relaybot/internal/transport"
)

// classify maps Bot API failures onto the relay's error taxonomy. Chats the bot
// can never reach become transport.ErrRecipientUnknown and flood control carries
// a retry hint. Other bad requests are permanent; anything else is retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrNotStartedByUser) {
		return fmt.Errorf("%w: %w", transport.ErrRecipientUnknown, err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return delivery.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return delivery.RetryAfter(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil && apiErr.Code == 403 {
		return fmt.Errorf("%w: %w", transport.ErrRecipientUnknown, err)
	}
	if isBadRequest(err) {
		return delivery.Permanent(err)
	}
	return err
}

// isBadRequest matches 400 replies. Descriptions telebot does not know come
// back as plain errors, so the text is checked too.
func isBadRequest(err error) bool {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil && apiErr.Code == 400 {
		return true
	}
	return strings.Contains(err.Error(), "Bad Request")
}

// isNetworkError reports failures below the Bot API: dial, TLS, timeouts.
func isNetworkError(err error) bool {
	var ne net.Error
	return err != nil && errors.As(err, &ne)
}

func isUnauthorized(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	var apiErr *tele.Error
	return errors.As(err, &apiErr) && apiErr != nil && apiErr.Code == 401
}
