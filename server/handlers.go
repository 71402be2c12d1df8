package server

import (
	"errors"

	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/store"
)

func (c *client) handleSignup(op protocol.SignupOp) {
	if op.Username == "" || op.Secret == "" {
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "username and secret required"})
		return
	}

	code, err := c.srv.store.CreateAccount(op.Username, op.Secret)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "username already taken"})
		} else {
			c.log.Error().Err(err).Msg("signup failed")
			c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
		}
		return
	}

	// The new account is not yet authenticated; the client logs in next.
	c.sendEvent(protocol.TypeSignupSuccess, protocol.SignupSuccess{Code: code})
}

func (c *client) handleLogin(op protocol.LoginOp) {
	if c.sess.authenticated {
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "already authenticated"})
		return
	}

	acc, err := c.srv.store.Authenticate(op.Username, op.Secret)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) {
			c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "invalid credentials"})
		} else {
			c.log.Error().Err(err).Msg("login failed")
			c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
		}
		return
	}

	c.bind(acc)
}

// handleResume restores a session from a previously issued token. It
// trusts the (username, code) pair without re-checking the secret; the
// binding and broadcast tail is identical to login.
func (c *client) handleResume(op protocol.ResumeOp) {
	if c.sess.authenticated {
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "already authenticated"})
		return
	}

	acc, err := c.srv.store.AccountByUsername(op.Username)
	if err != nil || acc.Code != op.Code {
		if err != nil && !errors.Is(err, store.ErrUnknownAccount) {
			c.log.Error().Err(err).Msg("resume failed")
			c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
			return
		}
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "invalid session"})
		return
	}

	c.bind(acc)
}

// bind transitions the session to Authenticated, registers the
// connection, and runs the login tail: success reply, contact-list
// snapshot, presence broadcast.
func (c *client) bind(acc models.Account) {
	c.sess = session{authenticated: true, username: acc.Username, code: acc.Code}

	// Send reads c.log from peer goroutines under c.mu; swap the logger
	// under the same lock.
	log := c.srv.log.With().Str("code", acc.Code).Str("user", acc.Username).Logger()
	c.mu.Lock()
	c.log = log
	c.mu.Unlock()

	c.srv.registry.Bind(acc.Code, c)
	c.log.Info().Msg("session bound")

	c.sendEvent(protocol.TypeLoginSuccess, protocol.LoginSuccess{Username: acc.Username, Code: acc.Code})
	c.srv.pushContactList(acc.Code)
	c.srv.broadcastPresence(acc.Code, true)
}

func (c *client) handleAddContact(op protocol.AddContactOp) {
	err := c.srv.store.AddContact(c.sess.code, op.TargetCode)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSelfContact):
			c.sendEvent(protocol.TypeAddContactError, protocol.ErrorPayload{Message: "cannot add your own code"})
		case errors.Is(err, store.ErrUnknownContact):
			c.sendEvent(protocol.TypeAddContactError, protocol.ErrorPayload{Message: "unknown contact code"})
		default:
			c.log.Error().Err(err).Msg("add contact failed")
			c.sendEvent(protocol.TypeAddContactError, protocol.ErrorPayload{Message: "internal error"})
		}
		return
	}

	// Both parties see the refreshed snapshot; the target only if online.
	c.srv.pushContactList(c.sess.code)
	c.srv.pushContactList(op.TargetCode)
}

// handleGetChat returns the full ordered log for the pair. It does not
// touch read state: the client marks messages read explicitly once
// they are rendered.
func (c *client) handleGetChat(op protocol.GetChatOp) {
	target, err := c.srv.store.AccountByCode(op.TargetCode)
	if err != nil {
		if !errors.Is(err, store.ErrUnknownAccount) {
			c.log.Error().Err(err).Msg("chat lookup failed")
			c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
			return
		}
		c.log.Warn().Str("target", op.TargetCode).Msg("chat requested for unknown code")
		return
	}

	messages, err := c.srv.store.History(c.sess.code, op.TargetCode)
	if err != nil {
		c.log.Error().Err(err).Msg("history fetch failed")
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	c.sendEvent(protocol.TypeChatHistory, protocol.ChatHistory{
		Messages: messages,
		WithUser: target.Username,
		IsOnline: c.srv.registry.IsOnline(op.TargetCode),
	})
}

func (c *client) handleSendMessage(op protocol.SendMessageOp) {
	// Empty text is silently dropped. Sender identity comes from the
	// binding, never the payload.
	if op.Text == "" {
		return
	}

	exists, err := c.srv.store.CodeExists(op.ReceiverCode)
	if err != nil {
		c.log.Error().Err(err).Msg("receiver lookup failed")
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
		return
	}
	if !exists || op.ReceiverCode == c.sess.code {
		c.log.Warn().Str("receiver", op.ReceiverCode).Msg("dropping message to invalid receiver")
		return
	}

	msg, err := c.srv.store.AppendMessage(c.sess.code, op.ReceiverCode, op.Text)
	if err != nil {
		// Not durable, so neither party may observe it.
		c.log.Error().Err(err).Msg("message append failed")
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
		return
	}

	// Delivery and the sender ack are independent: the receiver gets the
	// message only if online, the sender is always reconciled with the
	// server-assigned id and timestamp.
	c.srv.push(op.ReceiverCode, protocol.TypeNewMessage, protocol.NewMessage{Message: msg})
	c.sendEvent(protocol.TypeMessageSent, protocol.MessageSent{Message: msg})
}

// handleTyping relays the indicator verbatim if the target is online
// and drops it otherwise. Typing has no retroactive meaning, so
// nothing is queued and nothing is persisted; the receiving client owns
// the auto-expiring display.
func (c *client) handleTyping(op protocol.TypingOp) {
	c.srv.push(op.ReceiverCode, protocol.TypeTyping, protocol.Typing{FromCode: c.sess.code})
}

func (c *client) handleReadMessage(op protocol.ReadMessageOp) {
	sender, changed, err := c.srv.store.MarkRead(c.sess.code, op.MessageID)
	if err != nil {
		c.log.Error().Err(err).Msg("mark read failed")
		c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "internal error"})
		return
	}
	if !changed {
		// Already read: no further notification.
		return
	}

	// The receipt goes to the stored sender; the senderCode in the
	// payload is client-supplied and cannot aim a receipt elsewhere.
	c.srv.push(sender, protocol.TypeReadReceipt, protocol.ReadReceipt{
		MessageID: op.MessageID,
		Reader:    c.sess.code,
	})
}
