package server

import (
	"chatrelay/models"
	"chatrelay/protocol"
)

// broadcastPresence notifies each of code's contacts that is currently
// online about an online/offline transition. Offline contacts are
// skipped; they recompute presence from a fresh snapshot when they
// next log in.
func (s *Server) broadcastPresence(code string, online bool) {
	contacts, err := s.store.Contacts(code)
	if err != nil {
		s.log.Error().Err(err).Str("code", code).Msg("loading contacts for presence broadcast")
		return
	}

	for _, peer := range contacts {
		s.push(peer, protocol.TypeOnlineStatus, protocol.OnlineStatus{Code: code, IsOnline: online})
	}
}

// pushContactList computes a fresh contact-list snapshot for code and
// delivers it if that code is online.
func (s *Server) pushContactList(code string) {
	conn, ok := s.registry.Lookup(code)
	if !ok {
		return
	}

	list, err := s.contactList(code)
	if err != nil {
		s.log.Error().Err(err).Str("code", code).Msg("building contact list")
		return
	}

	frame, err := protocol.Encode(protocol.TypeContactList, list)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding contact list")
		return
	}
	conn.Send(frame)
}

// contactList builds the snapshot: per contact the username, code,
// online flag from the registry, and the unread count for the viewer.
func (s *Server) contactList(viewerCode string) (protocol.ContactList, error) {
	peers, err := s.store.Contacts(viewerCode)
	if err != nil {
		return protocol.ContactList{}, err
	}

	entries := make([]models.ContactEntry, 0, len(peers))
	for _, peer := range peers {
		acc, err := s.store.AccountByCode(peer)
		if err != nil {
			return protocol.ContactList{}, err
		}
		unread, err := s.store.UnreadCount(viewerCode, peer)
		if err != nil {
			return protocol.ContactList{}, err
		}
		entries = append(entries, models.ContactEntry{
			Username:    acc.Username,
			Code:        acc.Code,
			IsOnline:    s.registry.IsOnline(peer),
			UnreadCount: unread,
		})
	}

	return protocol.ContactList{Contacts: entries}, nil
}
