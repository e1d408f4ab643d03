package contacts

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/samber/lo"

	"github.com/mqy/minisync/chatstore"
	"github.com/mqy/minisync/session"
	"github.com/mqy/minisync/store"
)

// SendFriendRequest writes requests/{toId}/{fromId}. Requests to self, a
// request already pending in either direction and a request between existing
// contacts are rejected before any write.
func (m *Manager) SendFriendRequest(ctx context.Context, fromId, fromName, fromEmail, toId string) error {
	if !chatstore.ValidId(fromId) || !chatstore.ValidId(toId) {
		return fmt.Errorf("%w: friend request %q -> %q", chatstore.ErrInvalidInput, fromId, toId)
	}
	if fromId == toId {
		return chatstore.ErrSelfRequest
	}
	req := &chatstore.FriendRequest{
		SenderId:    fromId,
		SenderName:  fromName,
		SenderEmail: fromEmail,
		Status:      chatstore.StatusPending,
		Timestamp:   m.now().UnixMilli(),
	}
	if err := chatstore.Validate(req); err != nil {
		return err
	}

	for _, path := range []string{
		chatstore.RequestPath(toId, fromId),
		chatstore.RequestPath(fromId, toId),
		chatstore.ContactPath(fromId, toId),
	} {
		snap, err := m.es.ReadOnce(ctx, path)
		if err != nil {
			return fmt.Errorf("friend request %s -> %s: %w", fromId, toId, err)
		}
		if snap.Exists() {
			return fmt.Errorf("%w: %s exists", chatstore.ErrDuplicateRequest, path)
		}
	}

	if err := m.es.Set(ctx, chatstore.RequestPath(toId, fromId), req); err != nil {
		return fmt.Errorf("friend request %s -> %s: %w", fromId, toId, err)
	}
	glog.V(5).Infof("contacts: request %s -> %s", fromId, toId)
	return nil
}

// RespondToRequest accepts or declines req, a request sent to principal.
// Accepting links both sides to a new conversation; the request is removed
// either way. It returns the new chat id on accept.
func (m *Manager) RespondToRequest(ctx context.Context, principal *session.Session, req chatstore.FriendRequest, accept bool) (string, error) {
	if req.Id == "" {
		req.Id = req.SenderId
	}
	if !chatstore.ValidId(req.Id) || !chatstore.ValidId(req.SenderId) {
		return "", fmt.Errorf("%w: request id %q", chatstore.ErrInvalidInput, req.Id)
	}
	p := principal.PrincipalID
	requestPath := chatstore.RequestPath(p, req.Id)

	if !accept {
		if err := m.es.Remove(ctx, requestPath); err != nil {
			return "", fmt.Errorf("decline %s: %w", requestPath, err)
		}
		glog.V(5).Infof("contacts: %s declined %s", p, req.SenderId)
		return "", nil
	}

	chatId := chatstore.NewChatId()
	now := m.now().UnixMilli()
	own := chatstore.Contact{
		UserId:      req.SenderId,
		DisplayName: lo.Ternary(req.SenderName != "", req.SenderName, req.SenderId),
		ChatId:      chatId,
		Timestamp:   now,
	}
	mirror := chatstore.Contact{
		UserId:      p,
		DisplayName: principal.DisplayName,
		ChatId:      chatId,
		Timestamp:   now,
	}
	ownPath := chatstore.ContactPath(p, req.SenderId)
	mirrorPath := chatstore.ContactPath(req.SenderId, p)

	if m.opts.Atomic {
		if err := m.es.Update(ctx, "", map[string]any{
			ownPath:     own,
			mirrorPath:  mirror,
			requestPath: nil,
		}); err != nil {
			return "", fmt.Errorf("accept %s: %w", requestPath, err)
		}
	} else {
		if err := m.es.Set(ctx, ownPath, own); err != nil {
			return "", fmt.Errorf("accept %s: %w", requestPath, err)
		}
		if err := m.es.Set(ctx, mirrorPath, mirror); err != nil {
			return "", fmt.Errorf("%w: accept %s, write %s: %w", chatstore.ErrPartialGraphWrite, requestPath, mirrorPath, err)
		}
		if err := m.es.Remove(ctx, requestPath); err != nil {
			return "", fmt.Errorf("%w: accept %s, remove request: %w", chatstore.ErrPartialGraphWrite, requestPath, err)
		}
	}
	glog.V(5).Infof("contacts: %s accepted %s, chat %s", p, req.SenderId, chatId)
	return chatId, nil
}

// RecordMessage sets lastMessage and timestamp on both contact records of
// the pair, after a message was sent.
func (m *Manager) RecordMessage(ctx context.Context, senderId, peerId, text string, timestamp int64) error {
	fields := func(owner, peer string) map[string]any {
		path := chatstore.ContactPath(owner, peer)
		return map[string]any{
			path + "/lastMessage": text,
			path + "/timestamp":   timestamp,
		}
	}
	own, mirror := fields(senderId, peerId), fields(peerId, senderId)

	if m.opts.Atomic {
		if err := m.es.Update(ctx, "", lo.Assign(own, mirror)); err != nil {
			return fmt.Errorf("record message %s -> %s: %w", senderId, peerId, err)
		}
		return nil
	}
	if err := m.es.Update(ctx, "", own); err != nil {
		return fmt.Errorf("record message %s -> %s: %w", senderId, peerId, err)
	}
	if err := m.es.Update(ctx, "", mirror); err != nil {
		return fmt.Errorf("%w: record message %s -> %s: %w", chatstore.ErrPartialGraphWrite, senderId, peerId, err)
	}
	return nil
}

// Reconcile repairs half-linked relationships of principal:
//   - a contact whose mirror is missing, partial or points at another chat
//   - a partial own record (no chat id) whose mirror survived
//   - a request from a peer that is already a contact, in either direction
//
// Each pair is repaired with one atomic Update. It returns the number of
// repaired pairs.
func (m *Manager) Reconcile(ctx context.Context, principal *session.Session) (int, error) {
	p := principal.PrincipalID
	ownSnap, err := m.es.ReadOnce(ctx, chatstore.ContactsPath(p))
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", p, err)
	}
	reqSnap, err := m.es.ReadOnce(ctx, chatstore.RequestsPath(p))
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", p, err)
	}

	peers := make(map[string]struct{})
	for _, c := range ownSnap.Children() {
		peers[c.Key()] = struct{}{}
	}
	for _, c := range reqSnap.Children() {
		peers[c.Key()] = struct{}{}
	}

	var repaired int
	for _, peer := range lo.Keys(peers) {
		fields, err := m.reconcilePair(ctx, principal, peer, ownSnap.Child(peer), reqSnap.Child(peer))
		if err != nil {
			return repaired, err
		}
		if len(fields) == 0 {
			continue
		}
		if err := m.es.Update(ctx, "", fields); err != nil {
			return repaired, fmt.Errorf("reconcile %s <-> %s: %w", p, peer, err)
		}
		glog.Infof("contacts: reconciled %s <-> %s: %v", p, peer, lo.Keys(fields))
		repaired++
	}
	return repaired, nil
}

// reconcilePair returns the Update fields repairing the pair, nil if healthy.
func (m *Manager) reconcilePair(ctx context.Context, principal *session.Session, peer string,
	ownSnap, reqSnap store.Snapshot) (map[string]any, error) {
	p := principal.PrincipalID
	ownPath := chatstore.ContactPath(p, peer)
	mirrorPath := chatstore.ContactPath(peer, p)

	mirrorSnap, err := m.es.ReadOnce(ctx, mirrorPath)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s <-> %s: %w", p, peer, err)
	}
	outgoing, err := m.es.ReadOnce(ctx, chatstore.RequestPath(peer, p))
	if err != nil {
		return nil, fmt.Errorf("reconcile %s <-> %s: %w", p, peer, err)
	}

	var own, mirror chatstore.Contact
	if ownSnap.Exists() {
		if err := ownSnap.Decode(&own); err != nil {
			return nil, fmt.Errorf("reconcile %s: decode %s: %w", p, ownPath, err)
		}
	}
	if mirrorSnap.Exists() {
		if err := mirrorSnap.Decode(&mirror); err != nil {
			return nil, fmt.Errorf("reconcile %s: decode %s: %w", p, mirrorPath, err)
		}
	}

	fields := make(map[string]any)
	chatId := own.ChatId
	switch {
	case own.ChatId == "" && mirror.ChatId == "":
		// not linked; partial leftovers of RecordMessage only
		if ownSnap.Exists() {
			fields[ownPath] = nil
		}
		if mirrorSnap.Exists() {
			fields[mirrorPath] = nil
		}
		return fields, nil
	case own.ChatId == "":
		chatId = mirror.ChatId
	case mirror.ChatId != "" && mirror.ChatId != own.ChatId:
		// both sides linked to different chats; both peers pick the same one
		chatId = lo.Min([]string{own.ChatId, mirror.ChatId})
		glog.Warningf("contacts: %s <-> %s linked to chats %s and %s, keep %s",
			p, peer, own.ChatId, mirror.ChatId, chatId)
	}

	timestamp := lo.Max([]int64{own.Timestamp, mirror.Timestamp})
	lastMessage := lo.Ternary(own.Timestamp >= mirror.Timestamp, own.LastMessage, mirror.LastMessage)

	if own.ChatId != chatId || own.UserId == "" {
		name, _ := reqSnap.Child("senderName").Value().(string)
		fields[ownPath] = chatstore.Contact{
			UserId:      peer,
			DisplayName: lo.CoalesceOrEmpty(own.DisplayName, name, peer),
			ChatId:      chatId,
			Timestamp:   timestamp,
			LastMessage: lastMessage,
		}
	}
	if mirror.ChatId != chatId || mirror.UserId == "" {
		fields[mirrorPath] = chatstore.Contact{
			UserId:      p,
			DisplayName: lo.CoalesceOrEmpty(mirror.DisplayName, principal.DisplayName, p),
			ChatId:      chatId,
			Timestamp:   timestamp,
			LastMessage: lastMessage,
		}
	}
	if reqSnap.Exists() {
		fields[chatstore.RequestPath(p, peer)] = nil
	}
	if outgoing.Exists() {
		fields[chatstore.RequestPath(peer, p)] = nil
	}
	return fields, nil
}
