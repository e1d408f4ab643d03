package chatstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const StatusPending = "pending"

var (
	// ErrInvalidInput is returned for requests rejected before any store call.
	ErrInvalidInput = errors.New("invalid input")

	ErrEmptyMessage     = fmt.Errorf("%w: empty message", ErrInvalidInput)
	ErrSelfRequest      = fmt.Errorf("%w: friend request to self", ErrInvalidInput)
	ErrDuplicateRequest = fmt.Errorf("%w: duplicate friend request", ErrInvalidInput)

	// ErrPartialGraphWrite reports that some, not all, writes of a contact graph
	// mutation were committed. Contacts.Reconcile repairs it.
	ErrPartialGraphWrite = errors.New("partial contact graph write")
)

// Msg is one chat message, stored at chats/{chatId}/messages/{id}. The id is
// the store key and is not part of the stored value.
type Msg struct {
	Id             string `json:"-"`
	Text           string `json:"text" validate:"required"`
	SenderId       string `json:"senderId" validate:"required"`
	SenderName     string `json:"senderName"`
	Timestamp      int64  `json:"timestamp" validate:"gt=0"`
	ConversationId string `json:"conversationId" validate:"required"`
}

// Contact is the per-owner record of a relationship, at userChats/{ownerId}/{peerId}.
type Contact struct {
	UserId      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName"`
	ChatId      string `json:"chatId" validate:"required"`
	Timestamp   int64  `json:"timestamp"`
	LastMessage string `json:"lastMessage,omitempty"`
}

// FriendRequest is stored at requests/{recipientId}/{senderId}; its id is the
// sender id.
type FriendRequest struct {
	Id          string `json:"-"`
	SenderId    string `json:"senderId" validate:"required"`
	SenderName  string `json:"senderName"`
	SenderEmail string `json:"senderEmail,omitempty" validate:"omitempty,email"`
	Status      string `json:"status" validate:"eq=pending"`
	Timestamp   int64  `json:"timestamp"`
}

// TypingEntry is stored at typing/{principalId}.
type TypingEntry struct {
	PrincipalId string `json:"-"`
	Username    string `json:"username"`
	Timestamp   int64  `json:"timestamp" validate:"gt=0"`
}

// Store paths.

func MessagesPath(chatId string) string {
	return "chats/" + chatId + "/messages"
}

func ContactsPath(ownerId string) string {
	return "userChats/" + ownerId
}

func ContactPath(ownerId, peerId string) string {
	return "userChats/" + ownerId + "/" + peerId
}

func RequestsPath(recipientId string) string {
	return "requests/" + recipientId
}

func RequestPath(recipientId, senderId string) string {
	return "requests/" + recipientId + "/" + senderId
}

const TypingPath = "typing"

func TypingEntryPath(principalId string) string {
	return TypingPath + "/" + principalId
}

// NewChatId returns a collision resistant conversation id.
func NewChatId() string {
	return uuid.NewString()
}

var validate = validator.New()

// Validate checks v against its struct tags. Failures wrap ErrInvalidInput.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidId reports whether id can be used as a single store path segment.
func ValidId(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/.#$[]")
}
