package chatstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "chats/c1/messages", MessagesPath("c1"))
	assert.Equal(t, "userChats/A/B", ContactPath("A", "B"))
	assert.Equal(t, "requests/B/A", RequestPath("B", "A"))
	assert.Equal(t, "typing/A", TypingEntryPath("A"))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(&FriendRequest{SenderId: "A", Status: StatusPending, SenderEmail: "a@example.com"}))

	err := Validate(&FriendRequest{SenderId: "A", Status: "accepted"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = Validate(&Msg{SenderId: "A", ConversationId: "c1", Timestamp: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "Text:required")
}

func TestErrorsWrapInvalidInput(t *testing.T) {
	for _, err := range []error{ErrEmptyMessage, ErrSelfRequest, ErrDuplicateRequest} {
		assert.True(t, errors.Is(err, ErrInvalidInput), err.Error())
	}
	assert.False(t, errors.Is(ErrPartialGraphWrite, ErrInvalidInput))
}

func TestValidId(t *testing.T) {
	assert.True(t, ValidId("u-1"))
	assert.False(t, ValidId(""))
	assert.False(t, ValidId("a/b"))
}
