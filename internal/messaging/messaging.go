// Package messaging delivers notifications to group chats and direct
// conversations.
package messaging

import (
	"context"

	"memevault/internal/domain"
)

// Gateway is the boundary to the chat platform. Actions are rendered as
// inline buttons whose callback data is the encoded action.
type Gateway interface {
	SendMessage(ctx context.Context, chatID, text string, actions ...domain.Action) error
	SendPhoto(ctx context.Context, chatID, media, caption string, actions ...domain.Action) error
	GroupSize(ctx context.Context, groupID string) (int, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// AdminLister is implemented by gateways that can enumerate a group's
// administrators.
type AdminLister interface {
	Administrators(ctx context.Context, groupID string) ([]string, error)
}
