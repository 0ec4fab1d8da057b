package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the DJ role before
// executing commands that control playback.
type PermissionChecker struct {
	djRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given DJ role ID.
func NewPermissionChecker(djRoleID string) *PermissionChecker {
	return &PermissionChecker{djRoleID: djRoleID}
}

// IsDJ checks whether the interaction author has the configured DJ role.
// If djRoleID is empty, everyone may control playback.
// Returns false if the interaction has no Member (e.g., DM channel interactions).
func (p *PermissionChecker) IsDJ(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if p.djRoleID == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, p.djRoleID)
}

// UserID extracts the user ID from an interaction, handling both guild
// (Member) and DM (User) contexts.
func UserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
