package common

import (
	"github.com/cespare/xxhash/v2"
)

// Color is a CSS hex color.
type Color string

// Palette is the fixed set of colors identities are mapped onto.
var Palette = []Color{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#9a6324",
	"#469990", "#800000", "#808000", "#000075",
}

// ColorFor maps a user id onto the palette. The same id always yields the
// same color on every client.
func ColorFor(userID string) Color {
	return Palette[xxhash.Sum64String(userID)%uint64(len(Palette))]
}

// Identity is the resolved local user. Never mutated after creation.
type Identity struct {
	UserID      string
	DisplayName string
	Color       Color
}

func NewIdentity(userID, displayName string) Identity {
	if displayName == "" {
		displayName = userID
	}
	return Identity{
		UserID:      userID,
		DisplayName: displayName,
		Color:       ColorFor(userID),
	}
}
