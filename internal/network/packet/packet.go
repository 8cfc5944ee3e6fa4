// Package packet defines the wire contract shared with game clients: packet
// identifiers, the outbound Envelope and its array serialization, and
// decoding of inbound frames.
//
// Every frame on the wire is a JSON array of serialized envelopes. An
// envelope serializes to [id, payload] or [id, opcode, payload], optionally
// followed by an integer size hint.
package packet

import "fmt"

// ID identifies a packet family. Values are positional and shared with the
// client; append new identifiers at the end only.
type ID int

const (
	Handshake ID = iota
	Login
	Welcome
	Map
	Player
	Update
	Spawn
	List
	Sync
	Equipment
	Movement
	Teleport
	Despawn
	Combat
	Animation
	Projectile
	Population
	Points
	Network
	Chat
	Command
	Container
	Ability
	Quest
	Achievement
	Notification
	Blink
	Heal
	Experience
	Death
	Store
	Overlay
	Camera
	Bubble
	Skill
	Enchant
	Guild
	Pointer
	PVP
	Poison
	Music
	Countdown
	Minigame
	Effect
	Friends
	Rank
	Crafting
	LootBag
	Relay
	Interface
	Connected
	Respawn
	Trade
	Resource
	NPC

	idCount
)

var idNames = [...]string{
	"Handshake", "Login", "Welcome", "Map", "Player", "Update", "Spawn", "List",
	"Sync", "Equipment", "Movement", "Teleport", "Despawn", "Combat", "Animation",
	"Projectile", "Population", "Points", "Network", "Chat", "Command", "Container",
	"Ability", "Quest", "Achievement", "Notification", "Blink", "Heal", "Experience",
	"Death", "Store", "Overlay", "Camera", "Bubble", "Skill", "Enchant", "Guild",
	"Pointer", "PVP", "Poison", "Music", "Countdown", "Minigame", "Effect", "Friends",
	"Rank", "Crafting", "LootBag", "Relay", "Interface", "Connected", "Respawn",
	"Trade", "Resource", "NPC",
}

// Valid reports whether id belongs to the enumeration.
func (id ID) Valid() bool {
	return id >= 0 && id < idCount
}

// String returns the identifier name, or "ID(n)" for unknown values.
func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("ID(%d)", int(id))
	}
	return idNames[id]
}
