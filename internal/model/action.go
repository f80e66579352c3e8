package model

import (
	"slices"
	"strings"
)

// ActionDefinition names a gated unit of work.
type ActionDefinition struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

const (
	ActionChat             = 1
	ActionAttachmentUpload = 2
	ActionSpeechToText     = 3
	ActionTextToSpeech     = 4
	ActionMapsSearch       = 5
	ActionTransitRoute     = 6
	ActionRestaurantSearch = 7
	ActionWeather          = 8
	ActionConversationRead = 9
)

// actions is the fixed action registry, ordered by id.
var actions = []ActionDefinition{
	{ActionChat, "chat"},
	{ActionAttachmentUpload, "attachment_upload"},
	{ActionSpeechToText, "speech_to_text"},
	{ActionTextToSpeech, "text_to_speech"},
	{ActionMapsSearch, "maps_search"},
	{ActionTransitRoute, "transit_route"},
	{ActionRestaurantSearch, "restaurant_search"},
	{ActionWeather, "weather"},
	{ActionConversationRead, "conversation_read"},
}

// Actions returns a copy of the action registry, ordered by id.
func Actions() []ActionDefinition {
	return slices.Clone(actions)
}

// LookupAction returns the action with the given id.
func LookupAction(id int) (ActionDefinition, bool) {
	for _, a := range actions {
		if a.ID == id {
			return a, true
		}
	}
	return ActionDefinition{}, false
}

// ActionByName returns the action with the given name, ignoring case.
func ActionByName(name string) (ActionDefinition, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, a := range actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionDefinition{}, false
}

// ActionName returns the registered name for id, or "unknown".
func ActionName(id int) string {
	if a, ok := LookupAction(id); ok {
		return a.Name
	}
	return "unknown"
}
