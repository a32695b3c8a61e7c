// Package checkpoint drives the timed script of a live session: a static
// catalog of conversation structures and a per-session scheduler that
// delivers each scripted prompt exactly once.
package checkpoint

import (
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
)

// Blueprint is the read-only script for one conversation structure.
type Blueprint struct {
	Structure   domain.SessionStructure
	Topic       string
	Objectives  []string
	Duration    time.Duration
	Checkpoints []domain.Checkpoint
}

// TopicOr returns the caller's topic when set, otherwise the blueprint
// default.
func (b Blueprint) TopicOr(topic string) string {
	if topic != "" {
		return topic
	}
	return b.Topic
}

// Catalog is the static structure lookup. It is configuration, not state.
type Catalog map[domain.SessionStructure]Blueprint

// Get returns the blueprint for a structure.
func (c Catalog) Get(structure domain.SessionStructure) (Blueprint, bool) {
	b, ok := c[structure]
	return b, ok
}

// ForTopic picks a blueprint for a match. A requested topic selects the
// practice_specific script; otherwise the icebreaker script opens the
// conversation.
func (c Catalog) ForTopic(topic string) Blueprint {
	if topic != "" {
		if b, ok := c[domain.StructurePracticeSpecific]; ok {
			return b
		}
	}
	if b, ok := c[domain.StructureIcebreaker]; ok {
		return b
	}
	for _, b := range c {
		return b
	}
	return Blueprint{}
}

// Default returns the built-in conversation catalog.
func Default() Catalog {
	return Catalog{
		domain.StructureIcebreaker: {
			Structure: domain.StructureIcebreaker,
			Topic:     "getting to know each other",
			Objectives: []string{
				"Introduce yourself and ask follow-up questions",
				"Keep the conversation balanced between both speakers",
			},
			Duration: 10 * time.Minute,
			Checkpoints: []domain.Checkpoint{
				{Offset: 0, Prompt: "Introduce yourselves: name, where you live, and one thing you enjoy.", Type: "intro"},
				{Offset: 3 * time.Minute, Prompt: "Ask your partner about their week. Use at least one past tense.", Type: "topic_shift"},
				{Offset: 6 * time.Minute, Prompt: "Find one thing you both have in common and discuss it.", Type: "topic_shift"},
				{Offset: 9 * time.Minute, Prompt: "Wrap up: summarize one interesting thing you learned about your partner.", Type: "wrap_up"},
			},
		},
		domain.StructureRolePlay: {
			Structure: domain.StructureRolePlay,
			Topic:     "everyday situations",
			Objectives: []string{
				"Stay in character for the whole scenario",
				"Practice polite requests and clarification questions",
			},
			Duration: 12 * time.Minute,
			Checkpoints: []domain.Checkpoint{
				{Offset: 0, Prompt: "Scenario: one of you is a hotel guest with a problem, the other works reception. Begin.", Type: "intro"},
				{Offset: 4 * time.Minute, Prompt: "Guest: escalate politely. Receptionist: offer two alternative solutions.", Type: "complication"},
				{Offset: 8 * time.Minute, Prompt: "Swap roles and restart the scenario with a new problem.", Type: "role_swap"},
				{Offset: 11 * time.Minute, Prompt: "Step out of character and tell each other one phrase the other used well.", Type: "wrap_up"},
			},
		},
		domain.StructureDebate: {
			Structure: domain.StructureDebate,
			Topic:     "technology in daily life",
			Objectives: []string{
				"Defend an assigned position with structured arguments",
				"Use linking words to agree, disagree, and concede",
			},
			Duration: 15 * time.Minute,
			Checkpoints: []domain.Checkpoint{
				{Offset: 0, Prompt: "Motion: social media does more good than harm. Decide who argues for and against.", Type: "intro"},
				{Offset: 5 * time.Minute, Prompt: "Opening statements are done. Challenge your partner's weakest argument.", Type: "rebuttal"},
				{Offset: 9 * time.Minute, Prompt: "Concede one point to your partner, then explain why your position still holds.", Type: "concession"},
				{Offset: 13 * time.Minute, Prompt: "Closing statements: one minute each, no new arguments.", Type: "wrap_up"},
			},
		},
		domain.StructureStoryExchange: {
			Structure: domain.StructureStoryExchange,
			Topic:     "personal stories",
			Objectives: []string{
				"Tell a structured story with a beginning, middle, and end",
				"Ask at least three questions about your partner's story",
			},
			Duration: 12 * time.Minute,
			Checkpoints: []domain.Checkpoint{
				{Offset: 0, Prompt: "Speaker one: tell a story about a trip that did not go as planned.", Type: "intro"},
				{Offset: 4 * time.Minute, Prompt: "Listener: retell the story back in your own words, then swap.", Type: "retell"},
				{Offset: 8 * time.Minute, Prompt: "Speaker two: your story now. Listener: interrupt twice with questions.", Type: "swap"},
				{Offset: 11 * time.Minute, Prompt: "Decide together which story was stranger and why.", Type: "wrap_up"},
			},
		},
		domain.StructurePracticeSpecific: {
			Structure: domain.StructurePracticeSpecific,
			Topic:     "focused practice",
			Objectives: []string{
				"Stay on the chosen topic for the whole session",
				"Push for precise vocabulary instead of general words",
			},
			Duration: 10 * time.Minute,
			Checkpoints: []domain.Checkpoint{
				{Offset: 0, Prompt: "Start with what you each already know about the topic.", Type: "intro"},
				{Offset: 3 * time.Minute, Prompt: "Go deeper: each of you asks one 'why' and one 'how' question.", Type: "deepen"},
				{Offset: 6 * time.Minute, Prompt: "Explain one aspect of the topic as if your partner were a beginner.", Type: "explain"},
				{Offset: 9 * time.Minute, Prompt: "Close with the most useful new word or phrase from this conversation.", Type: "wrap_up"},
			},
		},
	}
}
