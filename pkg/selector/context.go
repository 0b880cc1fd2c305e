// Package selector implements next-speaker selection for group
// conversations: mission-phase detection, message signal scoring, and a
// weighted per-agent score with turn-order adjustments.
package selector

import (
	"github.com/colloquy-ai/colloquy/pkg/models"
)

// Bounds on the windows carried in a SelectionContext.
const (
	recentWindow     = 10
	speakerWindow    = 5
	collaborationMin = 0.6
)

// SelectionContext captures everything the selector needs to pick the next
// speaker. Constructed fresh every turn.
type SelectionContext struct {
	LastMessage         string
	RecentMessages      []models.Message // bounded to recentWindow, oldest first
	Phase               Phase
	PreviousSpeakers    []string // bounded to speakerWindow, most recent first
	Turn                int
	Complexity          float64
	Urgency             float64
	RequiredExpertise   []string
	CollaborationNeeded bool
}

// BuildContext derives a SelectionContext from the conversation at the
// start of turn number turn (1-based). prevPhase carries the phase detected
// on the previous turn so that detection ties are sticky.
func BuildContext(conv *models.Conversation, turn int, prevPhase Phase) SelectionContext {
	last := conv.LastMessage().Content

	sctx := SelectionContext{
		LastMessage:    last,
		RecentMessages: conv.Recent(recentWindow),
		Turn:           turn,
		Complexity:     ComplexityScore(last, len(conv.Messages)),
		Urgency:        UrgencyScore(last),
	}
	sctx.Phase = DetectPhase(last, turn, prevPhase)
	sctx.RequiredExpertise = requiredExpertise(last)
	sctx.CollaborationNeeded = sctx.Complexity >= collaborationMin
	sctx.PreviousSpeakers = previousSpeakers(conv)
	return sctx
}

// previousSpeakers lists distinct agent sources of recent messages, most
// recent first, bounded to speakerWindow.
func previousSpeakers(conv *models.Conversation) []string {
	seen := make(map[string]bool)
	var out []string
	for i := len(conv.Messages) - 1; i >= 0 && len(out) < speakerWindow; i-- {
		src := conv.Messages[i].Source
		if src == models.UserSource || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out
}
