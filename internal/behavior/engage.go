package behavior

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// heatHalfLife controls how fast conversational heat cools after our
// last send.
const heatHalfLife = 5 * time.Minute

// Class buckets a group message for the engagement roll.
type Class int

const (
	ClassGeneral Class = iota
	ClassHasLink
	ClassMentionedCasual
	ClassMentionedQuestion
)

func (c Class) String() string {
	switch c {
	case ClassHasLink:
		return "has_link"
	case ClassMentionedCasual:
		return "mentioned_casual"
	case ClassMentionedQuestion:
		return "mentioned_question"
	default:
		return "general"
	}
}

// Classify buckets text by how directly it pulls at the agent. Name
// matching is the fallback for platforms whose mention entities did not
// survive into the Tri flag.
func Classify(text, agentName string) Class {
	lower := strings.ToLower(text)
	named := agentName != "" && strings.Contains(lower, strings.ToLower(agentName))
	switch {
	case named && containsQuestion(text):
		return ClassMentionedQuestion
	case named:
		return ClassMentionedCasual
	case strings.Contains(lower, "http://"), strings.Contains(lower, "https://"):
		return ClassHasLink
	default:
		return ClassGeneral
	}
}

func containsQuestion(text string) bool {
	return strings.Contains(text, "?") || strings.Contains(text, "？")
}

// Send and react probabilities per class, interpolated from a cold chat
// to a hot one.
type rollProbs struct {
	sendCold, sendHot   float64
	reactCold, reactHot float64
}

var classProbs = map[Class]rollProbs{
	ClassGeneral:         {sendCold: 0.08, sendHot: 0.03, reactCold: 0.12, reactHot: 0.08},
	ClassHasLink:         {sendCold: 0.08, sendHot: 0.04, reactCold: 0.20, reactHot: 0.12},
	ClassMentionedCasual: {sendCold: 0.60, sendHot: 0.35, reactCold: 0.25, reactHot: 0.20},
}

// engagementRoll decides whether an unaddressed group message earns a
// reply, a reaction, or nothing. Heat pushes the odds down: the more we
// have been talking lately, the quieter we get.
func (e *Engine) engagementRoll(ctx context.Context, in Input, share, threshold float64) Decision {
	class := Classify(in.UserText, e.cfg.AgentName)
	if class == ClassMentionedQuestion {
		return send()
	}

	heat := e.heat(in.Recent, share, threshold)
	probs := classProbs[class]
	pSend := lerp(probs.sendCold, probs.sendHot, heat)
	pReact := lerp(probs.reactCold, probs.reactHot, heat)

	// Over our fair share of the floor, throttle sends proportionally.
	if in.Msg.GroupSize > 1 {
		target := 1.0 / float64(in.Msg.GroupSize)
		if rate := share / target; rate > 1 {
			pSend /= rate
		}
	}

	r := e.rand()
	switch {
	case r < pSend:
		return send()
	case r < pSend+pReact:
		return e.chooseReaction(ctx, in)
	default:
		return silence(6, "engagement_silence")
	}
}

// heat is the product of how much of the chat we currently occupy and
// how recently we last spoke, decaying with a five-minute half-life.
func (e *Engine) heat(recent []Sample, share, threshold float64) float64 {
	var lastOursMs int64
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].IsAssistant {
			lastOursMs = recent[i].AtMs
			break
		}
	}
	if lastOursMs == 0 || threshold <= 0 {
		return 0
	}
	dt := e.now().Sub(time.UnixMilli(lastOursMs))
	if dt < 0 {
		dt = 0
	}
	pressure := clamp01(share / threshold)
	return pressure * math.Exp(-float64(dt)/float64(heatHalfLife))
}

func lerp(cold, hot, heat float64) float64 {
	return cold + (hot-cold)*clamp01(heat)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func defaultRand() float64 { return rand.Float64() }
