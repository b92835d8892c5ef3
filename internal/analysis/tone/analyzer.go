// Package tone picks the speaking style a voice agent should use for an
// assistant reply, based on keywords in the visitor's message and the reply.
package tone

import (
	"strings"
)

// Label 表示语音合成可以使用的语气标签。
type Label string

const (
	Neutral      Label = "neutral"
	Friendly     Label = "friendly"
	Enthusiastic Label = "enthusiastic"
	Apologetic   Label = "apologetic"
	Reassuring   Label = "reassuring"
)

// Decision 给出语气判断结果以及推荐强度（1-5）。
type Decision struct {
	Tone  Label   `json:"tone"`
	Scale float32 `json:"scale"`
	Score int     `json:"-"`
}

// order fixes tie-breaking between labels with equal scores.
var order = []Label{Apologetic, Reassuring, Enthusiastic, Friendly}

var keywordBuckets = map[Label][]string{
	Friendly: {
		"thanks", "thank you", "great", "nice", "love", "glad", "happy to", "welcome",
		"谢谢", "开心", "喜欢", "太好了",
	},
	Enthusiastic: {
		"awesome", "amazing", "wow", "can't wait", "excited", "perfect", "fantastic", "new",
		"激动", "期待", "太棒了",
	},
	Apologetic: {
		"sorry", "broken", "doesn't work", "not working", "error", "failed", "annoying",
		"frustrated", "terrible", "angry", "refund", "生气", "失望", "抱歉",
	},
	Reassuring: {
		"confused", "lost", "can't find", "don't understand", "worried", "help", "stuck",
		"don't worry", "no problem", "step by step", "别担心", "不懂", "找不到",
	},
}

// Analyze 根据访客话语与助手回复推断应使用的语气。
func Analyze(userUtterance, reply string) Decision {
	replyScore := scoreText(reply)
	userScore := scoreText(userUtterance)

	final := replyScore
	// 回复本身没有明显语气时，按访客情绪选择回应语气
	if final.Score == 0 && userScore.Score > 0 {
		final = respondTo(userScore)
	}

	if final.Score == 0 {
		return Decision{Tone: Neutral, Scale: 3}
	}

	scale := 2 + float32(final.Score)/4
	switch final.Tone {
	case Enthusiastic:
		scale++
	case Apologetic, Reassuring:
		if scale > 3.5 {
			scale = 3.5
		}
	}
	if scale < 1 {
		scale = 1
	}
	if scale > 5 {
		scale = 5
	}
	return Decision{Tone: final.Tone, Scale: scale, Score: final.Score}
}

func scoreText(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{Tone: Neutral}
	}

	scores := make(map[Label]int, len(order))
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	if exclamations := strings.Count(text, "!"); exclamations > 1 {
		scores[Enthusiastic] += exclamations * 2
	} else if exclamations == 1 {
		scores[Friendly] += 2
	}

	best := Neutral
	bestScore := 0
	for _, label := range order {
		if scores[label] > bestScore {
			best = label
			bestScore = scores[label]
		}
	}
	return Decision{Tone: best, Score: bestScore}
}

// respondTo maps the visitor's mood to the tone the reply should take.
func respondTo(user Decision) Decision {
	switch user.Tone {
	case Apologetic:
		return Decision{Tone: Apologetic, Score: user.Score}
	case Reassuring:
		return Decision{Tone: Reassuring, Score: user.Score}
	case Enthusiastic, Friendly:
		return Decision{Tone: Friendly, Score: user.Score}
	default:
		return user
	}
}
