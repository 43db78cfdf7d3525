package emotion

import "github.com/9121343/sxudo/pkg/utils"

// Label 表示识别出的情绪类别。
type Label string

const (
	Neutral  Label = "neutral"
	Happy    Label = "happy"
	Sad      Label = "sad"
	Angry    Label = "angry"
	Anxious  Label = "anxious"
	Confused Label = "confused"
)

// Symbol returns the emoji stored with a turn. Neutral shares the friendly
// default so an untagged message still reads as positive.
func (l Label) Symbol() string {
	switch l {
	case Sad:
		return "😢"
	case Angry:
		return "😠"
	case Anxious:
		return "😰"
	case Confused:
		return "😕"
	default:
		return "😊"
	}
}

// Decision 给出情绪识别结果。
type Decision struct {
	Emotion Label
	Symbol  string
	Score   int
}

type bucket struct {
	label    Label
	keywords []string
}

// buckets are in priority order: on equal scores the earlier bucket wins.
var buckets = []bucket{
	{Happy, []string{"happy", "great", "awesome", "wonderful", "excited", "amazing", "glad", "love", "😊", "😄"}},
	{Sad, []string{"sad", "upset", "disappointed", "crying", "lonely", "depressed", "heartbroken", "😢", "😭"}},
	{Angry, []string{"angry", "mad", "furious", "frustrated", "annoyed", "hate", "😠", "😡"}},
	{Anxious, []string{"worried", "nervous", "anxious", "scared", "afraid", "stressed", "panic", "😰", "😨"}},
	{Confused, []string{"confused", "lost", "don't understand", "dont understand", "unclear", "😕"}},
}

// Classify tags a user message with an emotion by keyword lookup. Messages
// without any keyword are Neutral.
func Classify(text string) Decision {
	k := utils.NewKeywords(text)
	if k.Text() == "" {
		return neutral()
	}

	best := Neutral
	bestScore := 0
	for _, b := range buckets {
		if score := k.Count(b.keywords); score > bestScore {
			best = b.label
			bestScore = score
		}
	}

	if bestScore == 0 {
		return neutral()
	}
	return Decision{Emotion: best, Symbol: best.Symbol(), Score: bestScore}
}

func neutral() Decision {
	return Decision{Emotion: Neutral, Symbol: Neutral.Symbol()}
}
