package premium

import (
	"fmt"
	"strings"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// promptTemplate is fixed. Pulse fields are interpolated as values only; no
// user-supplied text can add or reorder instructions.
const promptTemplate = `You are an encouraging productivity coach reviewing one completed focus session.

Session:
- Intent: %q
- Reflection: %q
- Duration: %d minutes
- Emotion at start: %q
- Emotion at end: %q

Reply with a single JSON object and nothing else, using exactly these keys:
{
  "gen_title": "short celebratory title with one emoji",
  "gen_badge": "short achievement badge with one emoji",
  "productivity_score": <integer 1-10>,
  "key_insight": "one specific observation about this session",
  "next_suggestion": "one concrete suggestion for the next session",
  "mood_assessment": "one sentence on the emotional arc",
  "emotion_pattern": "optional short pattern note"
}`

// buildPrompt renders the invocation prompt. Fields are pre-truncated to
// their caps so prompt size is bounded regardless of payload.
func buildPrompt(p *domain.StopPulse) string {
	return fmt.Sprintf(promptTemplate,
		sanitize(domain.Truncate(p.Intent, domain.MaxIntentChars)),
		sanitize(domain.Truncate(p.Reflection, domain.MaxReflectionChars)),
		int(p.Duration().Minutes()),
		sanitize(p.IntentEmotion),
		sanitize(p.ReflectionEmotion),
	)
}

func sanitize(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r", " "), "\n", " ")
}
