package rule

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/enhance"
)

// Enhancer produces a title and badge for any pulse. All randomness is
// seeded by pulse_id, so replays render the same record.
type Enhancer struct {
	catalog *Catalog
}

func NewEnhancer(catalog *Catalog) *Enhancer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Enhancer{catalog: catalog}
}

// Enhance never fails: the catalogue is closure-checked at load time.
func (e *Enhancer) Enhance(p *domain.StopPulse) enhance.Result {
	rng := rand.New(rand.NewSource(int64(xxhash.Sum64String(p.PulseID))))

	secs := int64(p.Duration().Seconds())
	intensity := e.catalog.intensityFor(secs)
	category := e.catalog.categoryFor(words(p.Intent))

	return enhance.Result{
		GenTitle: domain.Truncate(e.title(p, rng, intensity, category, secs), domain.MaxTitleChars),
		GenBadge: domain.Truncate(e.badge(p, intensity, category), domain.MaxBadgeChars),
	}
}

func (e *Enhancer) title(p *domain.StopPulse, rng *rand.Rand, intensity Intensity, category Category, secs int64) string {
	prefix := pick(rng, intensity.Prefixes)
	noun := pick(rng, category.Nouns)
	adjective := e.adjective(rng, p.ReflectionEmotion)
	emoji := e.emoji(rng, category, p.IntentEmotion, p.ReflectionEmotion)

	templates := []string{
		fmt.Sprintf("%s %s %s! %s", prefix, adjective, noun, emoji),
		fmt.Sprintf("%s %s %s %s", adjective, prefix, noun, emoji),
		fmt.Sprintf("%s %s & %s %s", emoji, prefix, adjective, noun),
	}
	if journeyed(p) {
		templates = append(templates,
			fmt.Sprintf("%s %s → %s %s", emoji, titleCase(p.IntentEmotion), titleCase(p.ReflectionEmotion), noun),
			fmt.Sprintf("%s %s to %s Journey! %s", prefix, p.IntentEmotion, p.ReflectionEmotion, emoji),
		)
	}
	return pick(rng, templates) + durationContext(secs)
}

func (e *Enhancer) badge(p *domain.StopPulse, intensity Intensity, category Category) string {
	if journeyed(p) {
		from, to := strings.ToLower(p.IntentEmotion), strings.ToLower(p.ReflectionEmotion)
		for _, jb := range e.catalog.JourneyBadges {
			if jb.From == from && jb.To == to {
				return jb.Badge
			}
		}
	}
	return category.Badges[intensity.Name]
}

func (e *Enhancer) adjective(rng *rand.Rand, reflectionEmotion string) string {
	sentiment := e.catalog.EmotionSentiment[strings.ToLower(reflectionEmotion)]
	adjectives := e.catalog.Adjectives[sentiment]
	if len(adjectives) == 0 {
		adjectives = e.catalog.Adjectives["neutral"]
	}
	return pick(rng, adjectives)
}

func (e *Enhancer) emoji(rng *rand.Rand, category Category, intentEmotion, reflectionEmotion string) string {
	if em, ok := e.catalog.EmotionEmojis[strings.ToLower(reflectionEmotion)]; ok {
		return em
	}
	if em, ok := e.catalog.EmotionEmojis[strings.ToLower(intentEmotion)]; ok {
		return em
	}
	return pick(rng, category.Emojis)
}

func durationContext(secs int64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf(" (Quick %ds burst!)", secs)
	case secs < 1200:
		return fmt.Sprintf(" (%d min session!)", secs/60)
	case secs < 3600:
		return fmt.Sprintf(" (Focused %d min streak!)", secs/60)
	case secs < 7200:
		return fmt.Sprintf(" (Power %.1fh session!)", float64(secs)/3600)
	default:
		return fmt.Sprintf(" (%.1fh marathon!)", float64(secs)/3600)
	}
}

func journeyed(p *domain.StopPulse) bool {
	return p.IntentEmotion != "" && p.ReflectionEmotion != "" &&
		!strings.EqualFold(p.IntentEmotion, p.ReflectionEmotion)
}

func words(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func pick(rng *rand.Rand, options []string) string {
	return options[rng.Intn(len(options))]
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
