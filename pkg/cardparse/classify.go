package cardparse

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"cardscan/pkg/ocr"
)

type CardType string

const (
	TypeMonster CardType = "Monster"
	TypeSpell   CardType = "Spell"
	TypeTrap    CardType = "Trap"
	TypeUnknown CardType = "Unknown"
)

// Attributes in lookup order: the first one present wins.
var Attributes = []string{"DARK", "LIGHT", "EARTH", "WIND", "WATER", "FIRE", "DIVINE"}

var cardTypes = []struct {
	token string
	typ   CardType
}{
	{"MONSTER", TypeMonster},
	{"SPELL", TypeSpell},
	{"TRAP", TypeTrap},
}

// ParseCardType maps free text such as "spell", "Trap Card" or "Effect
// Monster" onto a CardType.
func ParseCardType(s string) CardType {
	up := strings.ToUpper(s)
	for _, ct := range cardTypes {
		if strings.Contains(up, ct.token) {
			return ct.typ
		}
	}
	return TypeUnknown
}

// ParseAttribute returns the canonical attribute named by s, if any.
func ParseAttribute(s string) (string, bool) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, a := range Attributes {
		if up == a {
			return a, true
		}
	}
	return "", false
}

// Candidate holds the fields read off the card before catalog resolution.
type Candidate struct {
	Name          string   `json:"name"`
	Type          CardType `json:"type"`
	Attribute     *string  `json:"attribute"`
	Level         *int     `json:"level"`
	Attack        *int     `json:"attack"`
	Defense       *int     `json:"defense"`
	Effect        string   `json:"effectText"`
	Rarity        string   `json:"rarity,omitempty"`
	RawConfidence float64  `json:"rawConfidence"`
}

var (
	leadingDigitsRE  = regexp.MustCompile(`^[\d\s]+`)
	spacesRE         = regexp.MustCompile(`\s+`)
	nameDisallowedRE = regexp.MustCompile(`[^\p{L}\p{N}_\s\-'".,]`)

	atkRE       = regexp.MustCompile(`(?i)ATK\s*[/:]?\s*(\d+)`)
	defRE       = regexp.MustCompile(`(?i)DEF\s*[/:]?\s*(\d+)`)
	levelRE     = regexp.MustCompile(`(?i)(?:LEVEL|RANK)\s*:?\s*(\d+)`)
	statsLineRE = regexp.MustCompile(`(?i)(?:ATK|DEF)\s*[/:]?\s*[\d?]`)

	vocabRE = map[string]*regexp.Regexp{}
)

func init() {
	words := append([]string{}, Attributes...)
	for _, ct := range cardTypes {
		words = append(words, ct.token)
	}
	for _, r := range rarities {
		words = append(words, r.token)
	}
	for _, w := range words {
		vocabRE[w] = regexp.MustCompile(`(?i)\b` + w + `\b`)
	}
}

// Classify extracts a Candidate from a recognition result. Empty text yields
// an empty candidate of type Unknown.
func Classify(res ocr.Result, p Params) Candidate {
	c := Candidate{Type: TypeUnknown, RawConfidence: res.Confidence}
	lines := nonEmptyLines(res.Text)
	if len(lines) == 0 {
		return c
	}
	text := strings.Join(lines, "\n")

	c.Name = CleanName(lines[0], p)
	for _, a := range Attributes {
		if vocabRE[a].MatchString(text) {
			attr := a
			c.Attribute = &attr
			break
		}
	}
	for _, ct := range cardTypes {
		if vocabRE[ct.token].MatchString(text) {
			c.Type = ct.typ
			break
		}
	}
	c.Level = firstInt(levelRE, text)
	c.Attack = firstInt(atkRE, text)
	c.Defense = firstInt(defRE, text)
	c.Effect = effectText(lines[1:], p)
	c.Rarity = detectRarity(text)
	return c
}

// CleanName normalizes a name line. Applying it twice gives the same result.
func CleanName(line string, p Params) string {
	s := nameDisallowedRE.ReplaceAllString(line, "")
	s = spacesRE.ReplaceAllString(s, " ")
	s = strings.TrimSpace(leadingDigitsRE.ReplaceAllString(strings.TrimSpace(s), ""))
	if utf8.RuneCountInString(s) > p.NameMaxLen {
		tokens := strings.Split(s, " ")
		if len(tokens) > p.NameMaxTokens {
			tokens = tokens[:p.NameMaxTokens]
		}
		s = strings.Join(tokens, " ")
	}
	if s == "" || utf8.RuneCountInString(s) >= p.NameMaxLen {
		return ""
	}
	return s
}

// effectText joins the lines between the name and the first stats line,
// skipping lines of EffectMinLineLen characters or fewer.
func effectText(lines []string, p Params) string {
	var kept []string
	for _, l := range lines {
		if statsLineRE.MatchString(l) {
			break
		}
		if utf8.RuneCountInString(l) > p.EffectMinLineLen {
			kept = append(kept, l)
		}
	}
	effect := strings.Join(kept, " ")
	if utf8.RuneCountInString(effect) <= p.EffectMinLineLen {
		return ""
	}
	return effect
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func firstInt(re *regexp.Regexp, text string) *int {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return nil
	}
	return &n
}
