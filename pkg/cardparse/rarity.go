package cardparse

// rarities in precedence order; "RARE" alone only wins when no more specific
// token was read.
var rarities = []struct {
	token string
	label string
}{
	{"SECRET", "Secret Rare"},
	{"ULTRA", "Ultra Rare"},
	{"SUPER", "Super Rare"},
	{"STARFOIL", "Starfoil Rare"},
	{"PARALLEL", "Parallel Rare"},
	{"RARE", "Rare"},
	{"COMMON", "Common"},
}

// DefaultRarity is stored when neither the card text nor the catalog names one.
const DefaultRarity = "Common"

func detectRarity(text string) string {
	for _, r := range rarities {
		if vocabRE[r.token].MatchString(text) {
			return r.label
		}
	}
	return ""
}
