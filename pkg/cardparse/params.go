// Package cardparse turns recognized card text into structured fields with
// deterministic lexical and positional rules.
package cardparse

// Params are the tunable heuristics of the classifier. The defaults were
// picked by eye on phone photos of standard-size cards; none of them is a
// measured optimum.
type Params struct {
	// MinWordConfidence drops words tesseract is unsure about.
	MinWordConfidence float64
	// NameWordConfidence is required for a word in the header band to count
	// as part of the card name.
	NameWordConfidence float64
	// EffectWordConfidence is required for a word below the header band to
	// count as effect text.
	EffectWordConfidence float64
	// HeaderBandPx is the height, in preprocessed pixels, of the name band.
	HeaderBandPx int
	// NameMaxLen is the exclusive upper bound on a cleaned name's length.
	NameMaxLen int
	// NameMaxTokens is how many tokens an over-long name is cut down to.
	NameMaxTokens int
	// EffectMinLineLen drops short effect lines such as stray symbols.
	EffectMinLineLen int
}

func DefaultParams() Params {
	return Params{
		MinWordConfidence:    30,
		NameWordConfidence:   60,
		EffectWordConfidence: 50,
		HeaderBandPx:         200,
		NameMaxLen:           50,
		NameMaxTokens:        4,
		EffectMinLineLen:     10,
	}
}
