package ocr

import "unicode"

// ScorePass rates a recognition pass. Mean confidence dominates; each
// confidently read word of three or more letters or digits adds a bonus so a
// pass that reads the whole card beats one that reads a single clean word.
func ScorePass(r Result) float64 {
	s := r.Confidence
	for _, w := range r.Words {
		if w.Confidence < 60 {
			continue
		}
		n := 0
		for _, c := range w.Text {
			if unicode.IsLetter(c) || unicode.IsDigit(c) {
				n++
			}
		}
		if n >= 3 {
			s += 2
		}
	}
	return s
}

// BestPass returns the index of the highest scoring pass. Ties go to the pass
// with more text, then to the earlier pass.
func BestPass(passes []Result) (int, bool) {
	if len(passes) == 0 {
		return -1, false
	}
	best := 0
	bestScore := ScorePass(passes[0])
	for i := 1; i < len(passes); i++ {
		sc := ScorePass(passes[i])
		replace := false
		if sc > bestScore {
			replace = true
		} else if sc == bestScore && len(Normalize(passes[i].Text)) > len(Normalize(passes[best].Text)) {
			replace = true
		}
		if replace {
			best, bestScore = i, sc
		}
	}
	return best, true
}
