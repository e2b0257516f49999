package voice

import (
	"strings"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

// namingConvention is a set of name fragments that mark a speaker's gender
// within one naming tradition. Fragments are matched against the normalized
// name wrapped in single spaces, so a leading or trailing space anchors a
// fragment to a word boundary.
type namingConvention struct {
	name   string
	male   []string
	female []string
}

// conventions are tried in order; the first fragment hit wins. Narrow
// traditions come first so that the broad Hyur/Elezen endings do not shadow
// them.
var conventions = []namingConvention{
	{
		name:   "miqote",
		male:   []string{" tia ", " nunh "},
		female: []string{" rhul ", " jocea ", " mhakaracca "},
	},
	{
		name:   "lalafell",
		male:   []string{" papa", " lolo", " popo", " nono", " zozo"},
		female: []string{" momo", " tata", " lili", " koko", " mimi"},
	},
	{
		name:   "roegadyn",
		male:   []string{"syn ", "thal ", "mann ", "rael "},
		female: []string{"wyb ", "wyn ", "swys ", "thota "},
	},
	{
		name:   "aura",
		male:   []string{"suke ", "taro ", "emon ", " magnai "},
		female: []string{"giri ", "yoko ", "miko ", " sadu "},
	},
	{
		name:   "hrothgar_viera",
		male:   []string{" hroth", "gar ", "gandr "},
		female: []string{" viera ", " rava ", " veena ", "nnhe "},
	},
	{
		name:   "hyur_elezen",
		male:   []string{"bert ", "mond ", "ric ", "mund ", "ard ", "aud "},
		female: []string{"ette ", "elle ", "ine ", "aire ", "ienne "},
	},
}

// guessGender applies the naming conventions to displayName. It reports the
// guessed gender and the convention that matched.
func guessGender(displayName string) (catalog.Gender, string, bool) {
	n := catalog.NormalizeName(displayName)
	if n == "" {
		return "", "", false
	}
	padded := " " + strings.Join(strings.Fields(n), " ") + " "
	for _, c := range conventions {
		for _, frag := range c.male {
			if strings.Contains(padded, frag) {
				return catalog.GenderMale, c.name, true
			}
		}
		for _, frag := range c.female {
			if strings.Contains(padded, frag) {
				return catalog.GenderFemale, c.name, true
			}
		}
	}
	return "", "", false
}
