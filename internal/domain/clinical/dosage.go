package clinical

import (
	"regexp"
	"strconv"
)

var doseTokenPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// parseDose extracts the first numeric token from a free-text dosage string,
// e.g. "500mg" -> 500, "2 x 250 mg" -> 2. The second return is false when the
// string carries no numeric token at all.
func parseDose(dosage string) (float64, bool) {
	token := doseTokenPattern.FindString(dosage)
	if token == "" {
		return 0, false
	}
	dose, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}
	return dose, true
}
