package reconcile

// Order numbers are four digits starting at 3000.
const (
	orderNumberWidth = 4
	minOrderNumber   = 3000
)

type orderHit struct {
	order      int
	ok         bool
	candidates int
}

// ExtractOrderNumber returns the first run of exactly four digits in text
// whose value is at least 3000.
func ExtractOrderNumber(text string) (int, bool) {
	for n := range scanOrderNumbers(text) {
		return n, true
	}
	return 0, false
}

// OrderNumberCandidates returns every qualifying number in text, in order.
func OrderNumberCandidates(text string) []int {
	var out []int
	for n := range scanOrderNumbers(text) {
		out = append(out, n)
	}
	return out
}

func scanOrderNumbers(text string) func(yield func(int) bool) {
	return func(yield func(int) bool) {
		i := 0
		for i < len(text) {
			if !isDigit(text[i]) {
				i++
				continue
			}
			start := i
			for i < len(text) && isDigit(text[i]) {
				i++
			}
			if i-start != orderNumberWidth {
				continue
			}
			n := 0
			for _, c := range text[start:i] {
				n = n*10 + int(c-'0')
			}
			if n >= minOrderNumber && !yield(n) {
				return
			}
		}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
