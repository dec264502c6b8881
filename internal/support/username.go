package support

import (
	"math/rand"
	"strconv"
	"strings"
	"unicode"

	"github.com/brianvoe/gofakeit/v6"
)

// NameSource supplies (first, last) name pairs for username candidates.
type NameSource interface {
	NamePair() (first, last string)
}

type fakerNameSource struct {
	faker *gofakeit.Faker
}

// NewFakerNameSource draws names from gofakeit. A zero seed picks a random one.
func NewFakerNameSource(seed int64) NameSource {
	return &fakerNameSource{faker: gofakeit.New(seed)}
}

func (s *fakerNameSource) NamePair() (string, string) {
	return s.faker.FirstName(), s.faker.LastName()
}

var usernameTemplates = []func(first, last, digits string) string{
	func(f, l, d string) string { return f + l + d },
	func(f, l, d string) string { return f + "." + l + d },
	func(f, _, d string) string { return f + d },
	func(_, l, d string) string { return l + d },
	func(f, l, d string) string { return f[:1] + l + d },
	func(f, l, d string) string { return f + l[:1] + d },
}

// GenerateUsername returns a lowercase candidate such as "annasmith42".
func GenerateUsername(src NameSource, rng *rand.Rand) string {
	first, last := src.NamePair()
	first = lettersOnly(first)
	last = lettersOnly(last)
	if first == "" {
		first = "user"
	}
	if last == "" {
		last = "kestrel"
	}

	digits := strconv.Itoa(rng.Intn(9999) + 1)
	return usernameTemplates[rng.Intn(len(usernameTemplates))](first, last, digits)
}

func lettersOnly(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r <= unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
