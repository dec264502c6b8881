package support

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"
)

type fixedNames struct {
	first, last string
}

func (f fixedNames) NamePair() (string, string) { return f.first, f.last }

func TestGenerateUsernameShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pattern := regexp.MustCompile(`^[a-z]+(\.[a-z]+)?[0-9]{1,4}$`)

	for i := 0; i < 500; i++ {
		got := GenerateUsername(fixedNames{first: "Anna-Marie", last: "O'Neil"}, rng)
		if !pattern.MatchString(got) {
			t.Fatalf("candidate %q does not match %s", got, pattern)
		}
		if strings.ContainsAny(got, "-'") {
			t.Fatalf("candidate %q kept punctuation", got)
		}
	}
}

func TestGenerateUsernameUsesEveryTemplate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := fixedNames{first: "John", last: "Smith"}

	seen := map[string]bool{}
	for i := 0; i < 2000; i++ {
		got := strings.TrimRight(GenerateUsername(names, rng), "0123456789")
		seen[got] = true
	}

	for _, want := range []string{"johnsmith", "john.smith", "john", "smith", "jsmith", "johns"} {
		if !seen[want] {
			t.Fatalf("template producing %q never chosen; saw %v", want, seen)
		}
	}
}

func TestGenerateUsernameSuffixRange(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	digits := regexp.MustCompile(`[0-9]+$`)

	for i := 0; i < 1000; i++ {
		suffix := digits.FindString(GenerateUsername(fixedNames{first: "a", last: "b"}, rng))
		if suffix == "" || suffix == "0" || len(suffix) > 4 || suffix[0] == '0' {
			t.Fatalf("suffix %q outside 1..9999", suffix)
		}
	}
}

func TestGenerateUsernameEmptyNames(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	got := GenerateUsername(fixedNames{first: "123", last: ""}, rng)
	if got == "" || !regexp.MustCompile(`^[a-z.]+[0-9]+$`).MatchString(got) {
		t.Fatalf("unexpected candidate %q for empty names", got)
	}
}

func TestFakerNameSource(t *testing.T) {
	src := NewFakerNameSource(11)
	first, last := src.NamePair()
	if first == "" || last == "" {
		t.Fatalf("faker returned empty names: %q %q", first, last)
	}
}
