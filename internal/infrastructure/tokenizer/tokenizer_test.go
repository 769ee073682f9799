package tokenizer

import "testing"

type encoderFake struct{}

func (encoderFake) Encode(text string, _, _ []string) []int {
	return make([]int, len(text))
}

func TestEstimate(t *testing.T) {
	cases := map[string]int{
		"":            0,
		"a":           1,
		"abcd":        1,
		"abcde":       2,
		"hello world": 3,
	}
	for text, want := range cases {
		if got := Estimate(text); got != want {
			t.Fatalf("Estimate(%q) = %d, want %d", text, got, want)
		}
	}
}

func TestCountUsesEncoderWhenLoaded(t *testing.T) {
	c := &Counter{enc: encoderFake{}}
	if got := c.Count("hello"); got != 5 {
		t.Fatalf("expected encoder count 5, got %d", got)
	}
	if got := (&Counter{}).Count("hello"); got != 2 {
		t.Fatalf("expected estimate 2, got %d", got)
	}
}
