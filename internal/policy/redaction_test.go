package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	assert.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		assert.Contains(t, out, marker)
	}
}

func TestRedactPIICareIdentifiers(t *testing.T) {
	cases := []struct {
		name, in, leaked string
	}{
		{"ssn", "My number is 123-45-6789, dear.", "123-45-6789"},
		{"nhs", "The nurse said my NHS number is 943 476 5919.", "943 476 5919"},
		{"medicare", "Medicare card 1EG4-TE5-MK73 is in my purse.", "1EG4-TE5-MK73"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, changed := RedactPII(tc.in)
			assert.True(t, changed)
			assert.Contains(t, out, "[REDACTED_ID]")
			assert.NotContains(t, out, tc.leaked)
		})
	}
}

func TestRedactPIIStreetAddress(t *testing.T) {
	out, changed := RedactPII("We lived at 12 Maple Street for forty years.")
	assert.True(t, changed)
	assert.Equal(t, "We lived at [REDACTED_ADDRESS] for forty years.", out)

	out, changed = RedactPII("I took 3 steps down the road.")
	assert.False(t, changed)
	assert.Equal(t, "I took 3 steps down the road.", out)
}

func TestRedactPIILiterals(t *testing.T) {
	out, changed := RedactPII("Should I ring anne smith now?", "Anne Smith", "  ")
	assert.True(t, changed)
	assert.Equal(t, "Should I ring [REDACTED_CONTACT] now?", out)
}

func TestRedactPIILeavesPlainSpeechAlone(t *testing.T) {
	in := "Is it time for lunch yet? I fed the cat at 9."
	out, changed := RedactPII(in)
	assert.False(t, changed)
	assert.Equal(t, in, out)
}
