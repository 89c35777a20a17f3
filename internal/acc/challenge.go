package acc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// ChallengeKind classifies how the human must respond. Every kind demands
// deliberate engagement; a bare click is never a valid response.
type ChallengeKind string

const (
	TypeCode          ChallengeKind = "TYPE_CODE"
	VoicePhrase       ChallengeKind = "VOICE_PHRASE"
	DeliberateGesture ChallengeKind = "DELIBERATE_GESTURE"
)

var challengeKinds = []ChallengeKind{TypeCode, VoicePhrase, DeliberateGesture}

// phrases the human must articulate for VOICE_PHRASE challenges.
var voicePhrases = []string{
	"i want to continue",
	"yes i understand",
	"i approve of this",
	"proceed please",
	"this looks good",
}

// gestures requiring physical deliberation for DELIBERATE_GESTURE challenges.
var gestures = []string{
	"double_tap_center",
	"swipe_up_then_down",
	"pinch_expand",
	"long_press_3sec",
	"tap_top_left",
}

// Challenge is a generated confirmation prompt plus the hash of its expected
// response. The raw expected response is never stored.
type Challenge struct {
	Kind    ChallengeKind
	Payload string // shown to the human
	Hash    string // sha256 of the expected response
}

// NewChallenge generates a challenge of the given kind. Content is
// randomized per issuance so responses cannot become muscle memory.
func NewChallenge(kind ChallengeKind) (Challenge, error) {
	switch kind {
	case TypeCode:
		code, err := randomCode()
		if err != nil {
			return Challenge{}, err
		}
		return Challenge{
			Kind:    TypeCode,
			Payload: "Type this code to continue: " + code,
			Hash:    HashResponse(code),
		}, nil
	case VoicePhrase:
		phrase, err := pick(voicePhrases)
		if err != nil {
			return Challenge{}, err
		}
		return Challenge{
			Kind:    VoicePhrase,
			Payload: fmt.Sprintf("Say this to continue: %q", phrase),
			Hash:    HashResponse(phrase),
		}, nil
	case DeliberateGesture:
		gesture, err := pick(gestures)
		if err != nil {
			return Challenge{}, err
		}
		return Challenge{
			Kind:    DeliberateGesture,
			Payload: "Gesture: " + gesture,
			Hash:    HashResponse(gesture),
		}, nil
	default:
		return Challenge{}, fmt.Errorf("unknown challenge kind %q", kind)
	}
}

// RandomKind picks a challenge kind at random, preventing habituation to a
// single confirmation style.
func RandomKind() (ChallengeKind, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(challengeKinds))))
	if err != nil {
		return "", fmt.Errorf("challenge kind selection: %w", err)
	}
	return challengeKinds[n.Int64()], nil
}

// HashResponse returns the non-reversible hash bound to a response.
func HashResponse(response string) string {
	h := sha256.Sum256([]byte(response))
	return hex.EncodeToString(h[:])
}

// randomCode builds a letter/digit code in an LLDLLD pattern, which resists
// pattern memorization across issuances.
func randomCode() (string, error) {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	const digits = "23456789"
	shape := []string{letters, letters, digits, letters, letters, digits}

	out := make([]byte, len(shape))
	for i, alphabet := range shape {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("challenge code generation: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

func pick(options []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(options))))
	if err != nil {
		return "", fmt.Errorf("challenge selection: %w", err)
	}
	return options[n.Int64()], nil
}
