// Package server derives display identities for joining clients: canonical
// name de-duplication, mood detection, and correlation token generation.
package server

import (
	"math/rand/v2"
	"strconv"
	"strings"
)

// Mood is the optional categorical tag embedded in an identity token. Clients
// that join with a mood are shown as an icon plus a short correlation token
// instead of their raw identity.
type Mood string

// Recognized moods. An empty Mood means the client joined with a classic
// identity and no marker was found.
const (
	MoodNone     Mood = ""
	MoodSun      Mood = "sun"
	MoodCloud    Mood = "cloud"
	MoodQuestion Mood = "question"
)

const (
	correlationTokenLength = 4
	tokenAlphabet          = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// moodMarkers lists the marker substrings in detection priority order. At most
// one mood is recognized per identity; the first match wins.
var moodMarkers = []struct {
	marker string
	mood   Mood
	icon   string
}{
	{"sun", MoodSun, "☀️"},
	{"cloud", MoodCloud, "☁️"},
	{"question", MoodQuestion, "❓"},
}

// identity is the resolved display identity for a joining client.
type identity struct {
	canonical string
	mood      Mood
	token     string
	label     string
}

// resolveIdentity derives a unique canonical identity from a raw identity
// token, detects an embedded mood marker, and produces the display label sent
// to all clients. liveNames and liveTokens hold the canonical identities and
// correlation tokens of currently live sessions; the result collides with
// neither set. The function is pure apart from its random source and never
// fails.
//
// Collisions compound the suffix onto the previous candidate rather than
// re-drawing from the raw identity, so the candidate space grows with every
// retry and the loop terminates even when all 90 single-suffix variants are
// live. Callers hold the store mutex, so termination here is load-bearing.
func resolveIdentity(raw string, liveNames, liveTokens map[string]struct{}) identity {
	canonical := raw
	for {
		if _, taken := liveNames[canonical]; !taken {
			break
		}
		canonical += strconv.Itoa(10 + rand.IntN(90))
	}

	resolved := identity{canonical: canonical, label: canonical}
	for _, m := range moodMarkers {
		if strings.Contains(canonical, m.marker) {
			resolved.mood = m.mood
			resolved.token = newCorrelationToken(liveTokens)
			resolved.label = m.icon + " #" + resolved.token
			break
		}
	}
	return resolved
}

// newCorrelationToken generates a short lowercase alphanumeric token that is
// unique among the live tokens, regenerating on collision so uniqueness holds
// strictly rather than probabilistically.
func newCorrelationToken(liveTokens map[string]struct{}) string {
	for {
		b := make([]byte, correlationTokenLength)
		for i := range b {
			b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
		}
		token := string(b)
		if _, taken := liveTokens[token]; !taken {
			return token
		}
	}
}
