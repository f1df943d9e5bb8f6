// Package thread groups messages into conversations independently of
// what any provider calls them. Resolution is deterministic: the same
// headers, subject and sender always map to the same thread id.
//
// Known limitation: two unrelated conversations from the same sender
// with identical normalized subjects merge into one thread. Stored data
// relies on this behavior; do not change it without a migration plan.
package thread

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Message carries the header fields the resolver looks at.
type Message struct {
	MessageID  string
	References string
	InReplyTo  string
	Subject    string
	Sender     string
}

var (
	replyPrefixRe    = regexp.MustCompile(`^(re|fwd|fw|aw|sv|enc|r|tr|wg)(\[\d+\])?:\s*`)
	bracketTagRe     = regexp.MustCompile(`\[[^\]]*\]`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
	messageIDSplitRe = regexp.MustCompile(`[\s<>]+`)
)

// Resolve returns the stable thread id for a message. Priority order:
// the root of the References chain, then In-Reply-To, then a digest of
// the normalized subject and sender.
func Resolve(m Message) string {
	if refs := ParseReferences(m.References); len(refs) > 0 {
		return refs[0]
	}
	if id := NormalizeMessageID(m.InReplyTo); id != "" {
		return id
	}
	return subjectThreadID(m.Subject, m.Sender)
}

// ProviderThreadID tags a provider-native conversation id so ids from
// different providers can never collide in the store.
func ProviderThreadID(provider, nativeID string) string {
	return provider + "-" + nativeID
}

// SameThread reports whether two messages belong to one conversation:
// either their resolved ids match, or one directly references the other.
func SameThread(a, b Message) bool {
	if Resolve(a) == Resolve(b) {
		return true
	}
	return references(a, b.MessageID) || references(b, a.MessageID)
}

func references(m Message, messageID string) bool {
	id := NormalizeMessageID(messageID)
	if id == "" {
		return false
	}
	if NormalizeMessageID(m.InReplyTo) == id {
		return true
	}
	for _, ref := range ParseReferences(m.References) {
		if ref == id {
			return true
		}
	}
	return false
}

// ParseReferences splits a References header into normalized message
// ids, oldest first.
func ParseReferences(header string) []string {
	parts := messageIDSplitRe.Split(header, -1)
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := NormalizeMessageID(p); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// NormalizeMessageID strips angle brackets and whitespace and lowercases
// the id.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizeSubject lowercases the subject, strips iterated reply and
// forward prefixes in several languages, drops bracketed tags like
// [EXTERNAL] and collapses runs of whitespace.
func NormalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))

	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		stripped = strings.TrimSpace(bracketTagRe.ReplaceAllString(stripped, " "))
		if stripped == s {
			break
		}
		s = stripped
	}

	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func subjectThreadID(subject, sender string) string {
	basis := NormalizeSubject(subject) + "|" + strings.ToLower(strings.TrimSpace(sender))
	sum := sha256.Sum256([]byte(basis))
	return "subject-" + hex.EncodeToString(sum[:])[:32]
}
