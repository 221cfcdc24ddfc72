package core

import (
	"strings"
	"unicode/utf8"
)

// Limits for user-supplied fields.
const (
	MaxJobNameLength      = 255
	MaxDescriptionLength  = 2000
	MaxConfigSize         = 64 << 10
	MaxFilesPerJob        = 100
	MaxFileNameLength     = 255
	MaxErrorMessageLength = 4096
)

// ValidateJobName checks presence and length of a job name.
func ValidateJobName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return Invalid("job name is required")
	}
	if utf8.RuneCountInString(name) > MaxJobNameLength {
		return Invalid("job name exceeds %d characters", MaxJobNameLength)
	}
	return nil
}

// ValidateDescription bounds the free-text description.
func ValidateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return Invalid("description exceeds %d characters", MaxDescriptionLength)
	}
	return nil
}

// SanitizeErrorMessage strips control characters and truncates messages
// before they are stored on a job or file row.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}

	result := b.String()
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}
	return result
}

// FileExtension returns the lower-cased extension without the dot, or "" when
// the name has none.
func FileExtension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
