package steps

import (
	"regexp"
	"strings"

	"github.com/crowdlens/taxo/pkg/models"
)

// Sanitization thresholds for raw comments.
const (
	// minMeaningfulChars / minMeaningfulWords: a comment is dropped only
	// when it fails BOTH thresholds.
	minMeaningfulChars = 10
	minMeaningfulWords = 3

	// maxCommentChars is the truncation limit for oversized comments.
	maxCommentChars = 10_000

	// maxPromptChars caps the concatenated clustering prompt.
	maxPromptChars = 100_000
)

// injectionPatterns match common prompt-injection phrasings. Matching
// comments are rejected outright rather than truncated.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|directions)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|directions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\b`),
	regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
	regexp.MustCompile(`<\|im_(start|end)\|>`),
	regexp.MustCompile(`(?i)\[/?(INST|SYS)\]`),
}

// SanitizeReport summarizes what sanitization did to the input batch.
type SanitizeReport struct {
	Kept      int `json:"kept"`
	TooShort  int `json:"tooShort"`
	Truncated int `json:"truncated"`
	Unsafe    int `json:"unsafe"`
}

// UnsafeFraction returns the fraction of input comments rejected as unsafe.
func (r SanitizeReport) UnsafeFraction() float64 {
	total := r.Kept + r.TooShort + r.Unsafe
	if total == 0 {
		return 0
	}
	return float64(r.Unsafe) / float64(total)
}

// sanitizeComments filters and bounds raw comments ahead of the clustering
// prompt. Filtered comments never fail the stage; they are only counted.
func sanitizeComments(comments []models.Comment) ([]models.Comment, SanitizeReport) {
	var report SanitizeReport
	kept := make([]models.Comment, 0, len(comments))

	for _, comment := range comments {
		text := strings.TrimSpace(comment.Text)
		if len(text) < minMeaningfulChars && len(strings.Fields(text)) < minMeaningfulWords {
			report.TooShort++
			continue
		}
		if isUnsafe(text) {
			report.Unsafe++
			continue
		}
		if truncated := truncateRunes(text, maxCommentChars); truncated != text {
			text = truncated
			report.Truncated++
		}
		comment.Text = text
		kept = append(kept, comment)
		report.Kept++
	}
	return kept, report
}

// truncateRunes caps a string at n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func isUnsafe(text string) bool {
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
