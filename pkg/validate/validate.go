// Package validate screens user questions before they reach the retrieval
// pipeline: personally identifiable information is rejected outright, and
// comparison questions are restricted to factual fund parameters.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// QuestionError is a client-side rejection. Callers map it to a 400 response
// rather than a server failure.
type QuestionError struct {
	Reason string
}

func (e *QuestionError) Error() string {
	return e.Reason
}

var (
	panPattern     = regexp.MustCompile(`(?i)\b[A-Z]{5}[0-9]{4}[A-Z]\b`)
	aadhaarPattern = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
	accountDigits  = regexp.MustCompile(`\b\d{9,18}\b`)
	accountWords   = regexp.MustCompile(`(?i)(account|acc|a/c|ac no|account number|account no)`)
	otpPattern     = regexp.MustCompile(`(?i)\b(otp|one.?time.?password)[\s:]*\d{4,8}\b`)
	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern   = regexp.MustCompile(`\b(\+?91[\s-]?)?[6-9]\d{9}\b`)
	yearPattern    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	amountPattern  = regexp.MustCompile(`(?i)₹|rs\.?|rupees?`)
)

// DetectPII reports the kind of personal data found in text, or "" when the
// text is clean. Detection is pattern-based and intentionally conservative:
// ten-digit strings near a year or a rupee amount are not treated as phone
// numbers.
func DetectPII(text string) string {
	if text == "" {
		return ""
	}

	switch {
	case panPattern.MatchString(text):
		return "PAN card number"
	case aadhaarPattern.MatchString(text):
		return "Aadhaar number"
	case accountDigits.MatchString(text) && accountWords.MatchString(text):
		return "Account number"
	case otpPattern.MatchString(text):
		return "OTP"
	case emailPattern.MatchString(text):
		return "Email address"
	}

	if phonePattern.MatchString(text) && !yearPattern.MatchString(text) && !amountPattern.MatchString(text) {
		return "Phone number"
	}
	return ""
}

var comparisonKeywords = []string{
	"compare", "comparison", "vs", "versus", "better", "best",
	"which is better", "which one is better", "difference between",
	"differences", "which should", "should i choose", "recommend",
}

var disallowedComparison = []string{
	"performance", "returns", "return", "roi", "profit", "loss",
	"gain", "growth", "appreciation", "depreciation", "yield",
	"better", "best", "worst", "should i", "recommend", "advice",
	"suggest", "opinion", "which is better", "which one is better",
}

var allowedComparison = []string{
	"expense ratio", "lock-in", "lock in", "benchmark", "portfolio mix",
	"fund category", "fund type", "risk level", "minimum investment",
	"minimum sip", "exit load", "fund manager", "fund house",
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// CheckComparison rejects comparison questions that ask about performance or
// for a recommendation, and comparison questions that name no factual
// parameter at all. Non-comparison questions always pass.
func CheckComparison(question string) error {
	if question == "" {
		return nil
	}
	lower := strings.ToLower(question)

	if !containsAny(lower, comparisonKeywords) {
		return nil
	}

	if containsAny(lower, disallowedComparison) {
		return &QuestionError{Reason: "I can only compare mutual funds on factual parameters like expense ratio, lock-in period, benchmark, or portfolio mix. I cannot compare performance, returns, or provide recommendations on which fund is better."}
	}

	if !containsAny(lower, allowedComparison) {
		return &QuestionError{Reason: "I can only compare mutual funds on factual parameters like expense ratio, lock-in period, benchmark, or portfolio mix. Please specify which factual parameters you want to compare."}
	}

	return nil
}

// CheckQuestion runs the full pre-retrieval screen on a user question.
func CheckQuestion(question string) error {
	if strings.TrimSpace(question) == "" {
		return &QuestionError{Reason: "Question must not be empty."}
	}
	if kind := DetectPII(question); kind != "" {
		return &QuestionError{Reason: fmt.Sprintf("Please do not share personal information. Your question appears to contain a %s. Remove it and ask again.", strings.ToLower(kind))}
	}
	return CheckComparison(question)
}
