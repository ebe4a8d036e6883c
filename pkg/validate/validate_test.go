package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/fundrag/pkg/validate"
)

func TestDetectPII(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"pan card", "my PAN is ABCDE1234F", "PAN card number"},
		{"pan lowercase", "pan abcde1234f", "PAN card number"},
		{"aadhaar spaced", "aadhaar 1234 5678 9012", "Aadhaar number"},
		{"aadhaar hyphenated", "1234-5678-9012", "Aadhaar number"},
		{"account with keyword", "my account number is 123456789012", "Aadhaar number"},
		{"account no aadhaar shape", "transfer from acc 12345678901234567", "Account number"},
		{"otp", "enter OTP: 482913 to proceed", "OTP"},
		{"email", "reach me at investor@example.com", "Email address"},
		{"phone", "call me on 9876543210", "Phone number"},
		{"phone with country code", "call +91 9876543210", "Phone number"},
		{"clean question", "what is the expense ratio of the alpha fund", ""},
		{"year is not a phone", "returns since 2019 9876543210", ""},
		{"amount is not a phone", "invested rs 9876543210", ""},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, validate.DetectPII(tc.text))
		})
	}
}

func TestCheckComparison(t *testing.T) {
	// Non-comparison questions always pass.
	assert.NoError(t, validate.CheckComparison("what is the expense ratio of alpha fund"))
	assert.NoError(t, validate.CheckComparison(""))

	// Factual comparisons pass.
	assert.NoError(t, validate.CheckComparison("compare the expense ratio of alpha and beta"))
	assert.NoError(t, validate.CheckComparison("difference between lock-in period of alpha and beta"))

	// Performance and advice comparisons are rejected.
	err := validate.CheckComparison("which fund has better returns, alpha or beta")
	require.Error(t, err)
	var qe *validate.QuestionError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Reason, "factual parameters")

	assert.Error(t, validate.CheckComparison("compare the performance of alpha and beta"))
	assert.Error(t, validate.CheckComparison("should i choose alpha or beta"))

	// A comparison naming no factual parameter is rejected too.
	err = validate.CheckComparison("compare alpha fund vs beta fund")
	require.Error(t, err)
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Reason, "specify which factual parameters")
}

func TestCheckQuestion(t *testing.T) {
	assert.Error(t, validate.CheckQuestion("   "))

	err := validate.CheckQuestion("my PAN is ABCDE1234F, what is my balance")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "personal information")

	assert.NoError(t, validate.CheckQuestion("what is the NAV of the alpha fund"))
}
