package account

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// IDTokenInfo holds the claims this system cares about from an OpenAI
// id_token.
type IDTokenInfo struct {
	ChatGPTAccountID string
	Email            string
	PlanType         string
}

// ParseIDToken extracts account info from a JWT id_token payload. Returns nil
// when the token is malformed; callers fall back to empty identity fields.
func ParseIDToken(idToken string) *IDTokenInfo {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return nil
	}

	// Decode payload (base64url, no padding)
	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}

	var claims struct {
		Email string `json:"email"`
		Auth  struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
			ChatGPTPlanType  string `json:"chatgpt_plan_type"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil
	}

	return &IDTokenInfo{
		ChatGPTAccountID: claims.Auth.ChatGPTAccountID,
		Email:            claims.Email,
		PlanType:         NormalizePlan(claims.Auth.ChatGPTPlanType),
	}
}

// Known plan types.
const (
	PlanFree       = "free"
	PlanPlus       = "plus"
	PlanPro        = "pro"
	PlanTeam       = "team"
	PlanBusiness   = "business"
	PlanEnterprise = "enterprise"
	PlanEdu        = "edu"
	PlanUnknown    = "unknown"
)

// NormalizePlan maps upstream plan strings onto the known set.
func NormalizePlan(plan string) string {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case "free":
		return PlanFree
	case "plus":
		return PlanPlus
	case "pro":
		return PlanPro
	case "team":
		return PlanTeam
	case "business":
		return PlanBusiness
	case "enterprise":
		return PlanEnterprise
	case "edu", "education":
		return PlanEdu
	default:
		return PlanUnknown
	}
}
