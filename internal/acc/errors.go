package acc

import "fmt"

// Validation failure codes. A failed validation consumes the token; the
// caller must re-issue rather than retry.
const (
	CodeTokenNotFound        = "TOKEN_NOT_FOUND"
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeTokenAlreadyConsumed = "TOKEN_ALREADY_CONSUMED"
	CodeChallengeMismatch    = "CHALLENGE_MISMATCH"
)

// ValidationError reports why a confirmation token failed to validate.
type ValidationError struct {
	Code  string
	ACCID string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("confirmation token %s: %s", e.ACCID, e.Code)
}
