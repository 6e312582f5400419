package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

const SignatureHeader = "X-CliniSandbox-Signature"

// payload always reports COMPLETED: it means processing finished, and the
// result carries {"error": ...} for failed jobs.
type payload struct {
	JobID  domain.JobID    `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// CanonicalPayload returns the RFC 8785 canonical form of the callback body.
// These exact bytes are both signed and sent.
func CanonicalPayload(jobID domain.JobID, result json.RawMessage) ([]byte, error) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	raw, err := json.Marshal(payload{JobID: jobID, Status: "COMPLETED", Result: result})
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize webhook payload: %w", err)
	}
	return canonical, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against body in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(header)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
