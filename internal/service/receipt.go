package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PreviewReceipt proves a preview was produced for a given caller and
// input without storing anything server side.
type PreviewReceipt struct {
	Caller    string `json:"caller"`
	PresetID  string `json:"preset_id"`
	Timestamp string `json:"timestamp"`
	Hash      string `json:"hash"`
	Type      string `json:"type"`
	Version   string `json:"version"`
}

// signReceipt serializes and signs a receipt as
// base64(payload).base64(signature).
func signReceipt(r PreviewReceipt, secret string) (string, error) {
	r.Type = "preview"
	r.Version = "1.0"

	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return base64.StdEncoding.EncodeToString(payload) + "." +
		base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyReceipt checks the signature and returns the decoded receipt.
func VerifyReceipt(token, secret string) (PreviewReceipt, error) {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return PreviewReceipt{}, fmt.Errorf("malformed receipt")
	}

	payload, err := base64.StdEncoding.DecodeString(payloadPart)
	if err != nil {
		return PreviewReceipt{}, fmt.Errorf("decode receipt payload: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigPart)
	if err != nil {
		return PreviewReceipt{}, fmt.Errorf("decode receipt signature: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return PreviewReceipt{}, fmt.Errorf("receipt signature mismatch")
	}

	var r PreviewReceipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return PreviewReceipt{}, fmt.Errorf("unmarshal receipt: %w", err)
	}
	if r.Type != "preview" {
		return PreviewReceipt{}, fmt.Errorf("unexpected receipt type %q", r.Type)
	}
	return r, nil
}

func newReceipt(callerHash, presetID, contentHash string, at time.Time) PreviewReceipt {
	return PreviewReceipt{
		Caller:    callerHash,
		PresetID:  presetID,
		Timestamp: at.UTC().Format(time.RFC3339),
		Hash:      contentHash,
	}
}
