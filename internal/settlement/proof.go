package settlement

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ProofHeader carries evidence of payment on the paid provider call.
const ProofHeader = "X-Payment-Proof"

// Proof builds the payment proof header value: txHash:amount:payTo:digest,
// where digest is the keccak256 of the first three fields.
func Proof(txHash string, amount float64, payTo string) string {
	amt := formatAmount(amount)
	return strings.Join([]string{txHash, amt, payTo, proofDigest(txHash, amt, payTo)}, ":")
}

// VerifyProof checks the digest of a proof header value and returns its parts.
func VerifyProof(proof string) (txHash string, amount float64, payTo string, err error) {
	parts := strings.Split(proof, ":")
	if len(parts) != 4 {
		return "", 0, "", fmt.Errorf("proof has %d fields, want 4", len(parts))
	}
	if proofDigest(parts[0], parts[1], parts[2]) != parts[3] {
		return "", 0, "", fmt.Errorf("proof digest mismatch")
	}
	amount, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("parsing proof amount: %w", err)
	}
	return parts[0], amount, parts[2], nil
}

func proofDigest(txHash, amount, payTo string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(txHash + ":" + amount + ":" + payTo))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(roundMicro(v), 'f', 6, 64)
}
