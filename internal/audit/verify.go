package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a JSONL audit file and validates both the hash chain and
// every forensic entry's seal. Returns Valid=true if intact, or details
// about the first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	var prevLineBytes []byte

	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()

		// Copy: the scanner reuses its buffer.
		line := make([]byte, len(raw))
		copy(line, raw)

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("parse error: %v", err),
				ErrorLine: lineNum,
			}
		}

		if lineNum == 1 {
			if rec.PrevHash != GenesisHash {
				return VerifyResult{
					Error:     fmt.Sprintf("first record prev_hash is %q, expected genesis hash", rec.PrevHash),
					ErrorLine: 1,
				}
			}
		} else {
			expected := HashLine(prevLineBytes)
			if rec.PrevHash != expected {
				return VerifyResult{
					Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, rec.PrevHash),
					ErrorLine: lineNum,
				}
			}
		}

		if rec.Kind == "entry" && rec.Entry != nil {
			if !rec.Entry.VerifySeal() {
				return VerifyResult{
					Error:     fmt.Sprintf("entry %s seal does not verify", rec.Entry.AuditID),
					ErrorLine: lineNum,
				}
			}
		}

		prevLineBytes = line
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: lineNum}
}
