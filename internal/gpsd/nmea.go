package gpsd

import (
	"fmt"
	"strings"
)

// Checksum is the XOR of every byte between '$' and '*'.
func Checksum(body string) byte {
	var ck byte
	for i := 0; i < len(body); i++ {
		ck ^= body[i]
	}
	return ck
}

// Sentence frames body as "$body*HH" with an upper-case hex checksum. A
// leading '$' in body is tolerated.
func Sentence(body string) string {
	body = strings.TrimPrefix(body, "$")
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

// Sentencef formats the body and frames it with Sentence.
func Sentencef(format string, args ...any) string {
	return Sentence(fmt.Sprintf(format, args...))
}
