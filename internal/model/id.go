package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// IDType prefixes a generated operation key with the operation it names.
type IDType string

const (
	IDTypeRun  IDType = "run"
	IDTypeList IDType = "list"
)

// GeneratedID is a decoded key issued by GenerateID.
type GeneratedID struct {
	Type   IDType
	Issued time.Time
	Nonce  string
}

// Age is how long ago the key was issued, truncated to seconds.
func (g GeneratedID) Age(now time.Time) time.Duration {
	return now.Sub(g.Issued).Truncate(time.Second)
}

var generatedIDPattern = regexp.MustCompile(`^(run|list)_([0-9]{10})_([0-9a-f]{8})$`)

// GenerateID issues an operation key for callers that did not choose one:
// <type>_<unix seconds>_<8 hex>.
func GenerateID(idType IDType) (string, error) {
	if idType != IDTypeRun && idType != IDTypeList {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	nonce := make([]byte, 4)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(nonce)), nil
}

// ParseID decodes a key issued by GenerateID. Caller-chosen keys report
// false.
func ParseID(id string) (GeneratedID, bool) {
	m := generatedIDPattern.FindStringSubmatch(id)
	if m == nil {
		return GeneratedID{}, false
	}
	secs, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return GeneratedID{}, false
	}
	return GeneratedID{Type: IDType(m[1]), Issued: time.Unix(secs, 0), Nonce: m[3]}, true
}
