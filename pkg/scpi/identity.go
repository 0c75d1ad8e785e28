package scpi

import (
	"fmt"
	"strings"
)

const IdentifyCommand = "*IDN?"

// Identity is the reply to *IDN?.
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Version      string `json:"version"`
}

// ParseIdentity splits an *IDN? reply into its four fields. Any other field
// count is a ParseError.
func ParseIdentity(resp string) (Identity, error) {
	fields := strings.Split(strings.TrimRight(resp, " \t\r\n"), ",")
	if len(fields) != 4 {
		return Identity{}, &ParseError{
			Command:  IdentifyCommand,
			Response: resp,
			Reason:   fmt.Sprintf("expected 4 fields, got %d", len(fields)),
		}
	}

	return Identity{
		Manufacturer: fields[0],
		Model:        fields[1],
		Serial:       fields[2],
		Version:      fields[3],
	}, nil
}

// Identify queries *IDN? and parses the reply.
func Identify(c Conn) (Identity, error) {
	resp, err := c.Query(IdentifyCommand)
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentity(resp)
}
