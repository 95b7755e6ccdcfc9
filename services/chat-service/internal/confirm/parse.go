package confirm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrMalformed means the model emitted a booking block that failed the
// validated parse. The block is never trusted partially: it either
// parses and validates in full or is rejected.
var ErrMalformed = errors.New("confirm: malformed booking block")

// Confirmation is the structured booking intent the assistant emits in
// a fenced ```booking code block once a conversation has converged.
type Confirmation struct {
	ClientID   string `json:"client_id"`
	ProviderID string `json:"provider_id"`
	Service    string `json:"service"`
	OfferTitle string `json:"offer_title,omitempty"`
	StartTime  string `json:"start_time"`
}

var blockRe = regexp.MustCompile("(?s)```booking\\s*\\n(.*?)```")

// Extract finds the fenced booking block in an assistant reply. It
// returns found=false when there is no block; a block that is present
// but invalid is an error, never a silent miss.
func Extract(reply string) (Confirmation, bool, error) {
	m := blockRe.FindStringSubmatch(reply)
	if m == nil {
		return Confirmation{}, false, nil
	}

	var c Confirmation
	dec := json.NewDecoder(strings.NewReader(m[1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Confirmation{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ProviderID = strings.TrimSpace(c.ProviderID)
	c.Service = strings.TrimSpace(c.Service)
	if c.ClientID == "" || c.ProviderID == "" || c.Service == "" {
		return Confirmation{}, false, fmt.Errorf("%w: missing required fields", ErrMalformed)
	}
	if c.StartTime != "" {
		if _, err := time.Parse(time.RFC3339, c.StartTime); err != nil {
			return Confirmation{}, false, fmt.Errorf("%w: bad start_time: %v", ErrMalformed, err)
		}
	}
	return c, true, nil
}
