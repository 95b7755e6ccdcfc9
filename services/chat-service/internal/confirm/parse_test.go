package confirm

import (
	"errors"
	"testing"
)

func TestExtractValidBlock(t *testing.T) {
	reply := "Great, I've set that up for you.\n" +
		"```booking\n" +
		`{"client_id":"c-1","provider_id":"p-1","service":"plumbing","offer_title":"Spring special","start_time":"2024-06-01T10:00:00Z"}` +
		"\n```\nSee you then!"

	c, found, err := Extract(reply)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !found {
		t.Fatal("block not found")
	}
	if c.ClientID != "c-1" || c.ProviderID != "p-1" || c.Service != "plumbing" {
		t.Errorf("confirmation = %+v", c)
	}
}

func TestExtractNoBlock(t *testing.T) {
	_, found, err := Extract("What time works best for you?")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if found {
		t.Error("found a block in plain prose")
	}
}

func TestExtractMalformed(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"bad json", "```booking\n{not json}\n```"},
		{"missing client", "```booking\n{\"provider_id\":\"p-1\",\"service\":\"plumbing\"}\n```"},
		{"missing service", "```booking\n{\"client_id\":\"c-1\",\"provider_id\":\"p-1\"}\n```"},
		{"bad start_time", "```booking\n{\"client_id\":\"c-1\",\"provider_id\":\"p-1\",\"service\":\"x\",\"start_time\":\"tomorrow\"}\n```"},
		{"unknown field", "```booking\n{\"client_id\":\"c-1\",\"provider_id\":\"p-1\",\"service\":\"x\",\"price\":10}\n```"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Extract(tc.reply)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestExtractIgnoresOtherFences(t *testing.T) {
	reply := "Here is an example:\n```json\n{\"foo\":1}\n```"
	_, found, err := Extract(reply)
	if err != nil || found {
		t.Errorf("found=%v err=%v, want no block", found, err)
	}
}
