package qr

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Payload{
		AppointmentID: 42,
		ClientName:    "Imane B.",
		ProviderID:    "prov-7",
		OfferTitle:    "Dermatology consult",
		Date:          "2026-09-14",
		Time:          "10:30",
	}

	raw, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("png decode: %v", err)
	}

	got, err := DecodeImage(img)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AppointmentID != 42 {
		t.Fatalf("expected appointment id 42, got %d", got.AppointmentID)
	}
}

func TestEncodeOmitsEmptyContext(t *testing.T) {
	text, err := Payload{AppointmentID: 7}.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(text) != `{"appointment_id":7}` {
		t.Fatalf("optional fields must be omitted, got %s", text)
	}
}

func TestParsePayloadClassifiesInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "hello world"},
		{"empty object", "{}"},
		{"missing id", `{"client_name":"x"}`},
		{"zero id", `{"appointment_id":0}`},
		{"negative id", `{"appointment_id":-3}`},
		{"wrong type", `{"appointment_id":"42"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePayload([]byte(tc.raw))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestDecodeImageNoCode(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	_, err := DecodeImage(img)
	if !errors.Is(err, ErrNotDetected) {
		t.Fatalf("expected ErrNotDetected, got %v", err)
	}
}
