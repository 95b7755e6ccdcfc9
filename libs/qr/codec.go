package qr

import (
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/skip2/go-qrcode"
)

// ImageSize is the rendered edge length in pixels. QR payloads stay in
// the low hundreds of bytes, well within medium-EC capacity at this size.
const ImageSize = 256

// Encode renders the payload as a square two-tone PNG.
func Encode(p Payload) ([]byte, error) {
	text, err := p.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("qr: marshal payload: %w", err)
	}
	png, err := qrcode.Encode(string(text), qrcode.Medium, ImageSize)
	if err != nil {
		return nil, fmt.Errorf("qr: encode: %w", err)
	}
	return png, nil
}

// DecodeImage runs a detection pass over the image and parses the result.
// Failures are classified: ErrNotDetected when no code is readable in the
// frame, ErrInvalidPayload when a code was read but is not an appointment
// payload. Both are expected, recoverable outcomes for scan loops.
func DecodeImage(img image.Image) (Payload, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return Payload{}, ErrNotDetected
	}
	result, err := zxqrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return Payload{}, ErrNotDetected
	}
	return ParsePayload([]byte(result.GetText()))
}
