package utils

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// EncodeQRBase64 renders content as a PNG QR code and returns it
// base64-encoded for embedding in a JSON response or data URI.
func EncodeQRBase64(content string, size int) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
