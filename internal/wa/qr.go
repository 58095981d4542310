package wa

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// RenderQR encodes a pairing code as a PNG image.
func RenderQR(code string) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}

// QRDataURL encodes a pairing code as a data:image/png URL.
func QRDataURL(code string) (string, error) {
	png, err := RenderQR(code)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
