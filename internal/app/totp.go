package app

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod  = 30
	totpDigits  = otp.DigitsSix
	totpAlgo    = otp.AlgorithmSHA1
	totpSkew    = 1  // steps accepted either side of now
	totpSecret  = 20 // bytes, 160 bits as RFC 4226 recommends
	totpQRPixel = 256
)

var totpOpts = totp.ValidateOpts{Period: totpPeriod, Digits: totpDigits, Algorithm: totpAlgo}

// VerifyTotpCode reports whether code matches secret at `at` within ±1 step.
func VerifyTotpCode(secret, code string, at time.Time) bool {
	_, ok := matchTotpStep(secret, code, at)
	return ok
}

// matchTotpStep returns the time step code was generated for.
// Every candidate is compared, so timing does not reveal which step matched.
func matchTotpStep(secret, code string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != totpDigits.Length() {
		return 0, false
	}
	now := at.Unix() / totpPeriod
	var matched int64
	found := 0
	for d := int64(-totpSkew); d <= totpSkew; d++ {
		step := now + d
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			matched = step
			found = 1
		}
	}
	return matched, found == 1
}

// newTotpKey generates a fresh secret and its provisioning URI.
func newTotpKey(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpPeriod,
		SecretSize:  totpSecret,
		Digits:      totpDigits,
		Algorithm:   totpAlgo,
	})
}

// totpURL rebuilds the otpauth URI for an existing secret.
func totpURL(issuer, account, secret string) string {
	label := url.PathEscape(fmt.Sprintf("%s:%s", issuer, account))
	params := url.Values{}
	params.Set("secret", secret)
	params.Set("issuer", issuer)
	params.Set("algorithm", "SHA1")
	params.Set("digits", "6")
	params.Set("period", fmt.Sprint(totpPeriod))
	return fmt.Sprintf("otpauth://totp/%s?%s", label, params.Encode())
}

// totpQRCode renders uri as a PNG data URI.
func totpQRCode(uri string) (string, error) {
	code, err := qr.Encode(uri, qr.M, qr.Auto)
	if err != nil {
		return "", err
	}
	scaled, err := barcode.Scale(code, totpQRPixel, totpQRPixel)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
