package domain

import "time"

type AdminUser struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	TotpSecret   *string    `json:"-"` // pending until TotpEnabled, confirmed afterwards
	TotpEnabled  bool       `json:"totp_enabled"`
	TotpLastStep int64      `json:"-"` // last accepted TOTP time step, rejects replays
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type TotpEnrollment struct {
	Secret    string `json:"secret"`
	URL       string `json:"url"`         // otpauth://totp/...
	QRCodePNG string `json:"qr_code_png"` // data:image/png;base64,...
}
