package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gallery/internal/domain"
)

type AuthService struct {
	store  domain.Store
	issuer string
	params Argon2Params

	now func() time.Time

	dummyOnce sync.Once
	dummy     string
}

func NewAuthService(s domain.Store, issuer string) *AuthService {
	if issuer == "" {
		issuer = "Gallery"
	}
	return &AuthService{store: s, issuer: issuer, params: DefaultArgon2, now: time.Now}
}

// burnHash spends the same work as a real verification so unknown usernames
// cannot be told apart by response time.
func (s *AuthService) burnHash(password string) {
	s.dummyOnce.Do(func() {
		s.dummy, _ = HashPassword("not-the-password", s.params)
	})
	_, _, _ = VerifyPassword(password, s.dummy)
}

// Authenticate checks the password and, when enrolled, the TOTP code. Every
// failure is the same ErrInvalidCredentials.
// The row is re-read under lock and must still hold the hash and TOTP state that
// were verified; only last_login_at and totp_last_step are written.
func (s *AuthService) Authenticate(ctx context.Context, username, password, totpCode string) (domain.AdminUser, error) {
	u, err := s.store.GetAdminUser(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		s.burnHash(password)
		return domain.AdminUser{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return domain.AdminUser{}, domain.StorageErr("load admin user", err)
	}

	ok, rehash, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		log.Error().Err(err).Str("user", username).Msg("stored password hash unreadable")
		return domain.AdminUser{}, domain.ErrInvalidCredentials
	}
	if !ok {
		return domain.AdminUser{}, domain.ErrInvalidCredentials
	}

	now := s.now()
	step := u.TotpLastStep
	if u.TotpEnabled {
		if u.TotpSecret == nil || strings.TrimSpace(totpCode) == "" {
			return domain.AdminUser{}, domain.ErrInvalidCredentials
		}
		var matched bool
		if step, matched = matchTotpStep(*u.TotpSecret, totpCode, now); !matched {
			return domain.AdminUser{}, domain.ErrInvalidCredentials
		}
	}

	var newHash string
	if rehash {
		if newHash, err = HashPassword(password, s.params); err != nil {
			log.Warn().Err(err).Str("user", username).Msg("password rehash failed")
			newHash = ""
		}
	}

	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		cur, err := tx.LockAdminUser(ctx, username)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrInvalidCredentials
		}
		if err != nil {
			return domain.StorageErr("load admin user", err)
		}
		if cur.PasswordHash != u.PasswordHash || !sameTotp(cur, u) {
			return domain.ErrInvalidCredentials
		}
		if !cur.TotpEnabled {
			step = cur.TotpLastStep
		} else if step <= cur.TotpLastStep {
			return domain.ErrInvalidCredentials
		}
		if err := tx.RecordAdminLogin(ctx, username, now, step); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrInvalidCredentials
			}
			return domain.StorageErr("record login", err)
		}
		if newHash != "" {
			if err := tx.SetAdminPassword(ctx, username, newHash); err != nil {
				return domain.StorageErr("rehash password", err)
			}
			cur.PasswordHash = newHash
		}
		u = cur
		return nil
	})
	if err != nil {
		return domain.AdminUser{}, domain.StorageErr("record login", err)
	}
	u.TotpLastStep = step
	u.LastLoginAt = &now
	return u, nil
}

// sameTotp reports whether a and b gate login the same way. A pending secret
// does not gate login, so it is not compared.
func sameTotp(a, b domain.AdminUser) bool {
	if a.TotpEnabled != b.TotpEnabled {
		return false
	}
	if !a.TotpEnabled {
		return true
	}
	return a.TotpSecret != nil && b.TotpSecret != nil && *a.TotpSecret == *b.TotpSecret
}

// lockedUser runs fn with the admin row locked for the rest of the transaction.
func (s *AuthService) lockedUser(ctx context.Context, username string, fn func(tx domain.Tx, u domain.AdminUser) error) error {
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		u, err := tx.LockAdminUser(ctx, username)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NotFound("admin user")
		}
		if err != nil {
			return domain.StorageErr("load admin user", err)
		}
		return fn(tx, u)
	})
	return domain.StorageErr("admin user transaction", err)
}

// EnableTotp stores a fresh, unconfirmed secret. TOTP stays off until VerifyTotp
// sees a code generated from it.
func (s *AuthService) EnableTotp(ctx context.Context, username string) (domain.TotpEnrollment, error) {
	var secret, account string
	err := s.lockedUser(ctx, username, func(tx domain.Tx, u domain.AdminUser) error {
		if u.TotpEnabled {
			return domain.Conflict("two-factor authentication is already enabled; disable it first")
		}
		key, err := newTotpKey(s.issuer, u.Username)
		if err != nil {
			return domain.StorageErr("generate totp secret", err)
		}
		secret, account = key.Secret(), u.Username
		if err := tx.SetAdminTotp(ctx, username, &secret, false, 0); err != nil {
			return domain.StorageErr("store totp secret", err)
		}
		return nil
	})
	if err != nil {
		return domain.TotpEnrollment{}, err
	}

	uri := totpURL(s.issuer, account, secret)
	img, err := totpQRCode(uri)
	if err != nil {
		// the secret and URI are still usable for manual entry
		log.Warn().Err(err).Str("user", username).Msg("qr encode failed")
	}
	return domain.TotpEnrollment{Secret: secret, URL: uri, QRCodePNG: img}, nil
}

// VerifyTotp confirms a pending enrollment.
func (s *AuthService) VerifyTotp(ctx context.Context, username, code string) error {
	err := s.lockedUser(ctx, username, func(tx domain.Tx, u domain.AdminUser) error {
		if u.TotpEnabled {
			return domain.Conflict("two-factor authentication is already enabled")
		}
		if u.TotpSecret == nil || *u.TotpSecret == "" {
			return domain.Validation("no pending two-factor enrollment", map[string]string{"code": "call enable first"})
		}
		step, ok := matchTotpStep(*u.TotpSecret, code, s.now())
		if !ok || step <= u.TotpLastStep {
			return domain.ErrInvalidCredentials
		}
		if err := tx.SetAdminTotp(ctx, username, u.TotpSecret, true, step); err != nil {
			return domain.StorageErr("confirm totp", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("user", username).Msg("totp enabled")
	return nil
}

func (s *AuthService) DisableTotp(ctx context.Context, username string) error {
	return s.lockedUser(ctx, username, func(tx domain.Tx, _ domain.AdminUser) error {
		return domain.StorageErr("disable totp", tx.SetAdminTotp(ctx, username, nil, false, 0))
	})
}

// ---- admin user lifecycle ----

func (s *AuthService) CreateUser(ctx context.Context, username, password string) (domain.AdminUser, error) {
	username = strings.TrimSpace(username)
	fields := map[string]string{}
	if username == "" || len(username) > 64 {
		fields["username"] = "required, at most 64 characters"
	}
	if len(password) < MinPasswordLen {
		fields["password"] = "must be at least 10 characters"
	}
	if len(fields) > 0 {
		return domain.AdminUser{}, domain.Validation("invalid admin user", fields)
	}
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return domain.AdminUser{}, domain.StorageErr("hash password", err)
	}
	u := domain.AdminUser{Username: username, PasswordHash: hash}
	if err := s.store.InsertAdminUser(ctx, &u); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return domain.AdminUser{}, domain.Conflict("username already taken")
		}
		return domain.AdminUser{}, domain.StorageErr("insert admin user", err)
	}
	return u, nil
}

// ChangePassword verifies and hashes before locking, then writes only if the
// stored hash is still the one the current password was checked against.
func (s *AuthService) ChangePassword(ctx context.Context, username, current, next string) error {
	u, err := s.user(ctx, username)
	if err != nil {
		return err
	}
	ok, _, err := VerifyPassword(current, u.PasswordHash)
	if err != nil || !ok {
		return domain.ErrInvalidCredentials
	}
	if len(next) < MinPasswordLen {
		return domain.Validation("weak password", map[string]string{"password": "must be at least 10 characters"})
	}
	hash, err := HashPassword(next, s.params)
	if err != nil {
		return domain.StorageErr("hash password", err)
	}
	return s.lockedUser(ctx, username, func(tx domain.Tx, cur domain.AdminUser) error {
		if cur.PasswordHash != u.PasswordHash {
			return domain.ErrInvalidCredentials
		}
		return domain.StorageErr("update password", tx.SetAdminPassword(ctx, username, hash))
	})
}

// DeleteUser removes an admin. The last remaining admin cannot be deleted.
func (s *AuthService) DeleteUser(ctx context.Context, username string) error {
	return s.store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.GetAdminUser(ctx, username); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NotFound("admin user")
			}
			return domain.StorageErr("load admin user", err)
		}
		n, err := tx.CountAdminUsers(ctx)
		if err != nil {
			return domain.StorageErr("count admin users", err)
		}
		if n <= 1 {
			return domain.Conflict("cannot delete the last admin user")
		}
		return domain.StorageErr("delete admin user", tx.DeleteAdminUser(ctx, username))
	})
}

func (s *AuthService) ListUsers(ctx context.Context) ([]domain.AdminUser, error) {
	us, err := s.store.ListAdminUsers(ctx)
	if err != nil {
		return nil, domain.StorageErr("list admin users", err)
	}
	return us, nil
}

// EnsureBootstrapAdmin creates the configured admin when no admin exists yet.
// It never overwrites an existing account.
func (s *AuthService) EnsureBootstrapAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	n, err := s.store.CountAdminUsers(ctx)
	if err != nil {
		return domain.StorageErr("count admin users", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.CreateUser(ctx, username, password); err != nil {
		return err
	}
	log.Info().Str("user", username).Msg("bootstrap admin created")
	return nil
}

func (s *AuthService) user(ctx context.Context, username string) (domain.AdminUser, error) {
	u, err := s.store.GetAdminUser(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AdminUser{}, domain.NotFound("admin user")
	}
	if err != nil {
		return domain.AdminUser{}, domain.StorageErr("load admin user", err)
	}
	return u, nil
}
