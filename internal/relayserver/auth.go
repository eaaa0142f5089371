package relayserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/halvard-ems/cratebridge/internal/apierr"
	"github.com/halvard-ems/cratebridge/pkg/kvkeys"
)

const (
	pairingCodeTTL   = 10 * time.Minute
	mobileTokenTTL   = 30 * 24 * time.Hour
	pairingCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I ambiguity
	pairingCodeLen   = 8

	verifyLimit  = 10 // max verify attempts per IP per window
	verifyWindow = time.Minute
)

type pairingCodeRecord struct {
	DeviceID  string `json:"deviceId"`
	UserLabel string `json:"userLabel"`
}

// startPairing issues a short-lived pairing code that is exchanged at
// /api/pair/verify for the pairing secret an origin registers with. This
// endpoint is intentionally unauthenticated: the code itself is the
// credential, and it expires quickly.
func (s *Service) startPairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string `json:"deviceId"`
		UserLabel string `json:"userLabel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "deviceId is required"))
		return
	}

	code, err := generatePairingCode()
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}

	rec, err := json.Marshal(pairingCodeRecord{DeviceID: req.DeviceID, UserLabel: req.UserLabel})
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}
	if err := s.kv.Set(r.Context(), kvkeys.PairingCode(code), rec, pairingCodeTTL).Err(); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":      code,
		"expiresIn": int(pairingCodeTTL.Seconds()),
	})
}

// verifyPairing exchanges a pairing code for a persisted, bcrypt-hashed
// pairing secret; the origin is configured with that secret (PAIRING_SECRET)
// and presents it on every subsequent tunnel registration.
func (s *Service) verifyPairing(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	attempts, _ := s.kv.Incr(r.Context(), kvkeys.LoginAttempts(ip)).Result()
	if attempts == 1 {
		s.kv.Expire(r.Context(), kvkeys.LoginAttempts(ip), verifyWindow)
	}
	if attempts > verifyLimit {
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "too many pairing attempts"))
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "code is required"))
		return
	}

	raw, err := s.kv.Get(r.Context(), kvkeys.PairingCode(req.Code)).Bytes()
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "pairing code invalid or expired"))
		return
	}
	var rec pairingCodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}
	_ = s.kv.Del(r.Context(), kvkeys.PairingCode(req.Code)).Err()

	secret, err := generatePairingCode()
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}

	if _, err := s.devices.Register(r.Context(), rec.DeviceID, string(hash), rec.UserLabel); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}

	mobileToken, err := s.issueMobileJWT(rec.DeviceID)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":      rec.DeviceID,
		"pairingSecret": secret,
		"mobileToken":   mobileToken,
	})
}

func generatePairingCode() (string, error) {
	b := make([]byte, pairingCodeLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pairingCodeChars))))
		if err != nil {
			return "", err
		}
		b[i] = pairingCodeChars[n.Int64()]
	}
	return string(b), nil
}

// authenticateOrigin validates the pairing secret an origin presents at
// tunnel registration time against its bcrypt hash in the device registry.
func (s *Service) authenticateOrigin(ctx context.Context, deviceID, secret string) bool {
	dev, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(dev.PairingSecretHash), []byte(secret)) == nil
}

type mobileClaims struct {
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// issueMobileJWT signs a bearer token for deviceID and records its jti in
// Redis with the same TTL as the token, so a paired device can be revoked
// before the JWT itself expires.
func (s *Service) issueMobileJWT(deviceID string) (string, error) {
	now := time.Now()
	jti, err := generatePairingCode()
	if err != nil {
		return "", err
	}
	c := mobileClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(mobileTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}
	if s.kv != nil {
		s.kv.Set(context.Background(), kvkeys.MobileToken(jti), deviceID, mobileTokenTTL)
	}
	return signed, nil
}

// revokeMobileToken invalidates a previously issued token ahead of its
// natural JWT expiry, used when an operator unpairs a device.
func (s *Service) revokeMobileToken(ctx context.Context, jti string) error {
	return s.kv.Del(ctx, kvkeys.MobileToken(jti)).Err()
}

type ctxKey string

const (
	ctxDeviceID ctxKey = "device_id"
	ctxTokenID  ctxKey = "token_id"
)

// mobileAuthMiddleware validates the mobile client's bearer JWT and injects
// the authenticated deviceId into the request context.
func (s *Service) mobileAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		tokenStr := strings.TrimPrefix(hdr, "Bearer ")
		if tokenStr == "" || tokenStr == hdr {
			apierr.WriteJSON(w, apierr.New(apierr.KindUnauthorized, "missing bearer token"))
			return
		}

		var claims mobileClaims
		tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil || !tok.Valid {
			apierr.WriteJSON(w, apierr.New(apierr.KindUnauthorized, "invalid token"))
			return
		}
		if s.kv != nil && claims.ID != "" {
			if err := s.kv.Get(r.Context(), kvkeys.MobileToken(claims.ID)).Err(); err != nil {
				apierr.WriteJSON(w, apierr.New(apierr.KindUnauthorized, "token revoked or expired"))
				return
			}
		}

		ctx := context.WithValue(r.Context(), ctxDeviceID, claims.DeviceID)
		ctx = context.WithValue(ctx, ctxTokenID, claims.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceIDFromCtx extracts the authenticated device ID from the request
// context set by mobileAuthMiddleware.
func DeviceIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxDeviceID).(string)
	return v
}

// tokenIDFromCtx extracts the authenticated token's jti from the request
// context set by mobileAuthMiddleware.
func tokenIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTokenID).(string)
	return v
}
