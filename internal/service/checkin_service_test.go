package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/pkg/logger"
)

const base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// issueFree returns a confirmed registration and its token
func issueFree(t *testing.T, f *fixture) *IssueResult {
	t.Helper()
	f.addCategory(t, "free", 10, 0)
	res, err := f.registration.Issue(context.Background(), "free", alice)
	require.NoError(t, err)
	require.NotNil(t, res.Token)
	return res
}

func TestCheckInService_VerifyAndCheckIn(t *testing.T) {
	ctx := context.Background()

	t.Run("first scan wins", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		ci, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		require.NoError(t, err)
		assert.Equal(t, res.Registration.ID, ci.RegistrationID)
		assert.Equal(t, f.event.ID, ci.EventID)
		assert.Equal(t, "staff-1", ci.CheckedInBy)
		assert.True(t, f.clock.Now().Equal(ci.CheckedInAt))

		f.clock.Advance(10 * time.Minute)
		_, err = f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-2", f.event.ID)
		require.ErrorIs(t, err, domain.ErrAlreadyCheckedIn)

		var already *domain.AlreadyCheckedInError
		require.ErrorAs(t, err, &already)
		assert.Equal(t, "staff-1", already.CheckedInBy)
		assert.True(t, ci.CheckedInAt.Equal(already.CheckedInAt))
	})

	t.Run("event scope is optional", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		_, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", "")
		assert.NoError(t, err)
	})

	t.Run("ticket for another event", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		_, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", "event-2")
		assert.ErrorIs(t, err, domain.ErrEventMismatch)

		_, err = f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		assert.NoError(t, err)
	})

	t.Run("staff and token are required", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		_, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "  ", f.event.ID)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "staff_id", verr.Field)

		_, err = f.checkIn.VerifyAndCheckIn(ctx, "", "staff-1", f.event.ID)
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "token", verr.Field)
	})

	t.Run("any altered character is rejected", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)
		token := res.Token.Token

		for i := 0; i < len(token); i++ {
			idx := strings.IndexByte(base64URLAlphabet, token[i])
			if idx < 0 {
				continue
			}
			// flip the high bit of the 6-bit group so the decoded bytes always change
			tampered := token[:i] + string(base64URLAlphabet[idx^32]) + token[i+1:]

			_, err := f.checkIn.VerifyAndCheckIn(ctx, tampered, "staff-1", f.event.ID)
			require.ErrorIs(t, err, domain.ErrInvalidSignature, "position %d", i)
		}

		_, err := f.checkIn.VerifyAndCheckIn(ctx, token, "staff-1", f.event.ID)
		assert.NoError(t, err)
	})

	t.Run("garbage and foreign tokens", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		foreign := signWith(t, []byte("another-secret-another-secret-!!"), jwt.SigningMethodHS256, res.Registration, f.clock.Now().Add(time.Hour))
		none := signWith(t, jwt.UnsafeAllowNoneSignatureType, jwt.SigningMethodNone, res.Registration, f.clock.Now().Add(time.Hour))

		for _, tok := range []string{"not-a-token", "a.b.c", foreign, none} {
			_, err := f.checkIn.VerifyAndCheckIn(ctx, tok, "staff-1", f.event.ID)
			assert.ErrorIs(t, err, domain.ErrInvalidSignature, tok)
		}
	})

	t.Run("expired after the grace period", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		f.clock.Advance(f.event.EndTime.Sub(f.clock.Now()) + 47*time.Hour)
		_, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		require.NoError(t, err)

		other, err := f.registration.Issue(ctx, "free", domain.Participant{Name: "Bob", Email: "bob@example.com"})
		require.NoError(t, err)
		f.clock.Advance(2 * time.Hour)
		_, err = f.checkIn.VerifyAndCheckIn(ctx, other.Token.Token, "staff-1", f.event.ID)
		assert.ErrorIs(t, err, domain.ErrTokenExpired)
	})

	t.Run("bad signature wins over expiry", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)
		expired := signWith(t, []byte("another-secret-another-secret-!!"), jwt.SigningMethodHS256, res.Registration, f.clock.Now().Add(-time.Hour))

		_, err := f.checkIn.VerifyAndCheckIn(ctx, expired, "staff-1", f.event.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("registration no longer confirmed", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)
		f.setStatus(res.Registration.ID, domain.RegistrationCancelled)

		_, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		assert.ErrorIs(t, err, domain.ErrNotConfirmed)
	})

	t.Run("reissued token revokes the old one", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		fresh, err := f.tokens.ReissueToken(ctx, res.Registration.ID)
		require.NoError(t, err)
		assert.NotEqual(t, res.Token.TokenID, fresh.TokenID)

		_, err = f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		assert.ErrorIs(t, err, domain.ErrTokenRevoked)

		_, err = f.checkIn.VerifyAndCheckIn(ctx, fresh.Token, "staff-1", f.event.ID)
		assert.NoError(t, err)
	})

	t.Run("retried insert that already committed", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		calls := 0
		f.store.CheckInFunc = func(ci *domain.CheckIn) error {
			calls++
			if calls == 1 {
				f.putCheckIn(ci)
				return domain.Transient("insert check-in", errors.New("connection reset by peer"))
			}
			return nil
		}

		ci, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		require.NoError(t, err)
		assert.Equal(t, "staff-1", ci.CheckedInBy)
		assert.Equal(t, 2, calls)
	})

	t.Run("storage failure is transient", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)
		f.store.CheckInFunc = func(ci *domain.CheckIn) error {
			return domain.Transient("insert check-in", errors.New("connection refused"))
		}

		_, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		assert.True(t, domain.IsTransient(err))
	})
}

func TestTokenService(t *testing.T) {
	ctx := context.Background()

	t.Run("secret is required", func(t *testing.T) {
		_, err := NewTokenService(nil, nil, nil, nil, nil, &TokenServiceConfig{})
		assert.Error(t, err)
	})

	t.Run("claims round trip", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		claims, err := f.tokens.ParseToken(res.Token.Token)
		require.NoError(t, err)
		assert.Equal(t, res.Registration.ID, claims.RegistrationID)
		assert.Equal(t, f.event.ID, claims.EventID)
		assert.Equal(t, res.Registration.RegistrationCode, claims.RegistrationCode)
		assert.Equal(t, res.Token.TokenID, claims.ID)
		assert.True(t, res.Token.ExpiresAt.Equal(claims.ExpiresAt.Time))
	})

	t.Run("issue is idempotent", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		again, err := f.tokens.IssueToken(ctx, res.Registration)
		require.NoError(t, err)
		assert.Equal(t, res.Token.TokenID, again.TokenID)
		assert.Equal(t, res.Token.Token, again.Token)
	})

	t.Run("unconfirmed registration gets no token", func(t *testing.T) {
		f := newFixture(t)
		f.addCategory(t, "vip", 1, 250000)
		res, err := f.registration.Issue(ctx, "vip", alice)
		require.NoError(t, err)

		_, err = f.tokens.IssueToken(ctx, res.Registration)
		assert.ErrorIs(t, err, domain.ErrNotConfirmed)
		_, err = f.tokens.ReissueToken(ctx, res.Registration.ID)
		assert.ErrorIs(t, err, domain.ErrNotConfirmed)
		_, err = f.tokens.CurrentToken(ctx, res.Registration.ID)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})

	t.Run("reissue refused after check-in", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)
		_, err := f.checkIn.VerifyAndCheckIn(ctx, res.Token.Token, "staff-1", f.event.ID)
		require.NoError(t, err)

		_, err = f.tokens.ReissueToken(ctx, res.Registration.ID)
		assert.ErrorIs(t, err, domain.ErrAlreadyCheckedIn)

		current, err := f.tokens.CurrentToken(ctx, res.Registration.ID)
		require.NoError(t, err)
		assert.Equal(t, res.Token.TokenID, current.TokenID)
	})

	t.Run("reissue publishes the new ticket", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		_, err := f.tokens.ReissueToken(ctx, res.Registration.ID)
		require.NoError(t, err)
		assert.Equal(t, []domain.RegistrationEventType{
			domain.RegistrationEventConfirmed,
			domain.RegistrationEventTokenReissued,
		}, f.publisher.Events())
	})

	t.Run("reissue survives a failed publish", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		core, logs := observer.New(zapcore.ErrorLevel)
		defer logger.ReplaceGlobal(&logger.Logger{Logger: zap.New(core)})()
		f.publisher.failWith(errors.New("broker unavailable"))

		tok, err := f.tokens.ReissueToken(ctx, res.Registration.ID)
		require.NoError(t, err)
		assert.NotEqual(t, res.Token.TokenID, tok.TokenID)

		entries := logs.FilterMessage("failed to publish token reissued").All()
		require.Len(t, entries, 1)
		assert.Equal(t, res.Registration.ID, entries[0].ContextMap()["registration_id"])
	})

	t.Run("valid through the expiry instant", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		f.clock.Advance(res.Token.ExpiresAt.Sub(f.clock.Now()))
		_, err := f.tokens.ParseToken(res.Token.Token)
		require.NoError(t, err)

		f.clock.Advance(time.Nanosecond)
		_, err = f.tokens.ParseToken(res.Token.Token)
		assert.ErrorIs(t, err, domain.ErrTokenExpired)
	})

	t.Run("qr code", func(t *testing.T) {
		f := newFixture(t)
		res := issueFree(t, f)

		png, err := f.tokens.RenderQR(ctx, res.Registration.ID, 0)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")))

		_, err = f.tokens.RenderQR(ctx, res.Registration.ID, 4096)
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = f.tokens.RenderQR(ctx, "missing", 0)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})
}

func signWith(t *testing.T, key interface{}, method jwt.SigningMethod, reg *domain.Registration, exp time.Time) string {
	t.Helper()
	claims := TokenClaims{
		RegistrationID:   reg.ID,
		EventID:          reg.EventID,
		RegistrationCode: reg.RegistrationCode,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "forged",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}
