package crypto_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/domain/service/mocks"
	"github.com/turtacn/paygate/internal/infrastructure/crypto"
	"github.com/turtacn/paygate/internal/infrastructure/persistence/memory"
	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

const testSecret = "whsec_test_secret_0123456789"

var payload = []byte(`{"amount":1000,"currency":"EUR"}`)

func TestVerify_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := crypto.GenerateSignature(payload, testSecret, now)

	assert.Regexp(t, `^t=1700000000,v1=[0-9a-f]{64}$`, header)
	assert.NoError(t, crypto.Verify(payload, header, []string{testSecret}, now, 5*time.Minute))
}

func TestVerify_AlteredBytes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := crypto.GenerateSignature(payload, testSecret, now)

	altered := append([]byte(nil), payload...)
	altered[10] ^= 0x01
	assert.Error(t, crypto.Verify(altered, header, []string{testSecret}, now, 5*time.Minute))

	// flip the last hex digit of the signature
	last := header[len(header)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	tampered := header[:len(header)-1] + string(flipped)
	assert.Error(t, crypto.Verify(payload, tampered, []string{testSecret}, now, 5*time.Minute))

	assert.Error(t, crypto.Verify(payload, header, []string{"another-secret"}, now, 5*time.Minute))
}

func TestVerify_ToleranceBoundary(t *testing.T) {
	tolerance := 5 * time.Minute
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		signed  time.Time
		wantErr bool
	}{
		{"just inside the past edge", now.Add(-tolerance + time.Second), false},
		{"exactly at tolerance", now.Add(-tolerance), false},
		{"one second too old", now.Add(-tolerance - time.Second), true},
		{"future inside tolerance", now.Add(tolerance - time.Second), false},
		{"future beyond tolerance", now.Add(tolerance + time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := crypto.GenerateSignature(payload, testSecret, tt.signed)
			err := crypto.Verify(payload, header, []string{testSecret}, now, tolerance)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerify_MultipleSignaturesForRotation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	oldHeader := crypto.GenerateSignature(payload, "old-secret", now)
	newHeader := crypto.GenerateSignature(payload, "new-secret", now)

	parsedOld, err := crypto.ParseHeader(oldHeader)
	require.NoError(t, err)
	parsedNew, err := crypto.ParseHeader(newHeader)
	require.NoError(t, err)
	assert.Len(t, parsedOld.Signatures, 1)
	assert.Len(t, parsedNew.Signatures, 1)

	combined := fmt.Sprintf("%s,v1=%x", oldHeader, parsedNew.Signatures[0])
	assert.NoError(t, crypto.Verify(payload, combined, []string{"new-secret"}, now, time.Minute))
	assert.NoError(t, crypto.Verify(payload, combined, []string{"old-secret"}, now, time.Minute))
	assert.NoError(t, crypto.Verify(payload, oldHeader, []string{"new-secret", "old-secret"}, now, time.Minute))
}

func TestParseHeader_Malformed(t *testing.T) {
	for _, header := range []string{"", "garbage", "t=abc,v1=00", "v1=deadbeef", "t=1700000000", "t=1700000000,v1=zz"} {
		_, err := crypto.ParseHeader(header)
		assert.Error(t, err, header)
	}
}

func TestNormalizeHeader_BareHex(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	parsed, err := crypto.ParseHeader(crypto.GenerateSignature(payload, testSecret, now))
	require.NoError(t, err)
	bare := fmt.Sprintf("%x", parsed.Signatures[0])

	header := crypto.NormalizeHeader(bare, "1700000000")
	assert.Equal(t, "t=1700000000,v1="+bare, header)
	assert.NoError(t, crypto.Verify(payload, header, []string{testSecret}, now, time.Minute))

	structured := "t=1,v1=ab"
	assert.Equal(t, structured, crypto.NormalizeHeader(structured, "999"))
}

func TestSignatureVerifier_ReplayRejected(t *testing.T) {
	ctx := context.Background()
	clock := scheduler.NewManualScheduler(time.Unix(1_700_000_000, 0))
	secrets := new(mocks.MockSecretProvider)
	secrets.On("SigningSecrets", mock.Anything, "client-1").Return([]string{testSecret}, nil)

	verifier := crypto.NewSignatureVerifier(secrets, memory.NewAtomicStore(clock), clock, 5*time.Minute, time.Second, logger.NewNoopLogger())
	header := crypto.GenerateSignature(payload, testSecret, clock.Now())

	require.NoError(t, verifier.VerifyRequest(ctx, "client-1", payload, header, ""))

	err := verifier.VerifyRequest(ctx, "client-1", payload, header, "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeSignature))

	// a fresh signature at a later second is a different header
	clock.Advance(time.Second)
	assert.NoError(t, verifier.VerifyRequest(ctx, "client-1", payload, crypto.GenerateSignature(payload, testSecret, clock.Now()), ""))
}

func TestSignatureVerifier_RewrittenHeaderIsStillAReplay(t *testing.T) {
	ctx := context.Background()
	clock := scheduler.NewManualScheduler(time.Unix(1_700_000_000, 0))
	secrets := new(mocks.MockSecretProvider)
	secrets.On("SigningSecrets", mock.Anything, "client-1").Return([]string{testSecret}, nil)

	verifier := crypto.NewSignatureVerifier(secrets, memory.NewAtomicStore(clock), clock, 5*time.Minute, time.Second, logger.NewNoopLogger())
	header := crypto.GenerateSignature(payload, testSecret, clock.Now())
	require.NoError(t, verifier.VerifyRequest(ctx, "client-1", payload, header, ""))

	parsed, err := crypto.ParseHeader(header)
	require.NoError(t, err)
	bare := fmt.Sprintf("%x", parsed.Signatures[0])

	for _, variant := range []struct{ signature, timestamp string }{
		{strings.Replace(header, ",", ", ", 1), ""},
		{header + ",v0=x", ""},
		{header + ",v1=zz", ""},
		{"t=1700000000,v1=00," + strings.SplitN(header, ",", 2)[1], ""},
		{bare, "1700000000"},
	} {
		err := verifier.VerifyRequest(ctx, "client-1", payload, variant.signature, variant.timestamp)
		assert.True(t, errors.HasCode(err, errors.CodeSignature), variant.signature)
	}
}

func TestSignatureVerifier_FailuresWithholdDetail(t *testing.T) {
	ctx := context.Background()
	clock := scheduler.NewManualScheduler(time.Unix(1_700_000_000, 0))
	secrets := new(mocks.MockSecretProvider)
	secrets.On("SigningSecrets", mock.Anything, "client-1").Return([]string{testSecret}, nil)
	secrets.On("SigningSecrets", mock.Anything, "unknown").Return(nil, stderrors.New("no such client"))

	verifier := crypto.NewSignatureVerifier(secrets, nil, clock, 5*time.Minute, time.Second, logger.NewNoopLogger())

	stale := crypto.GenerateSignature(payload, testSecret, clock.Now().Add(-10*time.Minute))
	errs := []error{
		verifier.VerifyRequest(ctx, "client-1", payload, stale, ""),
		verifier.VerifyRequest(ctx, "client-1", payload, "t=abc", ""),
		verifier.VerifyRequest(ctx, "unknown", payload, crypto.GenerateSignature(payload, testSecret, clock.Now()), ""),
	}
	for _, err := range errs {
		require.Error(t, err)
		gateErr, ok := errors.AsGateError(err)
		require.True(t, ok)
		assert.Equal(t, "invalid signature", gateErr.Detail())
		assert.Equal(t, 401, gateErr.HTTPStatus())
	}
}
