package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// signatureScheme is the only scheme version understood by the verifier.
const signatureScheme = "v1"

// Internal verification failures. They are logged but never returned to the caller.
var (
	errMalformedHeader   = stderrors.New("malformed signature header")
	errMissingTimestamp  = stderrors.New("signature timestamp missing")
	errInvalidTimestamp  = stderrors.New("signature timestamp is not a unix time")
	errOutsideTolerance  = stderrors.New("signature timestamp outside tolerance")
	errNoSignatures      = stderrors.New("no v1 signature in header")
	errSignatureMismatch = stderrors.New("no signature matched")
	errNoSecret          = stderrors.New("no signing secret available")
	errReplayed          = stderrors.New("signature already used")
)

// SignedHeader is a parsed "t=<unix>,v1=<hex>[,v1=<hex>...]" header.
type SignedHeader struct {
	Timestamp  time.Time
	Signatures [][]byte
}

// GenerateSignature signs payload with secret at t and returns the header value.
func GenerateSignature(payload []byte, secret string, t time.Time) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,%s=%s", ts, signatureScheme, hex.EncodeToString(computeMAC(payload, secret, ts)))
}

// NormalizeHeader turns a bare hex signature plus a separate timestamp into the structured form.
// Structured headers are returned unchanged.
func NormalizeHeader(signature, timestamp string) string {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.Contains(signature, "=") {
		return signature
	}
	return "t=" + strings.TrimSpace(timestamp) + "," + signatureScheme + "=" + signature
}

// ParseHeader parses a structured signature header. Unknown schemes are ignored.
func ParseHeader(header string) (*SignedHeader, error) {
	if strings.TrimSpace(header) == "" {
		return nil, errMalformedHeader
	}
	parsed := &SignedHeader{}
	seenTimestamp := false
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return nil, errMalformedHeader
		}
		switch kv[0] {
		case "t":
			unix, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return nil, errInvalidTimestamp
			}
			parsed.Timestamp = time.Unix(unix, 0)
			seenTimestamp = true
		case signatureScheme:
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			parsed.Signatures = append(parsed.Signatures, sig)
		}
	}
	if !seenTimestamp {
		return nil, errMissingTimestamp
	}
	if len(parsed.Signatures) == 0 {
		return nil, errNoSignatures
	}
	return parsed, nil
}

// Verify checks header against payload using any of secrets. The returned error describes
// the failure and must not be shown to clients.
func Verify(payload []byte, header string, secrets []string, now time.Time, tolerance time.Duration) error {
	_, _, err := verify(payload, header, secrets, now, tolerance)
	return err
}

// verify returns the signing time and the MAC that matched.
func verify(payload []byte, header string, secrets []string, now time.Time, tolerance time.Duration) (int64, []byte, error) {
	if len(secrets) == 0 {
		return 0, nil, errNoSecret
	}
	parsed, err := ParseHeader(header)
	if err != nil {
		return 0, nil, err
	}
	skew := now.Sub(parsed.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return 0, nil, errOutsideTolerance
	}
	ts := parsed.Timestamp.Unix()
	for _, secret := range secrets {
		expected := computeMAC(payload, secret, ts)
		for _, sig := range parsed.Signatures {
			if hmac.Equal(expected, sig) {
				return ts, expected, nil
			}
		}
	}
	return 0, nil, errSignatureMismatch
}

func computeMAC(payload []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// ================================================================================
// Signature Verifier
// ================================================================================

var _ service.RequestSignatureVerifier = (*SignatureVerifier)(nil)

// SignatureVerifier verifies request signatures against the client's secrets and
// rejects a verified header seen again inside the tolerance window.
type SignatureVerifier struct {
	secrets   service.SecretProvider
	replay    service.AtomicStore
	clock     service.Clock
	tolerance time.Duration
	timeout   time.Duration
	logger    logger.Logger
}

// NewSignatureVerifier creates a verifier. replay may be nil to disable the replay cache.
func NewSignatureVerifier(secrets service.SecretProvider, replay service.AtomicStore, clock service.Clock, tolerance, lookupTimeout time.Duration, log logger.Logger) *SignatureVerifier {
	if clock == nil {
		clock = service.SystemClock{}
	}
	return &SignatureVerifier{
		secrets:   secrets,
		replay:    replay,
		clock:     clock,
		tolerance: tolerance,
		timeout:   lookupTimeout,
		logger:    log.WithComponent("SignatureVerifier"),
	}
}

// VerifyRequest verifies the signature sent by clientID over payload. A bare hex signature is paired with
// timestamp first. Every failure is reported as ErrInvalidSignature.
func (v *SignatureVerifier) VerifyRequest(ctx context.Context, clientID string, payload []byte, signature, timestamp string) error {
	header := NormalizeHeader(signature, timestamp)
	lookupCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	secrets, err := v.secrets.SigningSecrets(lookupCtx, clientID)
	if err != nil {
		return v.reject(ctx, clientID, err)
	}

	ts, mac, err := verify(payload, header, secrets, v.clock.Now(), v.tolerance)
	if err != nil {
		return v.reject(ctx, clientID, err)
	}

	if v.replay != nil {
		stored, err := v.replay.PutIfAbsent(ctx, replayKey(clientID, ts, mac), clientID, 2*v.tolerance)
		if err != nil {
			return v.reject(ctx, clientID, fmt.Errorf("replay cache: %w", err))
		}
		if !stored {
			return v.reject(ctx, clientID, errReplayed)
		}
	}
	return nil
}

func (v *SignatureVerifier) reject(ctx context.Context, clientID string, reason error) error {
	v.logger.Warn(ctx, "signature verification failed",
		logger.String("client_id", clientID),
		logger.String("reason", reason.Error()),
	)
	return errors.ErrInvalidSignature().WithCause(reason)
}

// replayKey identifies a verified signature independently of how its header was written.
func replayKey(clientID string, ts int64, mac []byte) string {
	sum := sha256.New()
	sum.Write([]byte(clientID))
	sum.Write([]byte{0})
	sum.Write([]byte(strconv.FormatInt(ts, 10)))
	sum.Write([]byte{0})
	sum.Write(mac)
	return "sig:" + hex.EncodeToString(sum.Sum(nil))
}
