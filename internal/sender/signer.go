package sender

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
)

const (
	HeaderSignature = "X-Callback-Signature"
	HeaderTimestamp = "X-Callback-Timestamp"

	signaturePrefix = "sha256="
)

var ErrEmptySecret = errors.New("signing secret is empty")

// HMACSigner signs "<unix timestamp>.<body>" with HMAC-SHA256. Receivers
// check it with VerifySignature.
type HMACSigner struct {
	secret []byte
	clock  clock.Clock
}

func NewHMACSigner(secret string, clk clock.Clock) (*HMACSigner, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &HMACSigner{secret: []byte(secret), clock: clk}, nil
}

func (s *HMACSigner) Sign(httpReq *http.Request, req *domain.CallbackRequest) error {
	ts := strconv.FormatInt(s.clock.Now().Unix(), 10)
	httpReq.Header.Set(HeaderTimestamp, ts)
	httpReq.Header.Set(HeaderSignature, signaturePrefix+computeSignature(s.secret, ts, req.Body))
	return nil
}

func computeSignature(secret []byte, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature header value against the body and
// timestamp. maxAge <= 0 disables the freshness check.
func VerifySignature(secret, timestamp string, body []byte, signature string, now time.Time, maxAge time.Duration) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	if maxAge > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		age := now.Sub(time.Unix(unix, 0))
		if age > maxAge || age < -maxAge {
			return false
		}
	}
	expected := computeSignature([]byte(secret), timestamp, body)
	got := strings.TrimPrefix(signature, signaturePrefix)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
