package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Headers a follower adds when it forwards a write to the leader.
const (
	HeaderForwardedFor  = "X-Foresight-Forwarded-For"
	HeaderForwardedNode = "X-Foresight-Forwarded-Node"
	HeaderForwardedTS   = "X-Foresight-Forwarded-Timestamp"
	HeaderForwardedSig  = "X-Foresight-Forwarded-Signature"
)

// ErrBadForward is returned when forwarded headers fail verification.
var ErrBadForward = errors.New("crypto: invalid forwarded headers")

// ForwardAuth signs and verifies forwarded-request headers with a secret
// shared by every node of the cluster.
type ForwardAuth struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewForwardAuth returns a ForwardAuth. maxAge bounds accepted timestamp skew.
func NewForwardAuth(secret string, maxAge time.Duration) *ForwardAuth {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &ForwardAuth{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (a *ForwardAuth) Enabled() bool { return a != nil && len(a.secret) > 0 }

// Sign sets the forwarded headers on h for a request from clientIP.
func (a *ForwardAuth) Sign(h http.Header, method, path, clientIP, nodeID string) {
	ts := strconv.FormatInt(a.now().Unix(), 10)
	h.Set(HeaderForwardedFor, clientIP)
	h.Set(HeaderForwardedNode, nodeID)
	h.Set(HeaderForwardedTS, ts)
	h.Set(HeaderForwardedSig, a.mac(ts, method, path, clientIP, nodeID))
}

// Verify checks the forwarded headers and returns the original client IP.
// ok is false when the request was not forwarded at all.
func (a *ForwardAuth) Verify(h http.Header, method, path string) (clientIP string, ok bool, err error) {
	sig := h.Get(HeaderForwardedSig)
	if sig == "" {
		return "", false, nil
	}
	if !a.Enabled() {
		return "", true, ErrBadForward
	}
	ts := h.Get(HeaderForwardedTS)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", true, ErrBadForward
	}
	if d := a.now().Sub(time.Unix(unix, 0)); d > a.maxAge || d < -a.maxAge {
		return "", true, ErrBadForward
	}
	clientIP = h.Get(HeaderForwardedFor)
	want := a.mac(ts, method, path, clientIP, h.Get(HeaderForwardedNode))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", true, ErrBadForward
	}
	return clientIP, true, nil
}

func (a *ForwardAuth) mac(parts ...string) string {
	m := hmac.New(sha256.New, a.secret)
	for _, p := range parts {
		m.Write([]byte(p))
		m.Write([]byte{'\n'})
	}
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// String redacts the secret.
func (a *ForwardAuth) String() string {
	if !a.Enabled() {
		return "ForwardAuth{disabled}"
	}
	return "ForwardAuth{secret=****}"
}
