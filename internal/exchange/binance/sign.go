package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// headerSigner attaches the API key header without signing the query.
// Listen-key endpoints authenticate with the key header alone.
type headerSigner struct {
	apiKey string
}

func (s headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

// hmacSigner attaches the API key header, appends a millisecond
// timestamp to the query string, and signs the whole string with
// HMAC-SHA256. The signature must cover the exact bytes sent, so the
// query is extended in place rather than re-encoded.
type hmacSigner struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

func (s hmacSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	nowFn := s.now
	if nowFn == nil {
		nowFn = time.Now
	}

	query := req.URL.RawQuery
	timestamp := fmt.Sprintf("timestamp=%d", nowFn().UnixMilli())
	if query == "" {
		query = timestamp
	} else {
		query = query + "&" + timestamp
	}

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery = query + "&signature=" + signature
	return nil
}
