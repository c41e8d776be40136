package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

const (
	headerAPIKey    = "X-API-KEY"
	headerTimestamp = "X-TIMESTAMP"
	headerSignature = "X-SIGNATURE"
)

// Sign считает подпись запроса: hex(HMAC-SHA256(secret, METHOD + timestamp + path + query + body)).
// query передаётся без '?', body - ровно те байты, что уйдут в сеть (пустой для GET).
func Sign(secret, method, timestamp, path, query string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(path))
	mac.Write([]byte(query))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// Credentials - API ключи аккаунта на бирже
type Credentials struct {
	APIKey    string
	APISecret string
}

// Signer подписывает запросы одного аккаунта
type Signer struct {
	creds Credentials
}

func NewSigner(creds Credentials) Signer {
	return Signer{creds: creds}
}

// Apply выставляет заголовки аутентификации.
func (s Signer) Apply(h http.Header, method, timestamp, path, query string, body []byte) {
	h.Set(headerAPIKey, s.creds.APIKey)
	h.Set(headerTimestamp, timestamp)
	h.Set(headerSignature, Sign(s.creds.APISecret, method, timestamp, path, query, body))
}
