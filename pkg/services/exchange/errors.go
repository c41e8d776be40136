package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind - класс ошибки биржи
type Kind int

const (
	KindAuth Kind = iota + 1
	KindInsufficientBalance
	KindSchema
	KindNotFound
	KindTransient
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindSchema:
		return "schema"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient_network"
	case KindDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// AuthReason - подтип ошибки аутентификации
type AuthReason string

const (
	AuthBadKey       AuthReason = "bad_key"
	AuthBadSignature AuthReason = "bad_signature"
	AuthClockSkew    AuthReason = "clock_skew"
)

// Error - классифицированная ошибка биржи
type Error struct {
	Kind       Kind
	AuthReason AuthReason
	Code       string
	Message    string
	Field      string
	Status     int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.AuthReason != "" {
		msg += "(" + string(e.AuthReason) + ")"
	}

	if e.Code != "" {
		msg += " " + e.Code
	}

	if e.Field != "" {
		msg += " field=" + e.Field
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError достаёт *Error из цепочки ошибок.
func AsError(err error) (*Error, bool) {
	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr, true
	}

	return nil, false
}

func isKind(err error, kind Kind) bool {
	exErr, ok := AsError(err)
	return ok && exErr.Kind == kind
}

func IsAuth(err error) bool                { return isKind(err, KindAuth) }
func IsInsufficientBalance(err error) bool { return isKind(err, KindInsufficientBalance) }
func IsSchema(err error) bool              { return isKind(err, KindSchema) }
func IsNotFound(err error) bool            { return isKind(err, KindNotFound) }
func IsTransient(err error) bool           { return isKind(err, KindTransient) }
func IsDuplicate(err error) bool           { return isKind(err, KindDuplicate) }

// envelope - общий формат ответа биржи
type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// classify превращает ответ биржи в *Error; nil означает успех.
func classify(status int, env envelope) *Error {
	if status >= 200 && status < 300 && env.Success {
		return nil
	}

	e := &Error{Code: env.Code, Message: env.Message, Status: status}

	switch env.Code {
	case "invalid_api_key":
		e.Kind, e.AuthReason = KindAuth, AuthBadKey
	case "invalid_signature":
		e.Kind, e.AuthReason = KindAuth, AuthBadSignature
	case "expired_signature", "timestamp_out_of_window":
		e.Kind, e.AuthReason = KindAuth, AuthClockSkew
	case "insufficient_margin", "insufficient_balance":
		e.Kind = KindInsufficientBalance
	case "bad_schema", "invalid_parameter":
		e.Kind = KindSchema
	case "not_found", "position_not_found", "order_not_found":
		e.Kind = KindNotFound
	case "duplicate_client_order_id":
		e.Kind = KindDuplicate
	default:
		e.Kind, e.AuthReason = classifyStatus(status)
	}

	if e.Kind == KindSchema && len(env.Data) > 0 {
		var detail struct {
			Field string `json:"field"`
		}
		if json.Unmarshal(env.Data, &detail) == nil {
			e.Field = detail.Field
		}
	}

	return e
}

// classifyStatus - классификация по HTTP статусу, когда код ошибки неизвестен.
func classifyStatus(status int) (Kind, AuthReason) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, AuthBadKey
	case status == http.StatusNotFound:
		return KindNotFound, ""
	case status == http.StatusTooManyRequests || status >= 500:
		return KindTransient, ""
	default:
		// 400, 422 и неизвестные коды при 2xx - запрос не принят и повтор не поможет
		return KindSchema, ""
	}
}

func transientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Message: op, Err: err}
}

func schemaError(status int, format string, args ...any) *Error {
	return &Error{Kind: KindSchema, Status: status, Message: fmt.Sprintf(format, args...)}
}
