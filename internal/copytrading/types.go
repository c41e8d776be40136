package copytrading

import (
	"context"
	"time"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"
)

// Exchange - операции биржи, которые нужны движку
type Exchange interface {
	GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error)
	GetFills(ctx context.Context, since time.Time) ([]exchange.Fill, error)
	GetBalance(ctx context.Context) (exchange.Balance, error)
	PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error)
	GetOrder(ctx context.Context, clientOrderID string) (exchange.Order, error)
}

// ClientFactory создает клиент биржи для аккаунта
type ClientFactory func(name string, creds exchange.Credentials) Exchange

// ConnectorFactory адаптирует exchange.Connector к ClientFactory
func ConnectorFactory(c *exchange.Connector) ClientFactory {
	return func(name string, creds exchange.Credentials) Exchange {
		return c.NewClient(name, creds)
	}
}

type MasterStore interface {
	ListBrokerAccounts(ctx context.Context, onlyActive bool) ([]models.BrokerAccount, error)
}

type FollowerStore interface {
	ListActiveFollowers(ctx context.Context, masterID int) ([]models.Follower, error)
	GetFollower(ctx context.Context, id int) (models.Follower, error)
}

type RecordStore interface {
	ReserveRecord(ctx context.Context, rec *models.CopyTradeRecord) (bool, error)
	CompleteRecord(ctx context.Context, rec models.CopyTradeRecord) error
	ClaimRecord(ctx context.Context, id int64) error
	ClaimStale(ctx context.Context, id int64, olderThan time.Time) (bool, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.CopyTradeRecord, error)
	TouchSync(ctx context.Context, recordID int64, syncErr string) error
}

// InstrumentSource возвращает параметры инструмента по символу
type InstrumentSource interface {
	Get(symbol string) models.Instrument
}

// OutcomeSink получает каждую запись, ставшую терминальной
type OutcomeSink interface {
	Publish(ctx context.Context, rec models.CopyTradeRecord)
}

// Sinks рассылает результат во все sinks
type Sinks []OutcomeSink

func (s Sinks) Publish(ctx context.Context, rec models.CopyTradeRecord) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ctx, rec)
		}
	}
}

func followerCreds(f models.Follower) exchange.Credentials {
	return exchange.Credentials{APIKey: f.APIKey, APISecret: f.APISecret}
}

func masterCreds(acc models.BrokerAccount) exchange.Credentials {
	return exchange.Credentials{APIKey: acc.APIKey, APISecret: acc.APISecret}
}

// AccountResult - результат выполнения операции на одном follower
type AccountResult struct {
	AccountID     int
	AccountName   string
	MasterTradeID string
	Success       bool
	Error         string
	OrderID       string
	LatencyMs     int64
}

// ExecutionResult - результат выполнения события на всех followers
type ExecutionResult struct {
	TotalCount   int
	SuccessCount int
	FailedCount  int
	Results      []AccountResult
}

// Add учитывает результат одного follower
func (r *ExecutionResult) Add(res AccountResult) {
	r.TotalCount++
	if res.Success {
		r.SuccessCount++
	} else {
		r.FailedCount++
	}
	r.Results = append(r.Results, res)
}

// IsFullSuccess возвращает true если все операции успешны
func (r *ExecutionResult) IsFullSuccess() bool {
	return r.FailedCount == 0
}

// IsPartialSuccess возвращает true если есть и успешные и неуспешные операции
func (r *ExecutionResult) IsPartialSuccess() bool {
	return r.SuccessCount > 0 && r.FailedCount > 0
}

// IsFullFailure возвращает true если все операции неуспешны
func (r *ExecutionResult) IsFullFailure() bool {
	return r.SuccessCount == 0 && r.TotalCount > 0
}
