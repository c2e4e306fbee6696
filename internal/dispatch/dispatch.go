// Package dispatch turns one incoming request into per-account orders and
// publishes each account's current order set under its opaque token key.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/payload"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/storage"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/tokenstore"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/pkg/logging"
)

// Error codes surfaced in structured outcomes.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNoAccountsFound = "NO_ACCOUNTS_FOUND"
	CodeInternalError   = "INTERNAL_ERROR"
)

// requestTypes is the closed set of accepted request types.
var requestTypes = map[string]bool{
	"buy":        true,
	"sell":       true,
	"buy_limit":  true,
	"sell_limit": true,
	"buy_stop":   true,
	"sell_stop":  true,
}

// Repository is the slice of the relational store the dispatcher depends on.
type Repository interface {
	CreateRequest(r *storage.Request) (int64, error)
	ListBoundAccounts(robotID int64) ([]storage.BoundAccount, error)
	CreateOrdersForRequest(requestID int64, req *storage.Request, accounts []storage.BoundAccount) ([]storage.OrderOutcome, error)
	DeleteOrder(id int64) error
	GetAccountTokenKey(accountID int64) (string, error)
	SetAccountTokenKey(accountID int64, key string) error
	Log(e *storage.LogEntry) error
}

// TokenStore is the slice of the keyed TTL store the dispatcher depends on.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Request is the incoming fan-out instruction.
type Request struct {
	Type        string   `json:"tipo"`
	RobotID     int64    `json:"id_robo"`
	Quantity    *float64 `json:"quantidade,omitempty"`
	Price       *float64 `json:"preco,omitempty"`
	Symbol      *string  `json:"symbol,omitempty"`
	OrderTypeID *int64   `json:"id_tipo_ordem,omitempty"`
	Comment     *string  `json:"comentario_ordem,omitempty"`
}

// Actor identifies who triggered the dispatch, for audit logging.
type Actor struct {
	SystemUserID int64
	Role         string
}

// AccountDetail is the per-account outcome of a dispatch.
type AccountDetail struct {
	Account        string  `json:"conta"`
	Status         string  `json:"status"`
	TokenGenerated bool    `json:"token_gerado"`
	Token          *string `json:"token"`
	OrderID        *int64  `json:"ordem_id"`
}

// Result is the structured success outcome. Partial success (some accounts
// published, others not) is still a Result.
type Result struct {
	ID                int64             `json:"id"`
	Status            string            `json:"status"`
	Message           string            `json:"message"`
	AccountsProcessed int               `json:"contas_processadas"`
	AccountsFailed    int               `json:"contas_com_erro"`
	Details           []AccountDetail   `json:"detalhes"`
	Elapsed           float64           `json:"tempo_processamento"`
	TokensByAccount   map[string]string `json:"tokens_por_conta,omitempty"`
	DispatchID        string            `json:"dispatch_id"`
}

// ErrorResult is the structured failure outcome.
type ErrorResult struct {
	Message   string  `json:"message"`
	ErrorCode string  `json:"error_code"`
	Elapsed   float64 `json:"tempo_processamento"`
}

// Config holds dispatcher settings.
type Config struct {
	// TokenTTL is the TTL applied to every payload write.
	TokenTTL time.Duration

	// AppID is stamped into audit log rows.
	AppID int64
}

// Dispatcher owns the request fan-out.
type Dispatcher struct {
	repo   Repository
	store  TokenStore
	minter *tokenstore.Minter
	cfg    Config
	log    *logging.Logger

	now func() time.Time
}

// New creates a dispatcher.
func New(repo Repository, store TokenStore, minter *tokenstore.Minter, cfg Config) *Dispatcher {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 300 * time.Second
	}
	if cfg.AppID == 0 {
		cfg.AppID = 1
	}
	return &Dispatcher{
		repo:   repo,
		store:  store,
		minter: minter,
		cfg:    cfg,
		log:    logging.GetDefault().Component("dispatch"),
		now:    time.Now,
	}
}

// Process runs one dispatch. Exactly one of the returns is non-nil; both
// are plain outcomes, never panics across this boundary.
func (d *Dispatcher) Process(ctx context.Context, req *Request, actor Actor) (*Result, *ErrorResult) {
	start := d.now()
	dispatchID := uuid.New().String()

	if req == nil || req.RobotID <= 0 {
		return nil, &ErrorResult{
			Message:   "id_robo is required",
			ErrorCode: CodeValidation,
			Elapsed:   d.since(start),
		}
	}
	if !requestTypes[req.Type] {
		return nil, &ErrorResult{
			Message:   fmt.Sprintf("unknown request type %q", req.Type),
			ErrorCode: CodeValidation,
			Elapsed:   d.since(start),
		}
	}

	d.log.Info("Processing request", "id_robo", req.RobotID, "actor", actor.Role, "dispatch_id", dispatchID)

	row := &storage.Request{
		Type:        req.Type,
		Symbol:      req.Symbol,
		Quantity:    req.Quantity,
		Price:       req.Price,
		RobotID:     req.RobotID,
		OrderTypeID: req.OrderTypeID,
		Comment:     req.Comment,
	}

	requestID, err := d.repo.CreateRequest(row)
	if err != nil {
		return nil, d.internalError(start, dispatchID, actor, req.RobotID, fmt.Errorf("failed to create request: %w", err))
	}

	d.audit(&storage.LogEntry{
		Kind:       storage.LogKindNotification,
		Content:    fmt.Sprintf("Requisição %d criada para robô %d", requestID, req.RobotID),
		UserID:     &actor.SystemUserID,
		AppID:      &d.cfg.AppID,
		RobotID:    &req.RobotID,
		DispatchID: dispatchID,
	})

	accounts, err := d.repo.ListBoundAccounts(req.RobotID)
	if err != nil {
		return nil, d.internalError(start, dispatchID, actor, req.RobotID, fmt.Errorf("failed to list bound accounts: %w", err))
	}
	if len(accounts) == 0 {
		d.log.Warn("No bound accounts for robot", "id_robo", req.RobotID)
		d.audit(&storage.LogEntry{
			Kind:       storage.LogKindProblem,
			Content:    fmt.Sprintf("Nenhuma conta ligada encontrada para robô %d", req.RobotID),
			UserID:     &actor.SystemUserID,
			AppID:      &d.cfg.AppID,
			RobotID:    &req.RobotID,
			DispatchID: dispatchID,
		})
		return nil, &ErrorResult{
			Message:   fmt.Sprintf("no account with robot %d switched on", req.RobotID),
			ErrorCode: CodeNoAccountsFound,
			Elapsed:   d.since(start),
		}
	}

	outcomes, err := d.repo.CreateOrdersForRequest(requestID, row, accounts)
	if err != nil {
		return nil, d.internalError(start, dispatchID, actor, req.RobotID, fmt.Errorf("failed to create orders: %w", err))
	}

	outcomeByAccount := make(map[int64]storage.OrderOutcome, len(outcomes))
	for _, o := range outcomes {
		outcomeByAccount[o.AccountID] = o
	}

	tokens := make(map[string]string)
	details := make([]AccountDetail, 0, len(accounts))
	failed := 0

	for _, account := range accounts {
		detail := d.publishAccount(ctx, requestID, req, account, outcomeByAccount[account.AccountID], dispatchID)
		if detail.Status != storage.OrderStatusSuccess {
			failed++
		}
		if detail.Token != nil {
			tokens[detail.Account] = *detail.Token
		}
		details = append(details, detail)
	}

	result := &Result{
		ID:                requestID,
		Status:            "success",
		Message:           "request processed and published per account",
		AccountsProcessed: len(accounts),
		AccountsFailed:    failed,
		Details:           details,
		Elapsed:           d.since(start),
		DispatchID:        dispatchID,
	}
	if len(tokens) > 0 {
		result.TokensByAccount = tokens
	}
	return result, nil
}

// publishAccount runs the per-account steps: merge or create the payload,
// publish it under the account's credential, and persist the key. Failures
// stay inside the account's detail; one account never aborts the others.
func (d *Dispatcher) publishAccount(ctx context.Context, requestID int64, req *Request, account storage.BoundAccount, outcome storage.OrderOutcome, dispatchID string) AccountDetail {
	accountStr := strconv.FormatInt(account.AccountID, 10)

	detail := AccountDetail{
		Account: accountStr,
		Status:  outcome.Status,
	}
	if outcome.Status != storage.OrderStatusSuccess {
		if detail.Status == "" {
			detail.Status = storage.OrderStatusError
		}
		return detail
	}

	orderID := outcome.OrderID
	detail.OrderID = &orderID

	entry := payload.Order{
		OrderID:     orderID,
		RobotID:     req.RobotID,
		OrderTypeID: req.OrderTypeID,
		Type:        strings.ToUpper(req.Type),
		Symbol:      req.Symbol,
	}

	existingKey, err := d.repo.GetAccountTokenKey(account.AccountID)
	if err != nil {
		d.log.Warn("Failed to read account token key", "id_conta", account.AccountID, "error", err)
		detail.Status = storage.OrderStatusError
		return detail
	}

	var key string
	if existingKey != "" {
		key = existingKey

		raw, _, err := d.store.Get(ctx, key)
		if err != nil {
			d.log.Warn("Failed to read existing payload", "id_conta", account.AccountID, "key", key, "error", err)
			detail.Status = storage.OrderStatusError
			return detail
		}

		doc := payload.Upgrade([]byte(raw), accountStr, outcome.NumeroUnico)
		doc.Account = accountStr
		doc.RequestID = &requestID

		if displaced := payload.MergeOrder(doc, entry); displaced != nil {
			if err := d.repo.DeleteOrder(*displaced); err != nil {
				d.log.Warn("Failed to delete superseded order", "id_conta", account.AccountID, "ordem_id", *displaced, "error", err)
			}
		}

		if err := d.writePayload(ctx, key, doc); err != nil {
			d.log.Error("Failed to publish payload", "id_conta", account.AccountID, "key", key, "error", err)
			detail.Status = storage.OrderStatusError
			return detail
		}
	} else {
		_, newKey, err := d.minter.Mint()
		if err != nil {
			d.log.Error("Failed to mint token", "id_conta", account.AccountID, "error", err)
			detail.Status = storage.OrderStatusError
			return detail
		}
		key = newKey

		doc := payload.Skeleton(accountStr, &requestID)
		doc.Orders = append(doc.Orders, entry)

		if err := d.writePayload(ctx, key, doc); err != nil {
			d.log.Error("Failed to publish payload", "id_conta", account.AccountID, "key", key, "error", err)
			detail.Status = storage.OrderStatusError
			return detail
		}
	}

	// Re-recording the same key is idempotent and heals drift between the
	// account row and the store.
	if err := d.repo.SetAccountTokenKey(account.AccountID, key); err != nil {
		d.log.Warn("Failed to persist token key", "id_conta", account.AccountID, "key", key, "error", err)
	}

	token := tokenstore.Token(key)
	detail.TokenGenerated = true
	detail.Token = &token

	d.audit(&storage.LogEntry{
		Kind:        storage.LogKindNotification,
		Content:     fmt.Sprintf("Payload publicado para requisição %d (conta %s)", requestID, account.Name),
		UserID:      &account.UserID,
		AppID:       &d.cfg.AppID,
		RobotID:     &req.RobotID,
		RobotUserID: &account.RobotUserID,
		AccountID:   &account.AccountID,
		DispatchID:  dispatchID,
	})

	return detail
}

// writePayload encodes and stores a document with the configured TTL.
func (d *Dispatcher) writePayload(ctx context.Context, key string, doc *payload.Document) error {
	data, err := payload.Encode(doc)
	if err != nil {
		return err
	}
	return d.store.Set(ctx, key, string(data), d.cfg.TokenTTL)
}

// internalError logs a top-level failure and shapes the INTERNAL_ERROR
// outcome.
func (d *Dispatcher) internalError(start time.Time, dispatchID string, actor Actor, robotID int64, err error) *ErrorResult {
	d.log.Error("Dispatch failed", "id_robo", robotID, "dispatch_id", dispatchID, "error", err)
	d.audit(&storage.LogEntry{
		Kind:       storage.LogKindProblem,
		Content:    fmt.Sprintf("Erro no processamento: %v", err),
		UserID:     &actor.SystemUserID,
		AppID:      &d.cfg.AppID,
		RobotID:    &robotID,
		DispatchID: dispatchID,
	})
	return &ErrorResult{
		Message:   fmt.Sprintf("internal processing error: %v", err),
		ErrorCode: CodeInternalError,
		Elapsed:   d.since(start),
	}
}

// audit writes a log row; failures are logged and dropped.
func (d *Dispatcher) audit(e *storage.LogEntry) {
	if err := d.repo.Log(e); err != nil {
		d.log.Warn("Failed to write audit log", "error", err)
	}
}

func (d *Dispatcher) since(start time.Time) float64 {
	return d.now().Sub(start).Seconds()
}
