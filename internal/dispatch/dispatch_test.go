package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/payload"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/storage"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/tokenstore"
)

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	nextRequestID int64
	nextOrderID   int64

	bound     map[int64][]storage.BoundAccount // robot id -> accounts
	tokenKeys map[int64]string                 // account id -> key
	meta      map[int64]string                 // account id -> conta_meta_trader

	deletedOrders []int64
	logs          []storage.LogEntry

	failCreateRequest bool
	failListBound     bool
	failPerAccount    map[int64]bool // accounts whose order insert fails
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextRequestID:  0,
		nextOrderID:    99,
		bound:          make(map[int64][]storage.BoundAccount),
		tokenKeys:      make(map[int64]string),
		meta:           make(map[int64]string),
		failPerAccount: make(map[int64]bool),
	}
}

func (r *fakeRepo) CreateRequest(req *storage.Request) (int64, error) {
	if r.failCreateRequest {
		return 0, errors.New("db down")
	}
	r.nextRequestID++
	req.ID = r.nextRequestID
	return r.nextRequestID, nil
}

func (r *fakeRepo) ListBoundAccounts(robotID int64) ([]storage.BoundAccount, error) {
	if r.failListBound {
		return nil, errors.New("db down")
	}
	return r.bound[robotID], nil
}

func (r *fakeRepo) CreateOrdersForRequest(requestID int64, req *storage.Request, accounts []storage.BoundAccount) ([]storage.OrderOutcome, error) {
	outcomes := make([]storage.OrderOutcome, 0, len(accounts))
	for _, a := range accounts {
		if r.failPerAccount[a.AccountID] {
			outcomes = append(outcomes, storage.OrderOutcome{AccountID: a.AccountID, Status: storage.OrderStatusError})
			continue
		}
		r.nextOrderID++
		outcomes = append(outcomes, storage.OrderOutcome{
			AccountID:   a.AccountID,
			Status:      storage.OrderStatusSuccess,
			OrderID:     r.nextOrderID,
			NumeroUnico: fmt.Sprintf("REQ-%d-%s", requestID, r.meta[a.AccountID]),
		})
	}
	return outcomes, nil
}

func (r *fakeRepo) DeleteOrder(id int64) error {
	r.deletedOrders = append(r.deletedOrders, id)
	return nil
}

func (r *fakeRepo) GetAccountTokenKey(accountID int64) (string, error) {
	return r.tokenKeys[accountID], nil
}

func (r *fakeRepo) SetAccountTokenKey(accountID int64, key string) error {
	r.tokenKeys[accountID] = key
	return nil
}

func (r *fakeRepo) Log(e *storage.LogEntry) error {
	r.logs = append(r.logs, *e)
	return nil
}

// fakeStore is an in-memory TokenStore.
type fakeStore struct {
	data map[string]string
	ttl  map[string]time.Duration

	failSet bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string), ttl: make(map[string]time.Duration)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.failSet {
		return errors.New("store down")
	}
	s.data[key] = value
	s.ttl[key] = ttl
	return nil
}

func newTestDispatcher(repo *fakeRepo, store *fakeStore) *Dispatcher {
	return New(repo, store, tokenstore.NewMinter("tok"), Config{TokenTTL: 300 * time.Second})
}

func seedAccount(repo *fakeRepo, robotID, accountID int64, meta string) {
	repo.bound[robotID] = append(repo.bound[robotID], storage.BoundAccount{
		AccountID:   accountID,
		Name:        fmt.Sprintf("Conta %d", accountID),
		UserID:      1,
		RobotUserID: accountID * 10,
	})
	repo.meta[accountID] = meta
}

func decodePayload(t *testing.T, raw string) *payload.Document {
	t.Helper()
	var doc payload.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	return &doc
}

func TestProcessFirstDispatch(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	seedAccount(repo, 7, 10, "554433")

	qty := 1.0
	result, errResult := newTestDispatcher(repo, store).Process(context.Background(),
		&Request{Type: "buy", RobotID: 7, Quantity: &qty}, Actor{SystemUserID: 1})

	if errResult != nil {
		t.Fatalf("Process() error outcome = %+v", errResult)
	}
	if result.AccountsProcessed != 1 || result.AccountsFailed != 0 {
		t.Fatalf("result = %+v, want one clean account", result)
	}

	detail := result.Details[0]
	if detail.Account != "10" || detail.Status != storage.OrderStatusSuccess {
		t.Fatalf("detail = %+v", detail)
	}
	if !detail.TokenGenerated || detail.Token == nil {
		t.Fatal("detail missing token")
	}
	if detail.OrderID == nil {
		t.Fatal("detail missing order id")
	}

	key := "tok:" + *detail.Token
	if repo.tokenKeys[10] != key {
		t.Errorf("account key = %s, want %s", repo.tokenKeys[10], key)
	}
	if store.ttl[key] != 300*time.Second {
		t.Errorf("ttl = %v, want 300s", store.ttl[key])
	}

	doc := decodePayload(t, store.data[key])
	if doc.Account != "10" {
		t.Errorf("conta = %s, want 10", doc.Account)
	}
	if doc.Scope != payload.Scope {
		t.Errorf("scope = %s, want %s", doc.Scope, payload.Scope)
	}
	if doc.RequestID == nil || *doc.RequestID != result.ID {
		t.Errorf("requisicao_id = %v, want %d", doc.RequestID, result.ID)
	}
	if len(doc.Orders) != 1 {
		t.Fatalf("ordens length = %d, want 1", len(doc.Orders))
	}
	o := doc.Orders[0]
	if o.RobotID != 7 || o.OrderID != *detail.OrderID || o.Type != "BUY" {
		t.Errorf("order = %+v, want robot 7, order %d, BUY", o, *detail.OrderID)
	}

	if result.TokensByAccount["10"] != *detail.Token {
		t.Errorf("tokens_por_conta = %v", result.TokensByAccount)
	}
}

func TestProcessReplacesSameRobotOrder(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	seedAccount(repo, 7, 10, "554433")
	d := newTestDispatcher(repo, store)

	first, errResult := d.Process(context.Background(), &Request{Type: "buy", RobotID: 7}, Actor{})
	if errResult != nil {
		t.Fatalf("first Process() error outcome = %+v", errResult)
	}
	firstOrder := *first.Details[0].OrderID
	firstKey := repo.tokenKeys[10]

	second, errResult := d.Process(context.Background(), &Request{Type: "sell", RobotID: 7}, Actor{})
	if errResult != nil {
		t.Fatalf("second Process() error outcome = %+v", errResult)
	}
	secondOrder := *second.Details[0].OrderID

	if repo.tokenKeys[10] != firstKey {
		t.Errorf("key changed on re-dispatch: %s -> %s", firstKey, repo.tokenKeys[10])
	}

	doc := decodePayload(t, store.data[firstKey])
	if len(doc.Orders) != 1 {
		t.Fatalf("ordens length = %d, want 1 after replace", len(doc.Orders))
	}
	if doc.Orders[0].OrderID != secondOrder || doc.Orders[0].Type != "SELL" {
		t.Errorf("order = %+v, want replacement %d SELL", doc.Orders[0], secondOrder)
	}

	if len(repo.deletedOrders) != 1 || repo.deletedOrders[0] != firstOrder {
		t.Errorf("deleted orders = %v, want [%d]", repo.deletedOrders, firstOrder)
	}
}

func TestProcessSecondRobotPreservesFirst(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	seedAccount(repo, 7, 10, "554433")
	seedAccount(repo, 9, 10, "554433")
	d := newTestDispatcher(repo, store)

	if _, errResult := d.Process(context.Background(), &Request{Type: "buy", RobotID: 7}, Actor{}); errResult != nil {
		t.Fatalf("first Process() error outcome = %+v", errResult)
	}
	key := repo.tokenKeys[10]

	if _, errResult := d.Process(context.Background(), &Request{Type: "buy", RobotID: 9}, Actor{}); errResult != nil {
		t.Fatalf("second Process() error outcome = %+v", errResult)
	}

	if repo.tokenKeys[10] != key {
		t.Errorf("key changed: %s -> %s", key, repo.tokenKeys[10])
	}

	doc := decodePayload(t, store.data[key])
	if len(doc.Orders) != 2 {
		t.Fatalf("ordens length = %d, want 2", len(doc.Orders))
	}
	robots := map[int64]bool{}
	for _, o := range doc.Orders {
		robots[o.RobotID] = true
	}
	if !robots[7] || !robots[9] {
		t.Errorf("ordens robots = %v, want 7 and 9", robots)
	}
	if len(repo.deletedOrders) != 0 {
		t.Errorf("deleted orders = %v, want none", repo.deletedOrders)
	}
}

func TestProcessNoAccounts(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()

	result, errResult := newTestDispatcher(repo, store).Process(context.Background(),
		&Request{Type: "buy", RobotID: 7}, Actor{SystemUserID: 1})

	if result != nil {
		t.Fatalf("result = %+v, want nil", result)
	}
	if errResult == nil || errResult.ErrorCode != CodeNoAccountsFound {
		t.Fatalf("errResult = %+v, want %s", errResult, CodeNoAccountsFound)
	}

	// the miss is recorded in the audit sink
	found := false
	for _, e := range repo.logs {
		if e.Kind == storage.LogKindProblem {
			found = true
		}
	}
	if !found {
		t.Error("no problem log recorded for empty fan-out")
	}
}

func TestProcessValidation(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	d := newTestDispatcher(repo, store)

	for _, req := range []*Request{
		nil,
		{Type: "buy"},
		{Type: "short_squeeze", RobotID: 7},
	} {
		_, errResult := d.Process(context.Background(), req, Actor{})
		if errResult == nil || errResult.ErrorCode != CodeValidation {
			t.Errorf("Process(%+v) = %+v, want %s", req, errResult, CodeValidation)
		}
	}
}

func TestProcessInternalError(t *testing.T) {
	repo := newFakeRepo()
	repo.failCreateRequest = true
	store := newFakeStore()

	_, errResult := newTestDispatcher(repo, store).Process(context.Background(),
		&Request{Type: "buy", RobotID: 7}, Actor{})

	if errResult == nil || errResult.ErrorCode != CodeInternalError {
		t.Fatalf("errResult = %+v, want %s", errResult, CodeInternalError)
	}
}

func TestProcessPartialSuccess(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	seedAccount(repo, 7, 10, "111")
	seedAccount(repo, 7, 20, "222")
	repo.failPerAccount[20] = true

	result, errResult := newTestDispatcher(repo, store).Process(context.Background(),
		&Request{Type: "buy", RobotID: 7}, Actor{})

	if errResult != nil {
		t.Fatalf("Process() error outcome = %+v", errResult)
	}
	if result.AccountsProcessed != 2 || result.AccountsFailed != 1 {
		t.Fatalf("result = %+v, want 2 processed / 1 failed", result)
	}

	var okDetail, errDetail *AccountDetail
	for i := range result.Details {
		switch result.Details[i].Account {
		case "10":
			okDetail = &result.Details[i]
		case "20":
			errDetail = &result.Details[i]
		}
	}
	if okDetail == nil || okDetail.Status != storage.OrderStatusSuccess {
		t.Errorf("account 10 detail = %+v", okDetail)
	}
	if errDetail == nil || errDetail.Status != storage.OrderStatusError || errDetail.Token != nil {
		t.Errorf("account 20 detail = %+v", errDetail)
	}
	if repo.tokenKeys[20] != "" {
		t.Errorf("failed account got a key: %s", repo.tokenKeys[20])
	}
}

func TestProcessPublishFailureLeavesNoCredential(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	store.failSet = true
	seedAccount(repo, 7, 10, "554433")

	result, errResult := newTestDispatcher(repo, store).Process(context.Background(),
		&Request{Type: "buy", RobotID: 7}, Actor{})

	if errResult != nil {
		t.Fatalf("Process() error outcome = %+v", errResult)
	}
	if result.AccountsFailed != 1 {
		t.Fatalf("result = %+v, want one failed account", result)
	}
	// the watchdog will mint a credential on its next pass
	if repo.tokenKeys[10] != "" {
		t.Errorf("account key = %s, want empty after failed publish", repo.tokenKeys[10])
	}
}

func TestProcessUppercasesType(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	seedAccount(repo, 7, 10, "554433")

	result, errResult := newTestDispatcher(repo, store).Process(context.Background(),
		&Request{Type: "sell_stop", RobotID: 7}, Actor{})
	if errResult != nil {
		t.Fatalf("Process() error outcome = %+v", errResult)
	}

	key := "tok:" + *result.Details[0].Token
	doc := decodePayload(t, store.data[key])
	if doc.Orders[0].Type != strings.ToUpper("sell_stop") {
		t.Errorf("tipo = %s, want SELL_STOP", doc.Orders[0].Type)
	}
}
