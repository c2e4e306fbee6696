// Package payload implements the per-account order document stored under an
// opaque token key, including the upgrade from the legacy single-order shape.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Scope is the fixed scope carried by every document.
const Scope = "consulta_reqs"

// Order is one entry in a document's order list. There is at most one entry
// per robot.
type Order struct {
	OrderID     int64   `json:"ordem_id"`
	RobotID     int64   `json:"id_robo"`
	OrderTypeID *int64  `json:"id_tipo_ordem"`
	Type        string  `json:"tipo"`
	Symbol      *string `json:"symbol"`
}

// Document is the current (v2) payload shape.
type Document struct {
	Account   string  `json:"conta"`
	RequestID *int64  `json:"requisicao_id"`
	Scope     string  `json:"scope"`
	Orders    []Order `json:"ordens"`
}

// legacyDocument is the superseded single-order shape.
type legacyDocument struct {
	Account   *string    `json:"conta"`
	RequestID *int64     `json:"requisicao_id"`
	OrderID   *int64     `json:"ordem_id"`
	Data      legacyData `json:"dados"`
}

type legacyData struct {
	RobotID     *int64  `json:"id_robo"`
	OrderTypeID *int64  `json:"id_tipo_ordem"`
	Type        *string `json:"tipo"`
	Symbol      *string `json:"symbol"`
}

// Skeleton returns an empty document for an account.
func Skeleton(account string, requestID *int64) *Document {
	return &Document{
		Account:   account,
		RequestID: requestID,
		Scope:     Scope,
		Orders:    []Order{},
	}
}

// Upgrade turns whatever is stored under a key into a v2 document. It is
// total: corrupt or missing input yields a skeleton. The account and
// numeroUnico hints fill fields the stored value does not carry; they never
// overwrite values already present.
func Upgrade(raw []byte, account string, numeroUnico string) *Document {
	hintID := RequestIDFromNumeroUnico(numeroUnico)

	if len(raw) == 0 {
		return Skeleton(account, hintID)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Skeleton(account, hintID)
	}

	if _, ok := probe["ordens"]; ok {
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Skeleton(account, hintID)
		}
		if doc.Account == "" {
			doc.Account = account
		}
		if doc.Scope == "" {
			doc.Scope = Scope
		}
		if doc.RequestID == nil {
			doc.RequestID = hintID
		}
		if doc.Orders == nil {
			doc.Orders = []Order{}
		}
		return &doc
	}

	var old legacyDocument
	if err := json.Unmarshal(raw, &old); err != nil {
		return Skeleton(account, hintID)
	}

	doc := Skeleton(account, hintID)
	if old.Account != nil && *old.Account != "" {
		doc.Account = *old.Account
	}
	if old.RequestID != nil {
		doc.RequestID = old.RequestID
	}
	if old.OrderID != nil {
		entry := Order{OrderID: *old.OrderID}
		if old.Data.RobotID != nil {
			entry.RobotID = *old.Data.RobotID
		}
		entry.OrderTypeID = old.Data.OrderTypeID
		if old.Data.Type != nil {
			entry.Type = *old.Data.Type
		}
		entry.Symbol = old.Data.Symbol
		doc.Orders = append(doc.Orders, entry)
	}
	return doc
}

// MergeOrder places an order into the document. An existing entry for the
// same robot is replaced in place; otherwise the order is appended. The
// returned id is the displaced order's id when the replacement superseded a
// different order, nil otherwise.
func MergeOrder(doc *Document, order Order) *int64 {
	for i := range doc.Orders {
		if doc.Orders[i].RobotID == order.RobotID {
			oldID := doc.Orders[i].OrderID
			doc.Orders[i] = order
			if oldID != 0 && oldID != order.OrderID {
				return &oldID
			}
			return nil
		}
	}
	doc.Orders = append(doc.Orders, order)
	return nil
}

// Encode serializes a document for storage.
func Encode(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// RequestIDFromNumeroUnico extracts the request id from an order's
// "REQ-<id>-<account>" tag. Returns nil when the tag has another shape.
func RequestIDFromNumeroUnico(numeroUnico string) *int64 {
	if !strings.HasPrefix(numeroUnico, "REQ-") {
		return nil
	}
	parts := strings.SplitN(numeroUnico, "-", 3)
	if len(parts) != 3 {
		return nil
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// NumeroUnico builds the per-order tag for a request/account pair.
func NumeroUnico(requestID int64, metaTraderAccount string) string {
	return fmt.Sprintf("REQ-%d-%s", requestID, metaTraderAccount)
}
