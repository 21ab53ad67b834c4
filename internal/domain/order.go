package domain

import "time"

// OrderStatus - статус заказа, которым владеет модуль заказов.
// Reconciler его не меняет, только читает.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCanceled  OrderStatus = "canceled"
)

// Order - заказ в том виде, в каком его видит reconciler.
type Order struct {
	ID     string
	Status OrderStatus
	// Currency и AmountMinor - итог заказа в минимальных денежных единицах.
	Currency    string
	AmountMinor int64
	// Metadata хранит произвольные строковые поля; платёжная часть принадлежит reconciler-у.
	Metadata  map[string]string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentMetadata возвращает платёжную часть метаданных заказа.
func (o Order) PaymentMetadata() OrderPaymentMetadata {
	return PaymentMetadataFromMap(o.Metadata)
}

// CloneMetadata копирует карту метаданных.
func CloneMetadata(src map[string]string) map[string]string {
	if src == nil {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CloneOrder возвращает копию заказа без общих ссылок на метаданные.
func CloneOrder(src Order) Order {
	dst := src
	dst.Metadata = CloneMetadata(src.Metadata)
	return dst
}
