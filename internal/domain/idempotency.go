package domain

import (
	"errors"
	"time"
)

var (
	// ErrIdempotencyKeyRequired - пустой event_id.
	ErrIdempotencyKeyRequired = errors.New("idempotency event_id is required")
	// ErrIdempotencyKeyNotFound - записи для event_id нет (или она удалена sweep-ом).
	ErrIdempotencyKeyNotFound = errors.New("idempotency record not found")
	// ErrIdempotencyKeyAlreadyExists - запись с таким event_id уже создана.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency record already exists")
	// ErrIdempotencyConflict - compare-and-swap не прошёл: запись изменил другой обработчик.
	ErrIdempotencyConflict = errors.New("idempotency record changed concurrently")
	// ErrIdempotencyRecordTerminal - попытка изменить запись в статусе completed.
	ErrIdempotencyRecordTerminal = errors.New("idempotency record is already completed")
)

// IdempotencyStatus описывает жизненный цикл записи ledger-а.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing - событие принято и обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusCompleted - событие обработано, запись терминальна.
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
	// IdempotencyStatusFailed - последняя попытка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusCompleted, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord хранит состояние обработки одного event_id.
//
// Пара (Status, AttemptCount) меняется при каждом переходе, поэтому
// используется как ожидаемое значение в CompareAndSwap.
type IdempotencyRecord struct {
	EventID      string
	EventType    EventType
	Status       IdempotencyStatus
	AttemptCount int
	OrderID      string
	LastError    string
	ProcessedAt  time.Time
	CreatedAt    time.Time
}

// SameRevision сообщает, совпадает ли состояние записи с ожидаемым.
func (r IdempotencyRecord) SameRevision(other IdempotencyRecord) bool {
	return r.EventID == other.EventID &&
		r.Status == other.Status &&
		r.AttemptCount == other.AttemptCount
}

// DecisionKind - результат Ledger.Begin.
type DecisionKind string

const (
	// DecisionProceed - вызывающий владеет попыткой и должен обработать событие.
	DecisionProceed DecisionKind = "proceed"
	// DecisionAlreadyDone - событие уже обработано, ответить успехом без повторной обработки.
	DecisionAlreadyDone DecisionKind = "already_done"
	// DecisionInFlight - событие обрабатывается параллельно, ответить успехом.
	DecisionInFlight DecisionKind = "in_flight"
	// DecisionGiveUp - лимит попыток исчерпан, повторов больше не будет.
	DecisionGiveUp DecisionKind = "give_up"
)

// Decision описывает, что делать с очередной доставкой события.
type Decision struct {
	Kind      DecisionKind
	OrderID   string
	LastError string
	Attempt   int
}

// IsIdempotencyConflict проверяет ошибки, означающие параллельное изменение записи.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) ||
		errors.Is(err, ErrIdempotencyConflict)
}
