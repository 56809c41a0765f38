package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Стандартные ключи атрибутов
const (
	// Запрос
	AttrRequestID = "request.id"
	AttrTraceID   = "request.trace_id"
	AttrClientID  = "request.client_id"
	AttrPriority  = "request.priority"

	// Маршрутизация
	AttrHandlerID    = "route.handler_id"
	AttrVersionID    = "route.version_id"
	AttrDecisionKind = "route.decision"
	AttrChainLength  = "route.transformer_chain_length"

	// Фазы LCC
	AttrPhase  = "lcc.phase"
	AttrHookID = "lcc.hook_id"

	// Модульные RPC
	AttrModuleID  = "module.id"
	AttrRPCMethod = "module.method"
	AttrAttempt   = "module.attempt"

	// Очередь
	AttrTopic     = "queue.topic"
	AttrMessageID = "queue.message_id"
)

// RequestAttributes возвращает атрибуты конверта запроса
func RequestAttributes(requestID, traceID, clientID string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRequestID, requestID),
		attribute.String(AttrTraceID, traceID),
		attribute.String(AttrClientID, clientID),
		attribute.Int(AttrPriority, priority),
	}
}

// RouteAttributes возвращает атрибуты решения маршрутизации
func RouteAttributes(kind, handlerID, versionID string, chainLength int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDecisionKind, kind),
		attribute.String(AttrHandlerID, handlerID),
		attribute.String(AttrVersionID, versionID),
		attribute.Int(AttrChainLength, chainLength),
	}
}

// ModuleCallAttributes возвращает атрибуты вызова модуля
func ModuleCallAttributes(moduleID, method string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrModuleID, moduleID),
		attribute.String(AttrRPCMethod, method),
		attribute.Int(AttrAttempt, attempt),
	}
}
