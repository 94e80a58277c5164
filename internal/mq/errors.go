package mq

import "errors"

// Ошибки mq.
var (
	// ErrNoChannel — соединение ещё не установлено или закрыто.
	ErrNoChannel = errors.New("no amqp channel available")

	// ErrConnectionClosed — Connection.Close уже вызван.
	ErrConnectionClosed = errors.New("amqp connection closed")
)
